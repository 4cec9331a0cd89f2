package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if cfg.Book.MaxLevels != 20 {
		t.Errorf("max_book_levels = %d, want 20", cfg.Book.MaxLevels)
	}
	if cfg.Replay.DriftThreshold != 0.001 {
		t.Errorf("drift_threshold = %g, want 0.001", cfg.Replay.DriftThreshold)
	}
	if cfg.Replay.GapThreshold != 1000 {
		t.Errorf("gap_threshold = %d, want 1000", cfg.Replay.GapThreshold)
	}
	if cfg.Sink.BatchSize != 5000 {
		t.Errorf("batch_size = %d, want 5000", cfg.Sink.BatchSize)
	}
	if cfg.Checkpoint.TimeInterval != 300*time.Second {
		t.Errorf("checkpoint.time_interval = %v, want 5m", cfg.Checkpoint.TimeInterval)
	}
	if cfg.Supervisor.MaxRestartAttempts != 5 {
		t.Errorf("max_restart_attempts = %d, want 5", cfg.Supervisor.MaxRestartAttempts)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	yaml := `
symbols: ["BTCUSDT", "ETHUSDT"]
output_dir: /tmp/replay-out
book:
  max_book_levels: 50
sink:
  compression_codec: zstd
router:
  routing_strategy: HASH
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "BTCUSDT" {
		t.Errorf("symbols = %v", cfg.Symbols)
	}
	if cfg.Book.MaxLevels != 50 {
		t.Errorf("max_book_levels = %d, want 50", cfg.Book.MaxLevels)
	}
	// Defaults still apply to unset fields.
	if cfg.Replay.GapThreshold != 1000 {
		t.Errorf("gap_threshold = %d, want default 1000", cfg.Replay.GapThreshold)
	}
	if cfg.Sink.CompressionCodec != "zstd" {
		t.Errorf("compression_codec = %q, want zstd", cfg.Sink.CompressionCodec)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no symbols", func(c *Config) { c.Symbols = nil }},
		{"zero levels", func(c *Config) { c.Book.MaxLevels = 0 }},
		{"deep below top", func(c *Config) { c.Book.MaxDeepLevels = 1 }},
		{"drift threshold too high", func(c *Config) { c.Replay.DriftThreshold = 1.5 }},
		{"bad codec", func(c *Config) { c.Sink.CompressionCodec = "lzma" }},
		{"bad strategy", func(c *Config) { c.Router.Strategy = "RANDOM" }},
		{"zero gap threshold", func(c *Config) { c.Replay.GapThreshold = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			cfg.Symbols = []string{"BTCUSDT"}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
