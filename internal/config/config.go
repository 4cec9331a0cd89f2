// Package config defines all configuration for the replay pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via REPLAY_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"marketreplay/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Symbols    []string         `mapstructure:"symbols"`
	Inputs     []string         `mapstructure:"inputs"`
	OutputDir  string           `mapstructure:"output_dir"`
	Book       BookConfig       `mapstructure:"book"`
	Replay     ReplayConfig     `mapstructure:"replay"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Router     RouterConfig     `mapstructure:"router"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Health     HealthConfig     `mapstructure:"health"`
}

// BookConfig bounds the in-memory order book.
//
//   - MaxLevels: K, the size of the fast top region per side.
//   - MaxDeepLevels: hard ceiling on the slow deep region per side.
type BookConfig struct {
	MaxLevels     int `mapstructure:"max_book_levels"`
	MaxDeepLevels int `mapstructure:"max_deep_levels"`
}

// ReplayConfig tunes the chronological replayer.
//
//   - DriftThreshold: combined RMS error that counts as a drift breach.
//   - ResyncOnDrift: whether a breach forces a snapshot reload.
//   - GapThreshold: delta sequence gap that forces AWAITING_RESYNC.
//   - PendingQueueSize: bound on deltas queued while awaiting a snapshot.
//   - MicroBatchSize: events pulled from the input queue per replay pass.
type ReplayConfig struct {
	DriftThreshold   float64 `mapstructure:"drift_threshold"`
	ResyncOnDrift    bool    `mapstructure:"resync_on_drift"`
	GapThreshold     int64   `mapstructure:"gap_threshold"`
	PendingQueueSize int     `mapstructure:"pending_queue_size"`
	MicroBatchSize   int     `mapstructure:"micro_batch_size"`
	DriftHistorySize int     `mapstructure:"drift_history_size"`
}

// SinkConfig controls batching, partitioning, and file rollover.
type SinkConfig struct {
	BatchSize        int    `mapstructure:"batch_size"`
	MaxBatchMemoryMB int    `mapstructure:"max_batch_memory_mb"`
	MaxFileSizeMB    int    `mapstructure:"max_file_size_mb"`
	CompressionCodec string `mapstructure:"compression_codec"`
	QueueSize        int    `mapstructure:"queue_size"`
}

// CheckpointConfig controls when and how pipeline state is captured.
type CheckpointConfig struct {
	TimeInterval   time.Duration `mapstructure:"time_interval"`
	EventInterval  int64         `mapstructure:"event_interval"`
	MaxCheckpoints int           `mapstructure:"max_checkpoints"`
}

// RouterConfig controls record dispatch to per-symbol workers.
type RouterConfig struct {
	Strategy          string  `mapstructure:"routing_strategy"`
	InputQueueSize    int     `mapstructure:"input_queue_size"`
	FullnessThreshold float64 `mapstructure:"fullness_threshold"`
}

// SupervisorConfig sets worker health and restart policy.
//
//   - HeartbeatTimeout: a worker missing its heartbeat this long is crashed.
//   - RestartBackoff: base of the exponential restart delay.
//   - MemoryLimitMB: soft per-worker heap watermark; 0 disables.
//   - CPUAffinity: accepted for config compatibility; the Go runtime does
//     not support per-worker core binding, so a non-empty value is logged
//     and ignored.
type SupervisorConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	MaxRestartAttempts  int           `mapstructure:"max_restart_attempts"`
	RestartBackoff      time.Duration `mapstructure:"restart_backoff"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	MemoryLimitMB       int           `mapstructure:"memory_limit_mb"`
	CPUAffinity         []int         `mapstructure:"cpu_affinity"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HealthConfig controls the metrics/health HTTP server.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides (REPLAY_ prefix).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("REPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading a file;
// tests use it.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err) // defaults always unmarshal
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output_dir", "data/output")

	v.SetDefault("book.max_book_levels", 20)
	v.SetDefault("book.max_deep_levels", 10_000)

	v.SetDefault("replay.drift_threshold", 0.001)
	v.SetDefault("replay.resync_on_drift", true)
	v.SetDefault("replay.gap_threshold", 1000)
	v.SetDefault("replay.pending_queue_size", 1000)
	v.SetDefault("replay.micro_batch_size", 1000)
	v.SetDefault("replay.drift_history_size", 10_000)

	v.SetDefault("sink.batch_size", 5000)
	v.SetDefault("sink.max_batch_memory_mb", 500)
	v.SetDefault("sink.max_file_size_mb", 400)
	v.SetDefault("sink.compression_codec", "snappy")
	v.SetDefault("sink.queue_size", 5000)

	v.SetDefault("checkpoint.time_interval", 300*time.Second)
	v.SetDefault("checkpoint.event_interval", 1_000_000)
	v.SetDefault("checkpoint.max_checkpoints", 3)

	v.SetDefault("router.routing_strategy", string(types.RouteDirect))
	v.SetDefault("router.input_queue_size", 5000)
	v.SetDefault("router.fullness_threshold", 0.8)

	v.SetDefault("supervisor.health_check_interval", 5*time.Second)
	v.SetDefault("supervisor.heartbeat_timeout", 15*time.Second)
	v.SetDefault("supervisor.max_restart_attempts", 5)
	v.SetDefault("supervisor.restart_backoff", time.Second)
	v.SetDefault("supervisor.shutdown_timeout", 30*time.Second)
	v.SetDefault("supervisor.memory_limit_mb", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("health.enabled", false)
	v.SetDefault("health.port", 9090)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols is required (at least one trading symbol)")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.Book.MaxLevels < 1 || c.Book.MaxLevels > 1000 {
		return fmt.Errorf("book.max_book_levels must be in [1, 1000], got %d", c.Book.MaxLevels)
	}
	if c.Book.MaxDeepLevels < c.Book.MaxLevels {
		return fmt.Errorf("book.max_deep_levels must be ≥ book.max_book_levels")
	}
	if c.Replay.DriftThreshold <= 0 || c.Replay.DriftThreshold > 1 {
		return fmt.Errorf("replay.drift_threshold must be in (0, 1], got %g", c.Replay.DriftThreshold)
	}
	if c.Replay.GapThreshold < 1 {
		return fmt.Errorf("replay.gap_threshold must be positive")
	}
	if c.Replay.PendingQueueSize < 1 {
		return fmt.Errorf("replay.pending_queue_size must be positive")
	}
	if c.Sink.BatchSize < 1 {
		return fmt.Errorf("sink.batch_size must be positive")
	}
	if c.Sink.MaxFileSizeMB < 1 {
		return fmt.Errorf("sink.max_file_size_mb must be positive")
	}
	switch c.Sink.CompressionCodec {
	case "snappy", "zstd", "gzip", "uncompressed":
	default:
		return fmt.Errorf("sink.compression_codec must be one of: snappy, zstd, gzip, uncompressed")
	}
	switch types.RoutingStrategy(c.Router.Strategy) {
	case types.RouteDirect, types.RouteHash, types.RouteRoundRobin:
	default:
		return fmt.Errorf("router.routing_strategy must be one of: DIRECT, HASH, ROUND_ROBIN")
	}
	if c.Router.FullnessThreshold <= 0 || c.Router.FullnessThreshold > 1 {
		return fmt.Errorf("router.fullness_threshold must be in (0, 1]")
	}
	if c.Supervisor.MaxRestartAttempts < 0 {
		return fmt.Errorf("supervisor.max_restart_attempts must be ≥ 0")
	}
	if c.Checkpoint.MaxCheckpoints < 1 {
		return fmt.Errorf("checkpoint.max_checkpoints must be positive")
	}
	return nil
}
