package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"marketreplay/internal/config"
	"marketreplay/pkg/types"
)

const checkpointExt = ".ckpt"

// StateProvider supplies a consistent snapshot of pipeline state. The
// capture copies the small in-memory ladders and cursors, keeping the
// cost on the hot path negligible.
type StateProvider interface {
	CheckpointState() (types.CheckpointRecord, error)
}

// envelope is the on-disk checkpoint layout: the serialized record plus
// a CRC32 of its bytes.
type envelope struct {
	Checksum uint32          `json:"checksum"`
	Record   json.RawMessage `json:"record"`
}

// Manager writes checkpoints for one symbol on a timer, an event-count
// trigger, or a manual request, and retains only the newest
// max_checkpoints files.
type Manager struct {
	symbol   string
	dir      string
	cfg      config.CheckpointConfig
	provider StateProvider
	wal      *WAL

	eventsSince atomic.Int64
	triggerCh   chan struct{}

	checkpoints atomic.Int64

	logger *slog.Logger
}

// NewManager creates the checkpoint directory (0700) and the WAL for
// symbol under root.
func NewManager(symbol, root string, cfg config.CheckpointConfig, provider StateProvider, logger *slog.Logger) (*Manager, error) {
	dir := filepath.Join(root, "checkpoints")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	wal, err := OpenWAL(dir, symbol)
	if err != nil {
		return nil, err
	}
	return &Manager{
		symbol:    symbol,
		dir:       dir,
		cfg:       cfg,
		provider:  provider,
		wal:       wal,
		triggerCh: make(chan struct{}, 1),
		logger:    logger.With("component", "checkpoint", "symbol", symbol),
	}, nil
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string { return m.dir }

// Count returns how many checkpoints have been written this run.
func (m *Manager) Count() int64 { return m.checkpoints.Load() }

// RecordEvents advances the event-count trigger.
func (m *Manager) RecordEvents(n int64) {
	if m.eventsSince.Add(n) >= m.cfg.EventInterval {
		m.eventsSince.Store(0)
		m.trigger()
	}
}

// TriggerManual requests a checkpoint outside the regular triggers.
func (m *Manager) TriggerManual() { m.trigger() }

func (m *Manager) trigger() {
	select {
	case m.triggerCh <- struct{}{}:
	default:
	}
}

// Triggers returns the channel that fires whenever a checkpoint is due.
// The worker services it from its own event loop, so state capture never
// races with book mutation and the hot path needs no locking.
func (m *Manager) Triggers() <-chan struct{} { return m.triggerCh }

// RunTimer pumps the time trigger until ctx is cancelled. It only
// signals; the worker performs the actual capture.
func (m *Manager) RunTimer(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TimeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.trigger()
		}
	}
}

// CheckpointNow captures state, writes the checkpoint atomically,
// commits it to the WAL, and prunes old files.
func (m *Manager) CheckpointNow() error {
	rec, err := m.provider.CheckpointState()
	if err != nil {
		return fmt.Errorf("capture state: %w", err)
	}
	rec.Symbol = m.symbol
	rec.SchemaVersion = types.CheckpointSchemaVersion
	rec.WallTimeMs = time.Now().UnixMilli()
	if rec.LastUpdateID < 0 {
		return fmt.Errorf("refusing checkpoint with negative update_id %d", rec.LastUpdateID)
	}

	payload, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	checksum := crc32.ChecksumIEEE(payload)
	data, err := json.Marshal(envelope{Checksum: checksum, Record: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	fileName := fmt.Sprintf("%s_%d_%d%s", m.symbol, rec.LastUpdateID, rec.WallTimeMs, checkpointExt)
	path := filepath.Join(m.dir, fileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish checkpoint: %w", err)
	}

	if err := m.wal.Append(WALEntry{
		UpdateID:   rec.LastUpdateID,
		FileName:   fileName,
		Checksum:   checksum,
		WallTimeMs: rec.WallTimeMs,
	}); err != nil {
		return err
	}

	m.checkpoints.Add(1)
	m.pruneOld()
	m.logger.Debug("checkpoint written",
		"file", fileName, "update_id", rec.LastUpdateID, "events", rec.EventsProcessed)
	return nil
}

// pruneOld keeps only the newest max_checkpoints files for this symbol.
func (m *Manager) pruneOld() {
	files, err := m.checkpointFiles()
	if err != nil {
		m.logger.Error("checkpoint retention scan failed", "error", err)
		return
	}
	if len(files) <= m.cfg.MaxCheckpoints {
		return
	}
	for _, path := range files[:len(files)-m.cfg.MaxCheckpoints] {
		if err := os.Remove(path); err != nil {
			m.logger.Error("failed to remove old checkpoint", "file", path, "error", err)
		}
	}
}

// checkpointFiles returns this symbol's checkpoint paths, oldest first.
// File names embed the wall-clock millisecond; files are sorted by that
// parsed value, and files with equal milliseconds have no defined order.
func (m *Manager) checkpointFiles() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	prefix := m.symbol + "_"
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || !strings.HasSuffix(e.Name(), checkpointExt) {
			continue
		}
		files = append(files, filepath.Join(m.dir, e.Name()))
	}
	sort.Slice(files, func(i, j int) bool {
		return walMillis(files[i]) < walMillis(files[j])
	})
	return files, nil
}

// walMillis extracts the wall-time component from a checkpoint file name.
func walMillis(path string) int64 {
	name := strings.TrimSuffix(filepath.Base(path), checkpointExt)
	idx := strings.LastIndex(name, "_")
	if idx < 0 {
		return 0
	}
	var ms int64
	fmt.Sscanf(name[idx+1:], "%d", &ms)
	return ms
}
