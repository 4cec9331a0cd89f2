package checkpoint

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"marketreplay/pkg/types"
)

// Continuity classifies the first live update_id seen after recovery
// against the checkpoint cursor.
type Continuity int

const (
	// ContinuityDuplicate: the event precedes or equals the checkpoint
	// cursor; drop until update_id moves past it.
	ContinuityDuplicate Continuity = iota
	// ContinuityPerfect: exactly cursor+1.
	ContinuityPerfect
	// ContinuitySmallGap: a tolerable gap; record it and continue.
	ContinuitySmallGap
	// ContinuityLargeGap: gap above the threshold; enter AWAITING_RESYNC.
	ContinuityLargeGap
)

func (c Continuity) String() string {
	switch c {
	case ContinuityPerfect:
		return "PERFECT"
	case ContinuitySmallGap:
		return "SMALL_GAP"
	case ContinuityLargeGap:
		return "LARGE_GAP"
	default:
		return "DUPLICATE"
	}
}

// Recovery locates and validates the latest durable checkpoint for a
// symbol on worker start.
type Recovery struct {
	symbol string
	dir    string
	wal    *WAL
	logger *slog.Logger
}

// NewRecovery opens the checkpoint directory under root for reading.
func NewRecovery(symbol, root string, logger *slog.Logger) (*Recovery, error) {
	dir := filepath.Join(root, "checkpoints")
	wal, err := OpenWAL(dir, symbol)
	if err != nil {
		return nil, err
	}
	return &Recovery{
		symbol: symbol,
		dir:    dir,
		wal:    wal,
		logger: logger.With("component", "recovery", "symbol", symbol),
	}, nil
}

// Recover returns the newest valid checkpoint record, or nil when no
// usable checkpoint exists. Candidates come from the WAL newest-first;
// if the WAL is empty or yields nothing, the directory is scanned by
// embedded wall time.
func (r *Recovery) Recover() (*types.CheckpointRecord, error) {
	entries, err := r.wal.Entries()
	if err != nil {
		r.logger.Warn("wal unreadable, falling back to directory scan", "error", err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		rec, err := r.loadAndValidate(filepath.Join(r.dir, entries[i].FileName), entries[i].Checksum)
		if err != nil {
			r.logger.Warn("skipping checkpoint from wal", "file", entries[i].FileName, "error", err)
			continue
		}
		r.logSummary(rec)
		return rec, nil
	}

	files, err := r.scanFiles()
	if err != nil {
		return nil, err
	}
	for i := len(files) - 1; i >= 0; i-- {
		rec, err := r.loadAndValidate(files[i], 0)
		if err != nil {
			r.logger.Warn("skipping checkpoint from scan", "file", files[i], "error", err)
			continue
		}
		r.logSummary(rec)
		return rec, nil
	}

	r.logger.Info("no valid checkpoint found, starting fresh")
	return nil, nil
}

// RecoverByUpdateID returns the newest valid checkpoint whose cursor is
// at or before target.
func (r *Recovery) RecoverByUpdateID(target int64) (*types.CheckpointRecord, error) {
	files, err := r.scanFiles()
	if err != nil {
		return nil, err
	}
	var best *types.CheckpointRecord
	for _, path := range files {
		rec, err := r.loadAndValidate(path, 0)
		if err != nil {
			continue
		}
		if rec.LastUpdateID <= target && (best == nil || rec.LastUpdateID > best.LastUpdateID) {
			best = rec
		}
	}
	return best, nil
}

// ValidateContinuity classifies the first live update_id against the
// recovered cursor.
func ValidateContinuity(checkpointID, firstID, gapThreshold int64) Continuity {
	switch {
	case firstID <= checkpointID:
		return ContinuityDuplicate
	case firstID == checkpointID+1:
		return ContinuityPerfect
	case firstID-checkpointID-1 <= gapThreshold:
		return ContinuitySmallGap
	default:
		return ContinuityLargeGap
	}
}

// loadAndValidate reads one checkpoint file, verifies its checksum
// (against the WAL commit when provided, always against the embedded
// one), and validates required fields.
func (r *Recovery) loadAndValidate(path string, walChecksum uint32) (*types.CheckpointRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCheckpointInvalid, err)
	}
	if got := crc32.ChecksumIEEE(env.Record); got != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch (have %d, embedded %d)", types.ErrCheckpointInvalid, got, env.Checksum)
	}
	if walChecksum != 0 && walChecksum != env.Checksum {
		return nil, fmt.Errorf("%w: checksum differs from wal commit", types.ErrCheckpointInvalid)
	}

	var rec types.CheckpointRecord
	if err := json.Unmarshal(env.Record, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCheckpointInvalid, err)
	}
	if rec.SchemaVersion != types.CheckpointSchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", types.ErrCheckpointInvalid, rec.SchemaVersion)
	}
	if rec.Symbol != r.symbol {
		return nil, fmt.Errorf("%w: symbol %q does not match %q", types.ErrCheckpointInvalid, rec.Symbol, r.symbol)
	}
	if rec.LastUpdateID < 0 {
		return nil, fmt.Errorf("%w: negative update_id", types.ErrCheckpointInvalid)
	}
	if rec.EventsProcessed < 0 {
		return nil, fmt.Errorf("%w: negative events_processed", types.ErrCheckpointInvalid)
	}
	return &rec, nil
}

// scanFiles returns candidate files oldest-first by embedded wall time.
func (r *Recovery) scanFiles() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	prefix := r.symbol + "_"
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || !strings.HasSuffix(e.Name(), checkpointExt) {
			continue
		}
		files = append(files, filepath.Join(r.dir, e.Name()))
	}
	sort.Slice(files, func(i, j int) bool {
		return walMillis(files[i]) < walMillis(files[j])
	})
	return files, nil
}

func (r *Recovery) logSummary(rec *types.CheckpointRecord) {
	r.logger.Info("recovered from checkpoint",
		"update_id", rec.LastUpdateID,
		"events_processed", rec.EventsProcessed,
		"snapshot_count", rec.SnapshotCount,
		"resume_file", rec.CurrentFile,
		"resume_offset", rec.FileOffset,
	)
}
