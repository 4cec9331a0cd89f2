// Package checkpoint captures and restores full pipeline state.
//
// Checkpoints are JSON records with an embedded CRC32 checksum, written
// atomically (temp-then-rename) under <root>/checkpoints with 0600
// permissions. A write-ahead log under checkpoints/wal commits which
// checkpoint file is durable; recovery reads the WAL first and falls
// back to scanning the directory.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// WALEntry is one commit record: which checkpoint file became durable.
type WALEntry struct {
	UpdateID   int64  `json:"update_id"`
	FileName   string `json:"file_name"`
	Checksum   uint32 `json:"checksum"`
	WallTimeMs int64  `json:"wall_time_ms"`
}

// WAL is the append-and-fsync commit log for one symbol's checkpoints.
type WAL struct {
	path string
	mu   sync.Mutex
}

// OpenWAL creates the wal directory (0700) and returns the symbol's log.
func OpenWAL(checkpointDir, symbol string) (*WAL, error) {
	dir := filepath.Join(checkpointDir, "wal")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	return &WAL{path: filepath.Join(dir, symbol+".wal")}, nil
}

// Append durably writes one commit record.
func (w *WAL) Append(entry WALEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal wal entry: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append wal: %w", err)
	}
	return f.Sync()
}

// Entries returns all parseable commit records in append order. Corrupt
// lines (crash mid-append) are skipped.
func (w *WAL) Entries() ([]WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open wal: %w", err)
	}
	defer f.Close()

	var entries []WALEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e WALEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan wal: %w", err)
	}
	return entries, nil
}
