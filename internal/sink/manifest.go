// manifest.go maintains the append-only index of written partition
// files: one JSON line per file under <root>/_manifest/manifest.jsonl,
// appended and fsynced so a crash never loses a committed entry.
package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"marketreplay/pkg/types"
)

const manifestFileName = "manifest.jsonl"

// Manifest is the single-writer partition index for one symbol's output
// tree.
type Manifest struct {
	path string
	mu   sync.Mutex
}

// OpenManifest creates the _manifest directory under root and returns a
// handle to its index file.
func OpenManifest(root string) (*Manifest, error) {
	dir := filepath.Join(root, "_manifest")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}
	return &Manifest{path: filepath.Join(dir, manifestFileName)}, nil
}

// Append durably records one entry: append a JSON line and fsync before
// returning.
func (m *Manifest) Append(entry types.ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal manifest entry: %w", err)
	}

	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append manifest entry: %w", err)
	}
	return f.Sync()
}

// Load returns all entries ordered by write timestamp. Truncated or
// corrupt trailing lines (a crash mid-append) are skipped.
func (m *Manifest) Load() ([]types.ManifestEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var entries []types.ManifestEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e types.ManifestEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan manifest: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].WriteTimestamp < entries[j].WriteTimestamp
	})
	return entries, nil
}

// Stats derives summary statistics from the full entry list.
func (m *Manifest) Stats() (types.ManifestStats, error) {
	entries, err := m.Load()
	if err != nil {
		return types.ManifestStats{}, err
	}

	stats := types.ManifestStats{TotalFiles: len(entries)}
	typeSet := make(map[string]struct{})
	for i, e := range entries {
		stats.TotalRows += e.RowCount
		stats.TotalBytes += e.FileSizeBytes
		if i == 0 || e.TimestampMin < stats.EarliestTS {
			stats.EarliestTS = e.TimestampMin
		}
		if e.TimestampMax > stats.LatestTS {
			stats.LatestTS = e.TimestampMax
		}
		if e.WriteTimestamp > stats.LastWriteTime.UnixNano() {
			stats.LastWriteTime = time.Unix(0, e.WriteTimestamp).UTC()
		}
		for _, t := range e.EventTypes {
			typeSet[t] = struct{}{}
		}
	}
	for t := range typeSet {
		stats.EventTypes = append(stats.EventTypes, t)
	}
	sort.Strings(stats.EventTypes)
	return stats, nil
}
