// Package sink persists unified events to hourly-partitioned parquet
// files with atomic publication and a manifest of written partitions.
//
// The sink is a queue-fed consumer: the worker pushes enriched events
// into a bounded channel (backpressure), the sink accumulates a batch,
// and flushes when the batch length or its estimated memory crosses the
// configured limits. Each flush stable-sorts the batch by timestamp,
// groups it by UTC hour, and writes the partitions concurrently — each
// through a temp-file-then-rename so readers never observe a partial
// file.
package sink

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"marketreplay/internal/config"
	"marketreplay/pkg/types"
)

const bytesPerMB = 1024 * 1024

// partitionState tracks the rollover sequence for one hour partition.
type partitionState struct {
	fileSeq    int
	bytesInSeq int64
}

// Stats is a snapshot of sink counters for metrics and reporting.
type Stats struct {
	EventsWritten     int64
	PartitionsWritten int64
	EventsRejected    int64
	FlushCount        int64
}

// Sink writes one symbol's unified events under
// <root>/<SYMBOL>/YYYY/MM/DD/HH/. Single-consumer: Run owns the batch.
type Sink struct {
	cfg    config.SinkConfig
	symbol string
	root   string // <output_root>/<SYMBOL>

	in chan types.UnifiedEvent

	batch       []types.UnifiedEvent
	memEstimate int64

	partitions map[string]*partitionState
	manifest   *Manifest

	eventsWritten     atomic.Int64
	partitionsWritten atomic.Int64
	eventsRejected    atomic.Int64
	flushCount        atomic.Int64

	logger *slog.Logger
}

// New creates the output tree for symbol, removes orphaned temp files
// left by a previous crash, and opens the manifest.
func New(symbol, outputRoot string, cfg config.SinkConfig, logger *slog.Logger) (*Sink, error) {
	root := filepath.Join(outputRoot, symbol)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	s := &Sink{
		cfg:        cfg,
		symbol:     symbol,
		root:       root,
		in:         make(chan types.UnifiedEvent, cfg.QueueSize),
		partitions: make(map[string]*partitionState),
		logger:     logger.With("component", "sink", "symbol", symbol),
	}
	if err := s.cleanupOrphans(); err != nil {
		return nil, err
	}

	manifest, err := OpenManifest(root)
	if err != nil {
		return nil, err
	}
	s.manifest = manifest
	return s, nil
}

// In returns the bounded input channel. Closing it drains and stops the
// sink.
func (s *Sink) In() chan<- types.UnifiedEvent { return s.in }

// Manifest returns the partition index.
func (s *Sink) Manifest() *Manifest { return s.manifest }

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	return Stats{
		EventsWritten:     s.eventsWritten.Load(),
		PartitionsWritten: s.partitionsWritten.Load(),
		EventsRejected:    s.eventsRejected.Load(),
		FlushCount:        s.flushCount.Load(),
	}
}

// Run consumes events until the input channel closes or ctx is
// cancelled, then drains the remaining batch and exits.
func (s *Sink) Run(ctx context.Context) error {
	s.logger.Info("data sink started", "queue_size", s.cfg.QueueSize, "batch_size", s.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued without blocking, then flush.
			for {
				select {
				case ev, ok := <-s.in:
					if !ok {
						return s.Flush()
					}
					if err := s.accumulate(ev); err != nil {
						return err
					}
				default:
					return s.Flush()
				}
			}
		case ev, ok := <-s.in:
			if !ok {
				return s.Flush()
			}
			if err := s.accumulate(ev); err != nil {
				return err
			}
		}
	}
}

func (s *Sink) accumulate(ev types.UnifiedEvent) error {
	if err := ev.Validate(); err != nil {
		s.eventsRejected.Add(1)
		s.logger.Error("rejecting invalid event", "error", err)
		return nil
	}
	s.batch = append(s.batch, ev)
	s.memEstimate += estimateEventMemory(&ev)

	if len(s.batch) >= s.cfg.BatchSize || s.memEstimate >= int64(s.cfg.MaxBatchMemoryMB)*bytesPerMB {
		if s.memEstimate >= int64(s.cfg.MaxBatchMemoryMB)*bytesPerMB {
			s.logger.Warn("flushing batch at memory limit",
				"estimated_mb", s.memEstimate/bytesPerMB)
		}
		return s.Flush()
	}
	return nil
}

// Flush writes the accumulated batch: stable sort by timestamp, group by
// hour, write all partitions concurrently, clear the batch.
func (s *Sink) Flush() error {
	if len(s.batch) == 0 {
		return nil
	}
	s.flushCount.Add(1)

	sort.SliceStable(s.batch, func(i, j int) bool {
		return s.batch[i].EventTimestamp < s.batch[j].EventTimestamp
	})

	grouped := make(map[string][]types.UnifiedEvent)
	var keys []string
	for i := range s.batch {
		key := partitionKey(s.batch[i].EventTimestamp)
		if _, ok := grouped[key]; !ok {
			keys = append(keys, key)
		}
		grouped[key] = append(grouped[key], s.batch[i])
	}
	sort.Strings(keys)

	// Resolve file names sequentially (they mutate rollover state), then
	// write partitions concurrently.
	type job struct {
		key      string
		fileName string
		events   []types.UnifiedEvent
		state    *partitionState
	}
	jobs := make([]job, 0, len(keys))
	for _, key := range keys {
		events := grouped[key]
		ps := s.partitions[key]
		if ps == nil {
			ps = &partitionState{}
			s.partitions[key] = ps
		}
		estimated := int64(0)
		for i := range events {
			estimated += estimateEventMemory(&events[i])
		}
		if ps.bytesInSeq > 0 && ps.bytesInSeq+estimated > int64(s.cfg.MaxFileSizeMB)*bytesPerMB {
			ps.fileSeq++
			ps.bytesInSeq = 0
			s.logger.Info("rolling partition file",
				"partition", key, "file_seq", ps.fileSeq)
		}
		fileName := fmt.Sprintf("events_%d.parquet", events[0].EventTimestamp)
		if ps.fileSeq > 0 {
			fileName = fmt.Sprintf("events_%d_%03d.parquet", events[0].EventTimestamp, ps.fileSeq)
		}
		jobs = append(jobs, job{key: key, fileName: fileName, events: events, state: ps})
	}

	var g errgroup.Group
	for i := range jobs {
		j := jobs[i]
		g.Go(func() error {
			size, err := s.writePartition(j.key, j.fileName, j.events)
			if err != nil {
				return err
			}
			j.state.bytesInSeq += size
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.batch = s.batch[:0]
	s.memEstimate = 0
	return nil
}

// writePartition writes one file atomically and records it in the
// manifest. Returns the final file size.
func (s *Sink) writePartition(key, fileName string, events []types.UnifiedEvent) (int64, error) {
	dir := filepath.Join(s.root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create partition dir: %w", err)
	}

	rows := make([]eventRow, 0, len(events))
	tsMin, tsMax := events[0].EventTimestamp, events[0].EventTimestamp
	typeSet := make(map[string]struct{})
	for i := range events {
		row, err := toRow(&events[i])
		if err != nil {
			return 0, fmt.Errorf("encode event: %w", err)
		}
		rows = append(rows, row)
		if events[i].EventTimestamp < tsMin {
			tsMin = events[i].EventTimestamp
		}
		if events[i].EventTimestamp > tsMax {
			tsMax = events[i].EventTimestamp
		}
		typeSet[string(events[i].EventType)] = struct{}{}
	}

	path := filepath.Join(dir, fileName)
	tmp := path + ".tmp"
	if err := writeRows(tmp, rows, codecFor(s.cfg.CompressionCodec)); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("write partition %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("publish partition %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat partition %s: %w", path, err)
	}

	eventTypes := make([]string, 0, len(typeSet))
	for t := range typeSet {
		eventTypes = append(eventTypes, t)
	}
	sort.Strings(eventTypes)

	entry := types.ManifestEntry{
		EntryID:        uuid.NewString(),
		PartitionPath:  filepath.Join(s.symbol, key),
		FileName:       fileName,
		RowCount:       int64(len(events)),
		FileSizeBytes:  info.Size(),
		TimestampMin:   tsMin,
		TimestampMax:   tsMax,
		EventTypes:     eventTypes,
		WriteTimestamp: time.Now().UTC().UnixNano(),
	}
	if err := s.manifest.Append(entry); err != nil {
		return 0, err
	}

	s.eventsWritten.Add(int64(len(events)))
	s.partitionsWritten.Add(1)
	s.logger.Debug("wrote partition file",
		"file", path, "rows", len(events), "bytes", info.Size())
	return info.Size(), nil
}

// cleanupOrphans removes *.tmp crash remnants under the output tree.
func (s *Sink) cleanupOrphans() error {
	var removed int
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".tmp" {
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("orphan cleanup: %w", err)
	}
	if removed > 0 {
		s.logger.Warn("removed orphaned temp files", "count", removed)
	}
	return nil
}

// partitionKey derives the YYYY/MM/DD/HH hour partition from a UTC
// nanosecond timestamp.
func partitionKey(tsNanos int64) string {
	t := time.Unix(0, tsNanos).UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%02d", t.Year(), int(t.Month()), t.Day(), t.Hour())
}

// estimateEventMemory is a rough per-event heap estimate driving the
// memory flush trigger.
func estimateEventMemory(ev *types.UnifiedEvent) int64 {
	mem := int64(240)
	mem += int64(len(ev.Bids)+len(ev.Asks)) * 96
	if ev.TradePrice != nil {
		mem += 64
	}
	if ev.DeltaPrice != nil {
		mem += 64
	}
	if ev.Drift != nil {
		mem += 96
	}
	return mem
}
