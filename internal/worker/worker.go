// Package worker runs the complete per-symbol pipeline: it consumes
// routed records from its input queue, replays them through the order
// book, pushes enriched events into the data sink, and services the
// checkpoint triggers — all on a single goroutine so the book and
// cursors need no locking.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"marketreplay/internal/checkpoint"
	"marketreplay/internal/config"
	"marketreplay/internal/health"
	"marketreplay/internal/replay"
	"marketreplay/internal/router"
	"marketreplay/internal/sink"
	"marketreplay/internal/supervisor"
	"marketreplay/pkg/types"
)

// drainHighWaterMark bounds how many queued records a worker processes
// after the shutdown signal before flushing and exiting.
const drainHighWaterMark = 10_000

// Worker owns one symbol's pipeline instances. Create with New, run
// with Run; a worker is single-use.
type Worker struct {
	symbol string
	cfg    *config.Config

	replayer *replay.Replayer
	dataSink *sink.Sink
	state    *checkpoint.PipelineState
	ckptMgr  *checkpoint.Manager

	recovered         *types.CheckpointRecord
	continuityPending bool

	// sinkCtx cancels when the sink goroutine dies, so forwarding never
	// deadlocks on a closed consumer.
	sinkCtx context.Context

	metrics   *health.Metrics
	lastStats replay.Stats
	lastSink  sink.Stats
	lastGaps  int64
	logger    *slog.Logger
}

// New wires the pipeline for one symbol and attempts recovery from the
// latest checkpoint. metrics may be nil.
func New(symbol string, cfg *config.Config, metrics *health.Metrics, logger *slog.Logger) (*Worker, error) {
	log := logger.With("component", "worker", "symbol", symbol)

	replayer := replay.New(symbol, cfg.Book, cfg.Replay, logger)
	dataSink, err := sink.New(symbol, cfg.OutputDir, cfg.Sink, logger)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", symbol, err)
	}

	state := checkpoint.NewPipelineState(symbol, replayer, dataSink)
	symbolRoot := filepath.Join(cfg.OutputDir, symbol)
	ckptMgr, err := checkpoint.NewManager(symbol, symbolRoot, cfg.Checkpoint, state, logger)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", symbol, err)
	}

	w := &Worker{
		symbol:   symbol,
		cfg:      cfg,
		replayer: replayer,
		dataSink: dataSink,
		state:    state,
		ckptMgr:  ckptMgr,
		metrics:  metrics,
		logger:   log,
	}

	recovery, err := checkpoint.NewRecovery(symbol, symbolRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", symbol, err)
	}
	rec, err := recovery.Recover()
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", symbol, err)
	}
	if rec != nil {
		if err := replayer.RestoreFromCheckpoint(rec); err != nil {
			return nil, fmt.Errorf("worker %s: restore: %w", symbol, err)
		}
		state.RestoreProgress(rec)
		w.recovered = rec
		w.continuityPending = true
	}
	return w, nil
}

// Replayer exposes the replay engine, mainly for tests and the state
// provider.
func (w *Worker) Replayer() *replay.Replayer { return w.replayer }

// Sink exposes the data sink.
func (w *Worker) Sink() *sink.Sink { return w.dataSink }

// ResumePosition reports where input processing should resume after
// recovery.
func (w *Worker) ResumePosition() (file string, offset int64, lastUpdateID int64) {
	return w.state.ResumePosition()
}

// UpdateFileProgress records the input position for the next checkpoint.
func (w *Worker) UpdateFileProgress(file string, offset int64) {
	w.state.UpdateFileProgress(file, offset)
}

// Run processes the input queue until the shutdown sentinel, queue
// close, or a fatal error. The final flush and checkpoint always run
// before return; a non-nil error means the worker died fatally.
func (w *Worker) Run(ctx context.Context, queue <-chan router.Message, hb *supervisor.Heartbeat) error {
	g, gctx := errgroup.WithContext(context.Background())
	w.sinkCtx = gctx

	// The sink drains on channel close, not on context cancel, so a
	// graceful shutdown never loses queued events.
	g.Go(func() error { return w.dataSink.Run(context.Background()) })

	timerCtx, stopTimer := context.WithCancel(gctx)
	g.Go(func() error {
		if err := w.ckptMgr.RunTimer(timerCtx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	runErr := w.loop(ctx, queue, hb)

	// Shutdown sequence: release the replayer tail, drain the sink,
	// stop the timer, then take the final checkpoint.
	if tail, err := w.replayer.Flush(); err == nil {
		w.forward(tail)
	} else if runErr == nil {
		runErr = err
	}
	close(w.dataSink.In())
	stopTimer()
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	if err := w.ckptMgr.CheckpointNow(); err != nil && runErr == nil {
		runErr = err
	}

	stats := w.replayer.Stats()
	w.logger.Info("worker stopped",
		"events_in", stats.EventsIn,
		"events_out", stats.EventsOut,
		"malformed", stats.Malformed,
		"resyncs", stats.Resyncs,
		"fatal", runErr != nil,
	)
	return runErr
}

func (w *Worker) loop(ctx context.Context, queue <-chan router.Message, hb *supervisor.Heartbeat) error {
	for {
		var batch []types.RawRecord

		select {
		case <-ctx.Done():
			return w.drainRemaining(queue, hb)
		case msg, ok := <-queue:
			if !ok || msg.IsSentinel() {
				w.logger.Info("received shutdown sentinel")
				return nil
			}
			batch = append(batch, msg.Record)
		case <-w.ckptMgr.Triggers():
			if err := w.ckptMgr.CheckpointNow(); err != nil {
				w.logger.Error("checkpoint failed", "error", err)
			}
			continue
		}

		// Opportunistically fill a micro-batch without blocking.
	fill:
		for len(batch) < w.cfg.Replay.MicroBatchSize {
			select {
			case msg, ok := <-queue:
				if !ok || msg.IsSentinel() {
					if err := w.processBatch(batch); err != nil {
						return err
					}
					w.logger.Info("received shutdown sentinel")
					return nil
				}
				batch = append(batch, msg.Record)
			default:
				break fill
			}
		}

		if err := w.processBatch(batch); err != nil {
			return err
		}
		hb.Beat()
	}
}

// drainRemaining consumes what is already queued after a shutdown
// signal, bounded by the high-water mark.
func (w *Worker) drainRemaining(queue <-chan router.Message, hb *supervisor.Heartbeat) error {
	var batch []types.RawRecord
	for len(batch) < drainHighWaterMark {
		select {
		case msg, ok := <-queue:
			if !ok || msg.IsSentinel() {
				return w.processBatch(batch)
			}
			batch = append(batch, msg.Record)
		default:
			return w.processBatch(batch)
		}
	}
	hb.Beat()
	return w.processBatch(batch)
}

func (w *Worker) processBatch(batch []types.RawRecord) error {
	if len(batch) == 0 {
		return nil
	}
	if w.continuityPending {
		w.checkContinuity(batch)
	}

	out, err := w.replayer.ProcessBatch(batch)
	if err != nil {
		// Fatal path: checkpoint what we have and report.
		w.logger.Error("fatal replay error", "error", err)
		if ckErr := w.ckptMgr.CheckpointNow(); ckErr != nil {
			w.logger.Error("checkpoint during failure handling failed", "error", ckErr)
		}
		return err
	}

	w.forward(out)
	w.state.IncrementEvents(int64(len(out)))
	w.ckptMgr.RecordEvents(int64(len(out)))

	w.publishMetrics(len(out))
	return nil
}

// publishMetrics pushes counter deltas since the previous batch.
func (w *Worker) publishMetrics(emitted int) {
	if w.metrics == nil {
		return
	}
	stats := w.replayer.Stats()
	sinkStats := w.dataSink.Stats()
	w.metrics.EventsProcessed.WithLabelValues(w.symbol).Add(float64(emitted))
	w.metrics.EventsMalformed.WithLabelValues(w.symbol).Add(float64(stats.Malformed - w.lastStats.Malformed))
	w.metrics.Resyncs.WithLabelValues(w.symbol).Add(float64(stats.Resyncs - w.lastStats.Resyncs))
	gaps := w.replayer.Sequencer().Stats().TotalGaps
	w.metrics.SequenceGaps.WithLabelValues(w.symbol).Add(float64(gaps - w.lastGaps))
	w.metrics.PartitionsWritten.WithLabelValues(w.symbol).Add(float64(sinkStats.PartitionsWritten - w.lastSink.PartitionsWritten))
	w.lastStats = stats
	w.lastSink = sinkStats
	w.lastGaps = gaps
}

func (w *Worker) forward(events []types.UnifiedEvent) {
	for i := range events {
		select {
		case w.dataSink.In() <- events[i]:
		case <-w.sinkCtx.Done():
			return
		}
	}
}

// checkContinuity classifies the first post-recovery delta against the
// recovered cursor. Duplicates are handled by the sequencer's cursor;
// a gap above the threshold forces AWAITING_RESYNC.
func (w *Worker) checkContinuity(batch []types.RawRecord) {
	firstID, ok := firstUpdateID(batch)
	if !ok {
		return
	}
	w.continuityPending = false

	decision := checkpoint.ValidateContinuity(w.recovered.LastUpdateID, firstID, w.cfg.Replay.GapThreshold)
	switch decision {
	case checkpoint.ContinuityDuplicate:
		w.logger.Warn("duplicate region after recovery, dropping until past checkpoint",
			"first_update_id", firstID, "checkpoint_update_id", w.recovered.LastUpdateID)
	case checkpoint.ContinuityPerfect:
		w.logger.Info("perfect resume after recovery", "first_update_id", firstID)
	case checkpoint.ContinuitySmallGap:
		w.logger.Warn("small gap after recovery, continuing",
			"gap", firstID-w.recovered.LastUpdateID-1)
	case checkpoint.ContinuityLargeGap:
		w.logger.Warn("large gap after recovery, awaiting snapshot",
			"gap", firstID-w.recovered.LastUpdateID-1)
		w.replayer.EnterAwaitingResync()
	}
}

func firstUpdateID(batch []types.RawRecord) (int64, bool) {
	for _, rec := range batch {
		if v, ok := rec["update_id"]; ok && v != nil {
			switch x := v.(type) {
			case int64:
				return x, true
			case int:
				return int64(x), true
			case interface{ Int64() (int64, error) }: // json.Number
				if n, err := x.Int64(); err == nil {
					return n, true
				}
			case string:
				var n int64
				if _, err := fmt.Sscanf(x, "%d", &n); err == nil {
					return n, true
				}
			}
		}
	}
	return 0, false
}
