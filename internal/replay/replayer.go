// Package replay implements the chronological event replay engine.
//
// The replayer merges per-symbol raw event batches in strict origin-time
// order, maintains the bounded order book, tracks delta sequencing and
// drift against snapshots, and emits unified events enriched with the
// post-application top of book.
//
// Sorting is stable on (event_timestamp, update_id): equal-key events
// retain their source-arrival order, which encodes causality. Because a
// batch boundary may split a run of equal timestamps, the trailing run
// of each batch is buffered and merged with the head of the next batch;
// Flush releases it at end of stream.
package replay

import (
	"fmt"
	"log/slog"
	"sort"

	"marketreplay/internal/book"
	"marketreplay/internal/config"
	"marketreplay/internal/decfmt"
	"marketreplay/internal/drift"
	"marketreplay/internal/normalize"
	"marketreplay/internal/sequencer"
	"marketreplay/pkg/types"
)

// State is the book-initialization sub-FSM of the replayer.
type State int

const (
	// Uninitialized: no snapshot seen yet. Trades pass through, deltas
	// are dropped.
	Uninitialized State = iota
	// Initialized: the book tracks the live stream.
	Initialized
	// AwaitingResync: a delta gap above the threshold invalidated the
	// book; deltas queue until the next snapshot forces a resync.
	AwaitingResync
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "INITIALIZED"
	case AwaitingResync:
		return "AWAITING_RESYNC"
	default:
		return "UNINITIALIZED"
	}
}

// Stats counts replayer activity for reporting and checkpoints.
type Stats struct {
	EventsIn         int64
	EventsOut        int64
	Malformed        int64
	DroppedDeltas    int64 // deltas before initialization
	OutOfOrder       int64
	QueuedDeltas     int64
	CoercedNegative  int64
	TradesBeforeInit int64
	Resyncs          int64
}

// Replayer owns the full per-symbol reconstruction state. Not safe for
// concurrent use; each worker runs one replayer on its own goroutine.
type Replayer struct {
	symbol string
	cfg    config.ReplayConfig

	book  *book.Book
	seq   *sequencer.Sequencer
	norm  *normalize.Normalizer
	drift *drift.Tracker

	state State
	tail  []types.UnifiedEvent

	stats  Stats
	logger *slog.Logger
}

// New wires a replayer and its owned components for one symbol.
func New(symbol string, bookCfg config.BookConfig, cfg config.ReplayConfig, logger *slog.Logger) *Replayer {
	return &Replayer{
		symbol: symbol,
		cfg:    cfg,
		book:   book.New(symbol, bookCfg.MaxLevels, bookCfg.MaxDeepLevels),
		seq:    sequencer.New(cfg.GapThreshold, cfg.PendingQueueSize),
		norm:   normalize.New(cfg.PendingQueueSize),
		drift:  drift.New(cfg.DriftThreshold, cfg.DriftHistorySize),
		logger: logger.With("component", "replayer", "symbol", symbol),
	}
}

// Book returns the order book owned by this replayer.
func (r *Replayer) Book() *book.Book { return r.book }

// Sequencer returns the delta sequencer owned by this replayer.
func (r *Replayer) Sequencer() *sequencer.Sequencer { return r.seq }

// Drift returns the drift tracker owned by this replayer.
func (r *Replayer) Drift() *drift.Tracker { return r.drift }

// State returns the current FSM state.
func (r *Replayer) State() State { return r.state }

// Stats returns a copy of the replay counters.
func (r *Replayer) Stats() Stats { return r.stats }

// RestoreFromCheckpoint seeds the replayer from recovered state: it
// restores the book from the record's ladders, reloads the sequencer and
// drift statistics, re-seeds the cursor and marks the FSM initialized.
func (r *Replayer) RestoreFromCheckpoint(rec *types.CheckpointRecord) error {
	if err := r.book.Restore(rec.Bids, rec.Asks, rec.LastUpdateID, rec.LastOriginTime, rec.SnapshotCount); err != nil {
		return err
	}
	r.seq.RestoreStats(rec.GapStats)
	r.seq.ResetSequence(rec.LastUpdateID)
	r.drift.RestoreStats(rec.DriftSummary)
	r.state = Initialized
	return nil
}

// EnterAwaitingResync forces the FSM into AWAITING_RESYNC. The worker
// uses this when the first post-restart event leaves a gap above the
// threshold.
func (r *Replayer) EnterAwaitingResync() {
	r.state = AwaitingResync
	r.norm.SetAwaitingSnapshot(true)
}

// ProcessBatch normalizes and replays one batch of raw records,
// returning the enriched events released by this batch. The trailing
// equal-timestamp run is withheld until the next batch or Flush.
//
// Malformed records are dropped and counted; only fatal errors (decimal
// overflow, invariant violation) abort the batch.
func (r *Replayer) ProcessBatch(raw []types.RawRecord) ([]types.UnifiedEvent, error) {
	normalized := r.tail
	r.tail = nil

	for _, rec := range raw {
		r.stats.EventsIn++
		ev, err := r.norm.Normalize(rec)
		if err != nil {
			r.stats.Malformed++
			r.logger.Warn("dropping malformed record", "error", err)
			continue
		}
		normalized = append(normalized, ev)
	}

	sort.SliceStable(normalized, func(i, j int) bool {
		if normalized[i].EventTimestamp != normalized[j].EventTimestamp {
			return normalized[i].EventTimestamp < normalized[j].EventTimestamp
		}
		return normalized[i].UpdateIDOrZero() < normalized[j].UpdateIDOrZero()
	})

	// Withhold the trailing run of equal timestamps: the next batch may
	// carry events that sort into it.
	if n := len(normalized); n > 0 {
		lastTS := normalized[n-1].EventTimestamp
		cut := n
		for cut > 0 && normalized[cut-1].EventTimestamp == lastTS {
			cut--
		}
		r.tail = append(r.tail, normalized[cut:]...)
		normalized = normalized[:cut]
	}

	return r.replay(normalized)
}

// Flush replays the withheld tail at end of stream.
func (r *Replayer) Flush() ([]types.UnifiedEvent, error) {
	tail := r.tail
	r.tail = nil
	return r.replay(tail)
}

func (r *Replayer) replay(events []types.UnifiedEvent) ([]types.UnifiedEvent, error) {
	out := make([]types.UnifiedEvent, 0, len(events))
	for i := range events {
		emitted, err := r.processEvent(events[i])
		if err != nil {
			return out, err
		}
		if emitted != nil {
			out = append(out, *emitted)
		}
	}
	if err := r.book.CheckInvariants(); err != nil {
		return out, err
	}
	return out, nil
}

func (r *Replayer) processEvent(ev types.UnifiedEvent) (*types.UnifiedEvent, error) {
	switch ev.EventType {
	case types.EventSnapshot:
		if err := r.processSnapshot(&ev); err != nil {
			return nil, err
		}
	case types.EventTrade:
		if err := r.processTrade(&ev); err != nil {
			return nil, err
		}
	case types.EventDelta:
		emit, err := r.processDelta(&ev)
		if err != nil {
			return nil, err
		}
		if !emit {
			return nil, nil
		}
	default:
		r.stats.Malformed++
		r.logger.Warn("dropping event of unknown type", "event_type", ev.EventType)
		return nil, nil
	}

	r.enrich(&ev)
	r.stats.EventsOut++
	return &ev, nil
}

func (r *Replayer) processSnapshot(ev *types.UnifiedEvent) error {
	if err := checkLevels(ev.Bids); err != nil {
		return err
	}
	if err := checkLevels(ev.Asks); err != nil {
		return err
	}

	updateID := ev.UpdateIDOrZero()

	switch r.state {
	case Uninitialized:
		r.book.InitFromSnapshot(ev.Bids, ev.Asks, updateID, ev.EventTimestamp)
		if updateID > 0 {
			r.seq.ResetSequence(updateID)
		}
		r.state = Initialized
		r.logger.Info("order book initialized from first snapshot",
			"update_id", updateID, "bids", len(ev.Bids), "asks", len(ev.Asks))

	case AwaitingResync:
		// Forced resync: the queued deltas that post-date the snapshot
		// are folded into its levels; everything older is stale.
		m := r.drift.Compute(
			r.book.Bids().SnapshotLevels(), r.book.Asks().SnapshotLevels(),
			ev.Bids, ev.Asks)
		ev.Drift = &m

		lastID := r.mergePending(ev, updateID)
		r.book.Resynchronize(ev.Bids, ev.Asks, lastID, ev.EventTimestamp)
		r.seq.ResetSequence(lastID)
		r.drift.RecordResync()
		r.stats.Resyncs++
		r.state = Initialized
		r.logger.Info("forced resync from snapshot after sequence gap",
			"update_id", lastID)

	case Initialized:
		m := r.drift.Compute(
			r.book.Bids().SnapshotLevels(), r.book.Asks().SnapshotLevels(),
			ev.Bids, ev.Asks)
		ev.Drift = &m

		if m.ExceededThreshold && r.cfg.ResyncOnDrift {
			r.book.Resynchronize(ev.Bids, ev.Asks, updateID, ev.EventTimestamp)
			if updateID > 0 {
				r.seq.ResetSequence(updateID)
			}
			r.drift.RecordResync()
			r.stats.Resyncs++
			r.logger.Warn("drift threshold exceeded, resynchronized",
				"rms_error", m.RMSError, "snapshot_number", m.SnapshotNumber)
		}
	}
	return nil
}

// mergePending folds queued deltas newer than the snapshot into the
// snapshot's own level lists, so the emitted snapshot and the resynced
// book agree. Returns the resulting cursor position.
func (r *Replayer) mergePending(ev *types.UnifiedEvent, snapshotID int64) int64 {
	lastID := snapshotID
	pending := r.norm.DrainPending()
	stale := 0
	for _, delta := range pending {
		id := delta.UpdateIDOrZero()
		if id <= snapshotID {
			stale++
			continue
		}
		applyDeltaToLevels(ev, delta)
		if id > lastID {
			lastID = id
		}
	}
	if len(pending) > 0 {
		r.logger.Info("drained pending deltas on resync",
			"queued", len(pending), "stale", stale)
	}
	return lastID
}

func applyDeltaToLevels(ev *types.UnifiedEvent, delta types.UnifiedEvent) {
	target := &ev.Bids
	if *delta.DeltaSide == types.ASK {
		target = &ev.Asks
	}
	levels := *target
	for i := range levels {
		if levels[i].Price.Equal(*delta.DeltaPrice) {
			if delta.DeltaQuantity.Sign() == 0 {
				*target = append(levels[:i], levels[i+1:]...)
			} else {
				levels[i].Quantity = *delta.DeltaQuantity
			}
			return
		}
	}
	if delta.DeltaQuantity.Sign() > 0 {
		*target = append(levels, types.PriceLevel{Price: *delta.DeltaPrice, Quantity: *delta.DeltaQuantity})
	}
}

func (r *Replayer) processTrade(ev *types.UnifiedEvent) error {
	if r.state == Uninitialized {
		// No base state: pass through without consuming liquidity.
		r.stats.TradesBeforeInit++
		return nil
	}
	if ev.TradePrice == nil || ev.TradeQuantity == nil || ev.TradeSide == nil {
		return nil // informational trade without book impact
	}
	if err := decfmt.CheckRange(*ev.TradePrice); err != nil {
		return err
	}
	if err := decfmt.CheckRange(*ev.TradeQuantity); err != nil {
		return err
	}
	r.book.ApplyTrade(*ev.TradeSide, *ev.TradePrice, *ev.TradeQuantity)
	return nil
}

func (r *Replayer) processDelta(ev *types.UnifiedEvent) (emit bool, err error) {
	if r.state == Uninitialized {
		r.stats.DroppedDeltas++
		r.logger.Warn("dropping delta before initialization", "update_id", ev.UpdateIDOrZero())
		return false, nil
	}

	if r.state == AwaitingResync {
		r.norm.QueueDelta(*ev)
		r.stats.QueuedDeltas++
		return false, nil
	}

	gap, dropped := r.seq.Track(ev.UpdateIDOrZero(), ev.EventTimestamp)
	if dropped {
		r.stats.OutOfOrder++
		r.logger.Debug("dropping out-of-order delta",
			"update_id", ev.UpdateIDOrZero(), "cursor", r.seq.LastUpdateID())
		return false, nil
	}
	if gap != nil {
		if r.seq.RecoveryNeeded() {
			r.state = AwaitingResync
			r.norm.SetAwaitingSnapshot(true)
			r.norm.QueueDelta(*ev)
			r.stats.QueuedDeltas++
			r.logger.Warn("sequence gap above threshold, awaiting snapshot",
				"expected", gap.Expected, "actual", gap.Actual, "gap_size", gap.GapSize)
			return false, nil
		}
		r.logger.Info("tolerating small sequence gap",
			"expected", gap.Expected, "actual", gap.Actual, "gap_size", gap.GapSize)
	}

	if err := decfmt.CheckRange(*ev.DeltaPrice); err != nil {
		return false, err
	}
	if err := decfmt.CheckRange(*ev.DeltaQuantity); err != nil {
		return false, err
	}
	coerced, err := r.book.ApplyDelta(*ev.DeltaSide, *ev.DeltaPrice, *ev.DeltaQuantity,
		ev.UpdateIDOrZero(), ev.EventTimestamp)
	if err != nil {
		return false, err
	}
	if coerced {
		r.stats.CoercedNegative++
		r.logger.Warn("negative delta quantity coerced to removal",
			"price", ev.DeltaPrice.String(), "update_id", ev.UpdateIDOrZero())
	}
	return true, nil
}

func (r *Replayer) enrich(ev *types.UnifiedEvent) {
	bid, ask := r.book.TopOfBook()
	ev.TopBid = bid
	ev.TopAsk = ask
	ev.Spread = r.book.Spread()
}

func checkLevels(levels []types.PriceLevel) error {
	for i := range levels {
		if err := decfmt.CheckRange(levels[i].Price); err != nil {
			return fmt.Errorf("snapshot level %d: %w", i, err)
		}
		if err := decfmt.CheckRange(levels[i].Quantity); err != nil {
			return fmt.Errorf("snapshot level %d: %w", i, err)
		}
	}
	return nil
}
