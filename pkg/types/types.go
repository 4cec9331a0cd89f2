// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the pipeline — event kinds,
// the unified market event record, price levels, and the metadata records
// produced by the sequencer, drift tracker, checkpoint manager, and
// manifest. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the aggressor direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// BookSide identifies which side of the order book a level belongs to.
type BookSide string

const (
	BID BookSide = "BID"
	ASK BookSide = "ASK"
)

// EventType enumerates the unified event kinds produced by the replayer.
type EventType string

const (
	EventTrade    EventType = "TRADE"
	EventSnapshot EventType = "BOOK_SNAPSHOT"
	EventDelta    EventType = "BOOK_DELTA"
)

// Valid reports whether t is one of the three known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTrade, EventSnapshot, EventDelta:
		return true
	}
	return false
}

// RoutingStrategy selects how the symbol router dispatches raw records.
type RoutingStrategy string

const (
	RouteDirect     RoutingStrategy = "DIRECT"
	RouteHash       RoutingStrategy = "HASH"
	RouteRoundRobin RoutingStrategy = "ROUND_ROBIN"
)

// ————————————————————————————————————————————————————————————————————————
// Price levels and the unified event
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single (price, quantity) entry on one side of the book.
// Quantity is always ≥ 0; zero quantity denotes removal.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// RawRecord is an unnormalized input record from any source: a map of
// field name to value. The schema normalizer projects it into a
// UnifiedEvent.
type RawRecord map[string]any

// UnifiedEvent is the normalized record emitted by the replayer and
// persisted by the data sink. Exactly the fields for the event's type are
// populated; the rest are nil.
//
// All price and quantity fields use decimal.Decimal — floating point is
// never used on a value path.
type UnifiedEvent struct {
	// Core identifiers, always present.
	EventTimestamp int64 // nanoseconds UTC
	EventType      EventType
	UpdateID       *int64

	// Trade fields (EventTrade only).
	TradeID       *int64
	TradePrice    *decimal.Decimal
	TradeQuantity *decimal.Decimal
	TradeSide     *Side

	// Snapshot fields (EventSnapshot only).
	Bids       []PriceLevel
	Asks       []PriceLevel
	IsSnapshot *bool

	// Delta fields (EventDelta only).
	DeltaSide     *BookSide
	DeltaPrice    *decimal.Decimal
	DeltaQuantity *decimal.Decimal

	// Enrichment, attached by the replayer after the event has been
	// applied to the book.
	TopBid *PriceLevel
	TopAsk *PriceLevel
	Spread *decimal.Decimal
	Drift  *DriftMetrics
}

// Validate checks that the fields required for the event's type are
// populated. The data sink rejects events that fail validation.
func (e *UnifiedEvent) Validate() error {
	if e.EventTimestamp == 0 {
		return &MalformedInputError{Field: "event_timestamp", Reason: "missing"}
	}
	switch e.EventType {
	case EventTrade:
		if e.TradePrice == nil || e.TradeQuantity == nil {
			return &MalformedInputError{Field: "trade_price/trade_quantity", Reason: "missing on TRADE"}
		}
		if e.TradeSide != nil && *e.TradeSide != BUY && *e.TradeSide != SELL {
			return &MalformedInputError{Field: "trade_side", Reason: "must be BUY or SELL"}
		}
	case EventSnapshot:
		if e.Bids == nil && e.Asks == nil {
			return &MalformedInputError{Field: "bids/asks", Reason: "missing on BOOK_SNAPSHOT"}
		}
	case EventDelta:
		if e.DeltaSide == nil {
			return &MalformedInputError{Field: "delta_side", Reason: "missing on BOOK_DELTA"}
		}
		if *e.DeltaSide != BID && *e.DeltaSide != ASK {
			return &MalformedInputError{Field: "delta_side", Reason: "must be BID or ASK"}
		}
		if e.DeltaPrice == nil || e.DeltaQuantity == nil {
			return &MalformedInputError{Field: "delta_price/delta_quantity", Reason: "missing on BOOK_DELTA"}
		}
	default:
		return &MalformedInputError{Field: "event_type", Reason: "unknown: " + string(e.EventType)}
	}
	return nil
}

// UpdateIDOrZero returns the update ID, or 0 when absent. Used as the
// secondary sort key in the replayer.
func (e *UnifiedEvent) UpdateIDOrZero() int64 {
	if e.UpdateID == nil {
		return 0
	}
	return *e.UpdateID
}

// ————————————————————————————————————————————————————————————————————————
// Sequencer, drift, checkpoint, and manifest records
// ————————————————————————————————————————————————————————————————————————

// GapInfo records one detected discontinuity in the delta update_id
// sequence.
type GapInfo struct {
	Expected   int64 `json:"expected"`
	Actual     int64 `json:"actual"`
	GapSize    int64 `json:"gap_size"`
	WallTime   int64 `json:"wall_time"` // nanoseconds, detection time
	OriginTime int64 `json:"origin_time,omitempty"`
}

// GapStats summarizes sequencer activity; included in checkpoints.
type GapStats struct {
	TotalDeltas    int64           `json:"total_deltas"`
	TotalGaps      int64           `json:"total_gaps"`
	MaxGapSize     int64           `json:"max_gap_size"`
	OverThreshold  int64           `json:"gaps_over_threshold"`
	OutOfOrder     int64           `json:"out_of_order"`
	GapsBySize     map[int64]int64 `json:"gaps_by_size,omitempty"`
	LastUpdateID   int64           `json:"last_update_id"`
	RecoveryNeeded bool            `json:"recovery_needed"`
}

// DriftMetrics is the result of comparing the reconstructed book against
// an authoritative snapshot. Metrics are dimensionless ratios, so float64
// is acceptable here — these never feed back into price arithmetic.
type DriftMetrics struct {
	RMSError          float64 `json:"rms_error"`
	BidRMS            float64 `json:"bid_rms"`
	AskRMS            float64 `json:"ask_rms"`
	MaxDeviation      float64 `json:"max_deviation"`
	BidLevelDiff      int     `json:"bid_level_diff"`
	AskLevelDiff      int     `json:"ask_level_diff"`
	SnapshotNumber    uint64  `json:"snapshot_number"`
	ExceededThreshold bool    `json:"exceeded_threshold"`
}

// DriftSummary is the aggregate drift view included in checkpoints.
type DriftSummary struct {
	AvgRMSError    float64 `json:"avg_rms_error"`
	MaxRMSError    float64 `json:"max_rms_error"`
	MinRMSError    float64 `json:"min_rms_error"`
	P95RMSError    float64 `json:"p95_rms_error"`
	P99RMSError    float64 `json:"p99_rms_error"`
	TotalSnapshots uint64  `json:"total_snapshots"`
	TotalResyncs   uint64  `json:"total_resyncs"`
	ResyncRate     float64 `json:"resync_rate"`
}

// LadderState is the serializable image of one ladder side used in
// checkpoints. Prices and quantities are canonical decimal strings so the
// round trip is exact.
type LadderState struct {
	TopPrices      []string `json:"top_prices"`
	TopQuantities  []string `json:"top_quantities"`
	DeepPrices     []string `json:"deep_prices"`
	DeepQuantities []string `json:"deep_quantities"`
}

// CheckpointSchemaVersion is bumped whenever the checkpoint layout
// changes incompatibly. Recovery refuses versions it does not understand.
const CheckpointSchemaVersion = 1

// CheckpointRecord is the full pipeline state captured by the checkpoint
// manager and restored by the recovery manager.
type CheckpointRecord struct {
	Symbol          string       `json:"symbol"`
	SchemaVersion   int32        `json:"schema_version"`
	LastUpdateID    int64        `json:"last_update_id"`
	LastOriginTime  int64        `json:"last_origin_time"`
	EventsProcessed int64        `json:"events_processed"`
	SnapshotCount   uint64       `json:"snapshot_count"`
	Bids            LadderState  `json:"bids"`
	Asks            LadderState  `json:"asks"`
	GapStats        GapStats     `json:"gap_stats"`
	DriftSummary    DriftSummary `json:"drift_summary"`
	CurrentFile     string       `json:"current_file,omitempty"`
	FileOffset      int64        `json:"file_offset"`
	WallTimeMs      int64        `json:"wall_time_ms"`
}

// ManifestEntry describes one finalized partition file.
type ManifestEntry struct {
	EntryID        string   `json:"entry_id"` // uuid, stable identity for dedup
	PartitionPath  string   `json:"partition_path"`
	FileName       string   `json:"file_name"`
	RowCount       int64    `json:"row_count"`
	FileSizeBytes  int64    `json:"file_size_bytes"`
	TimestampMin   int64    `json:"timestamp_min"`
	TimestampMax   int64    `json:"timestamp_max"`
	EventTypes     []string `json:"event_types"`
	WriteTimestamp int64    `json:"write_timestamp"` // nanoseconds UTC
}

// ManifestStats is derived on demand from the full entry list.
type ManifestStats struct {
	TotalFiles    int
	TotalRows     int64
	TotalBytes    int64
	EarliestTS    int64
	LatestTS      int64
	EventTypes    []string
	LastWriteTime time.Time
}
