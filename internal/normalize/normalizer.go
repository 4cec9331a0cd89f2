// Package normalize projects heterogeneous raw records into the unified
// market event schema.
//
// Raw records arrive as field-name → value maps from columnar files or
// line-delimited JSON captures. Field names vary by source; the
// normalizer resolves synonyms, parses every price and quantity from
// text, and resolves timestamps to nanoseconds.
//
// The normalizer also owns the pending-delta queue used during gap
// recovery: while the pipeline awaits a snapshot, deltas are queued here
// and drained atomically once the snapshot arrives.
package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"marketreplay/internal/decfmt"
	"marketreplay/pkg/types"
)

// nsThreshold separates microsecond from nanosecond timestamps: values
// below 10^12 are treated as microseconds and scaled up.
const nsThreshold = 1_000_000_000_000

var (
	timestampFields = []string{"origin_time", "event_timestamp", "timestamp"}
	tradePriceKeys  = []string{"trade_price", "price", "exec_price"}
	tradeQtyKeys    = []string{"trade_quantity", "quantity", "amount", "exec_quantity"}
	tradeSideKeys   = []string{"trade_side", "side", "exec_side"}
	tradeIDKeys     = []string{"trade_id", "id", "exec_id"}
)

// Normalizer converts raw records to unified events. Not safe for
// concurrent use; each worker owns one normalizer.
type Normalizer struct {
	awaiting   bool
	pending    []types.UnifiedEvent
	pendingCap int

	// PendingDropped counts deltas discarded because the pending queue
	// was full while awaiting a snapshot.
	PendingDropped int64
}

// New creates a normalizer with the given pending-queue bound.
func New(pendingCap int) *Normalizer {
	return &Normalizer{pendingCap: pendingCap}
}

// Normalize converts one raw record into a unified event, or returns a
// malformed-input error when required fields are absent or unparseable.
func (n *Normalizer) Normalize(raw types.RawRecord) (types.UnifiedEvent, error) {
	ts, err := resolveTimestamp(raw)
	if err != nil {
		return types.UnifiedEvent{}, err
	}

	ev := types.UnifiedEvent{
		EventTimestamp: ts,
		EventType:      inferEventType(raw),
	}
	if id, ok, err := lookupInt(raw, "update_id"); err != nil {
		return types.UnifiedEvent{}, err
	} else if ok {
		ev.UpdateID = &id
	}

	switch ev.EventType {
	case types.EventTrade:
		err = n.fillTrade(&ev, raw)
	case types.EventSnapshot:
		err = n.fillSnapshot(&ev, raw)
	case types.EventDelta:
		err = n.fillDelta(&ev, raw)
	default:
		err = &types.MalformedInputError{Field: "event_type", Reason: "unrecognized record shape"}
	}
	if err != nil {
		return types.UnifiedEvent{}, err
	}
	return ev, nil
}

// inferEventType reads an explicit event_type field, or infers the type
// from the payload shape: trade identifiers mark trades, bid/ask lists
// or an is_snapshot flag mark snapshots, anything else is a delta.
func inferEventType(raw types.RawRecord) types.EventType {
	for _, key := range []string{"event_type", "type"} {
		if v, ok := raw[key]; ok {
			s := strings.ToUpper(fmt.Sprint(v))
			switch {
			case s == string(types.EventTrade) || strings.Contains(strings.ToLower(s), "trade"):
				return types.EventTrade
			case s == string(types.EventSnapshot) || strings.Contains(strings.ToLower(s), "snapshot"):
				return types.EventSnapshot
			case s == string(types.EventDelta) || strings.Contains(strings.ToLower(s), "delta"):
				return types.EventDelta
			}
		}
	}
	if hasValue(raw, "trade_id") || hasValue(raw, "exec_id") {
		return types.EventTrade
	}
	if isTrue(raw["is_snapshot"]) || (hasValue(raw, "bids") && hasValue(raw, "asks")) {
		return types.EventSnapshot
	}
	return types.EventDelta
}

func (n *Normalizer) fillTrade(ev *types.UnifiedEvent, raw types.RawRecord) error {
	price, ok, err := lookupDecimal(raw, tradePriceKeys...)
	if err != nil {
		return err
	}
	if !ok {
		return &types.MalformedInputError{Field: "trade_price", Reason: "missing"}
	}
	qty, ok, err := lookupDecimal(raw, tradeQtyKeys...)
	if err != nil {
		return err
	}
	if !ok {
		return &types.MalformedInputError{Field: "trade_quantity", Reason: "missing"}
	}
	ev.TradePrice = &price
	ev.TradeQuantity = &qty

	for _, key := range tradeSideKeys {
		if v, ok := raw[key]; ok && v != nil {
			side, err := normalizeTradeSide(fmt.Sprint(v))
			if err != nil {
				return err
			}
			ev.TradeSide = &side
			break
		}
	}
	if id, ok, err := lookupInt(raw, tradeIDKeys...); err != nil {
		return err
	} else if ok {
		ev.TradeID = &id
	}
	return nil
}

func (n *Normalizer) fillSnapshot(ev *types.UnifiedEvent, raw types.RawRecord) error {
	bids, err := normalizeLevels(raw["bids"])
	if err != nil {
		return fmt.Errorf("bids: %w", err)
	}
	asks, err := normalizeLevels(raw["asks"])
	if err != nil {
		return fmt.Errorf("asks: %w", err)
	}
	if bids == nil && asks == nil {
		return &types.MalformedInputError{Field: "bids/asks", Reason: "snapshot without levels"}
	}
	isSnap := true
	ev.Bids = bids
	ev.Asks = asks
	ev.IsSnapshot = &isSnap
	return nil
}

func (n *Normalizer) fillDelta(ev *types.UnifiedEvent, raw types.RawRecord) error {
	var rawSide any
	for _, key := range []string{"delta_side", "side"} {
		if v, ok := raw[key]; ok && v != nil {
			rawSide = v
			break
		}
	}
	if rawSide == nil {
		return &types.MalformedInputError{Field: "delta_side", Reason: "missing"}
	}
	side, err := normalizeBookSide(fmt.Sprint(rawSide))
	if err != nil {
		return err
	}
	ev.DeltaSide = &side

	price, ok, err := lookupDecimal(raw, "delta_price", "price")
	if err != nil {
		return err
	}
	if !ok {
		return &types.MalformedInputError{Field: "delta_price", Reason: "missing"}
	}
	qty, ok, err := lookupDecimal(raw, "delta_quantity", "new_quantity", "quantity")
	if err != nil {
		return err
	}
	if !ok {
		return &types.MalformedInputError{Field: "delta_quantity", Reason: "missing"}
	}
	ev.DeltaPrice = &price
	ev.DeltaQuantity = &qty
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Pending-delta queue (gap recovery)
// ————————————————————————————————————————————————————————————————————————

// SetAwaitingSnapshot toggles awaiting-snapshot mode. Entering the mode
// starts queueing deltas; leaving it without a drain clears the queue.
func (n *Normalizer) SetAwaitingSnapshot(awaiting bool) {
	n.awaiting = awaiting
	if !awaiting {
		n.pending = nil
	}
}

// AwaitingSnapshot reports whether deltas are being queued.
func (n *Normalizer) AwaitingSnapshot() bool { return n.awaiting }

// QueueDelta holds a delta while awaiting a snapshot. When the bounded
// queue is full the delta is dropped and counted.
func (n *Normalizer) QueueDelta(ev types.UnifiedEvent) {
	if len(n.pending) >= n.pendingCap {
		n.PendingDropped++
		return
	}
	n.pending = append(n.pending, ev)
}

// PendingCount returns the number of queued deltas.
func (n *Normalizer) PendingCount() int { return len(n.pending) }

// DrainPending returns the queued deltas in arrival order, clears the
// queue, and leaves awaiting-snapshot mode. Called when the snapshot
// that ends the recovery window arrives.
func (n *Normalizer) DrainPending() []types.UnifiedEvent {
	out := n.pending
	n.pending = nil
	n.awaiting = false
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Field resolution helpers
// ————————————————————————————————————————————————————————————————————————

// resolveTimestamp picks the first non-null timestamp field and converts
// it to nanoseconds. Magnitudes below 10^12 are treated as microseconds.
func resolveTimestamp(raw types.RawRecord) (int64, error) {
	for _, key := range timestampFields {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		ts, err := asInt64(v)
		if err != nil {
			return 0, &types.MalformedInputError{Field: key, Reason: err.Error()}
		}
		if ts < nsThreshold {
			ts *= 1000
		}
		return ts, nil
	}
	return 0, &types.MalformedInputError{Field: "origin_time", Reason: "no timestamp field present"}
}

func normalizeTradeSide(s string) (types.Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B", "BID":
		return types.BUY, nil
	case "SELL", "S", "ASK", "OFFER":
		return types.SELL, nil
	}
	return "", &types.MalformedInputError{Field: "trade_side", Reason: "unknown side " + s}
}

func normalizeBookSide(s string) (types.BookSide, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BID", "B", "BUY":
		return types.BID, nil
	case "ASK", "A", "OFFER", "SELL":
		return types.ASK, nil
	}
	return "", &types.MalformedInputError{Field: "delta_side", Reason: "unknown side " + s}
}

// normalizeLevels accepts either [price, qty] pairs or maps with
// price/quantity keys (and their p/q/size synonyms), returning nil for
// an absent list.
func normalizeLevels(v any) ([]types.PriceLevel, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]types.PriceLevel); ok {
			return typed, nil
		}
		return nil, &types.MalformedInputError{Field: "levels", Reason: fmt.Sprintf("unsupported container %T", v)}
	}

	out := make([]types.PriceLevel, 0, len(list))
	for _, item := range list {
		switch lv := item.(type) {
		case []any:
			if len(lv) < 2 {
				return nil, &types.MalformedInputError{Field: "levels", Reason: "pair with fewer than two elements"}
			}
			price, err := asDecimal(lv[0])
			if err != nil {
				return nil, err
			}
			qty, err := asDecimal(lv[1])
			if err != nil {
				return nil, err
			}
			out = append(out, types.PriceLevel{Price: price, Quantity: qty})
		case map[string]any:
			price, ok, err := lookupDecimal(lv, "price", "p")
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &types.MalformedInputError{Field: "levels", Reason: "map level without price"}
			}
			qty, ok, err := lookupDecimal(lv, "quantity", "q", "size")
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &types.MalformedInputError{Field: "levels", Reason: "map level without quantity"}
			}
			out = append(out, types.PriceLevel{Price: price, Quantity: qty})
		default:
			return nil, &types.MalformedInputError{Field: "levels", Reason: fmt.Sprintf("unsupported level %T", item)}
		}
	}
	return out, nil
}

func hasValue(raw types.RawRecord, key string) bool {
	v, ok := raw[key]
	return ok && v != nil
}

func isTrue(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}

func lookupDecimal(raw map[string]any, keys ...string) (decimal.Decimal, bool, error) {
	for _, key := range keys {
		if v, ok := raw[key]; ok && v != nil {
			d, err := asDecimal(v)
			if err != nil {
				return decimal.Decimal{}, false, err
			}
			return d, true, nil
		}
	}
	return decimal.Decimal{}, false, nil
}

func lookupInt(raw map[string]any, keys ...string) (int64, bool, error) {
	for _, key := range keys {
		if v, ok := raw[key]; ok && v != nil {
			n, err := asInt64(v)
			if err != nil {
				return 0, false, &types.MalformedInputError{Field: key, Reason: err.Error()}
			}
			return n, true, nil
		}
	}
	return 0, false, nil
}

// asDecimal parses a value through its textual representation. Binary
// floating point is rejected: it is never a legitimate source for a
// price or quantity.
func asDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case string:
		return decfmt.Parse(x)
	case json.Number:
		return decfmt.Parse(x.String())
	case decimal.Decimal:
		return x, nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case float64, float32:
		return decimal.Decimal{}, &types.MalformedInputError{Field: "decimal", Reason: "binary float rejected on value path"}
	}
	return decimal.Decimal{}, &types.MalformedInputError{Field: "decimal", Reason: fmt.Sprintf("unsupported type %T", v)}
}

func asInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint64:
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	case float64:
		// Integer identifiers and timestamps may arrive as JSON floats
		// from sources that did not preserve number text. Accept only
		// exact integers.
		n := int64(x)
		if float64(n) != x {
			return 0, fmt.Errorf("non-integral number %v", x)
		}
		return n, nil
	}
	return 0, fmt.Errorf("unsupported integer type %T", v)
}
