package normalize

import (
	"encoding/json"
	"testing"

	"marketreplay/internal/decfmt"
	"marketreplay/pkg/types"
)

func TestNormalizeTrade(t *testing.T) {
	t.Parallel()
	n := New(100)

	ev, err := n.Normalize(types.RawRecord{
		"event_type":  "TRADE",
		"origin_time": json.Number("1700000000000000000"),
		"trade_id":    json.Number("42"),
		"price":       "101.5",
		"quantity":    "3",
		"side":        "b",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.EventType != types.EventTrade {
		t.Fatalf("event type = %s", ev.EventType)
	}
	if ev.EventTimestamp != 1700000000000000000 {
		t.Errorf("timestamp = %d", ev.EventTimestamp)
	}
	if *ev.TradeID != 42 || !ev.TradePrice.Equal(decfmt.MustParse("101.5")) {
		t.Errorf("trade fields: id=%v price=%v", ev.TradeID, ev.TradePrice)
	}
	if *ev.TradeSide != types.BUY {
		t.Errorf("side = %s, want BUY", *ev.TradeSide)
	}
	if ev.DeltaPrice != nil || ev.Bids != nil {
		t.Error("non-trade fields must stay nil")
	}
}

func TestMicrosecondTimestampScaled(t *testing.T) {
	t.Parallel()
	n := New(100)

	ev, err := n.Normalize(types.RawRecord{
		"event_type":  "TRADE",
		"origin_time": json.Number("1700000000000"), // at or above 10^12: nanoseconds
		"price":       "1",
		"quantity":    "1",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.EventTimestamp != 1700000000000 {
		t.Errorf("ns-magnitude timestamp must pass through, got %d", ev.EventTimestamp)
	}

	ev, err = n.Normalize(types.RawRecord{
		"event_type":  "TRADE",
		"origin_time": json.Number("999999999999"), // below 10^12: microseconds
		"price":       "1",
		"quantity":    "1",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.EventTimestamp != 999999999999000 {
		t.Errorf("µs timestamp must scale ×1000, got %d", ev.EventTimestamp)
	}
}

func TestTimestampFieldPriority(t *testing.T) {
	t.Parallel()
	n := New(100)

	ev, err := n.Normalize(types.RawRecord{
		"event_type":      "TRADE",
		"origin_time":     json.Number("2000000000000000000"),
		"event_timestamp": json.Number("1000000000000000000"),
		"price":           "1",
		"quantity":        "1",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.EventTimestamp != 2000000000000000000 {
		t.Errorf("origin_time must win, got %d", ev.EventTimestamp)
	}
}

func TestNormalizeSnapshotPairsAndMaps(t *testing.T) {
	t.Parallel()
	n := New(100)

	ev, err := n.Normalize(types.RawRecord{
		"origin_time": json.Number("1700000000000000000"),
		"is_snapshot": true,
		"bids":        []any{[]any{"100", "10"}, []any{"99", "5"}},
		"asks":        []any{map[string]any{"price": "101", "size": "7"}},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.EventType != types.EventSnapshot {
		t.Fatalf("event type = %s", ev.EventType)
	}
	if len(ev.Bids) != 2 || !ev.Bids[0].Price.Equal(decfmt.MustParse("100")) {
		t.Errorf("bids = %+v", ev.Bids)
	}
	if len(ev.Asks) != 1 || !ev.Asks[0].Quantity.Equal(decfmt.MustParse("7")) {
		t.Errorf("asks = %+v", ev.Asks)
	}
	if ev.IsSnapshot == nil || !*ev.IsSnapshot {
		t.Error("is_snapshot not set")
	}
}

func TestNormalizeDelta(t *testing.T) {
	t.Parallel()
	n := New(100)

	ev, err := n.Normalize(types.RawRecord{
		"event_type":   "BOOK_DELTA",
		"origin_time":  json.Number("1700000000000000000"),
		"update_id":    json.Number("1234"),
		"side":         "a",
		"price":        "101.25",
		"new_quantity": "0",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if *ev.DeltaSide != types.ASK {
		t.Errorf("side = %s, want ASK", *ev.DeltaSide)
	}
	if *ev.UpdateID != 1234 {
		t.Errorf("update_id = %d", *ev.UpdateID)
	}
	if !ev.DeltaQuantity.IsZero() {
		t.Errorf("quantity = %s, want 0", ev.DeltaQuantity)
	}
}

func TestDeltaWithoutSideFails(t *testing.T) {
	t.Parallel()
	n := New(100)

	_, err := n.Normalize(types.RawRecord{
		"event_type":  "BOOK_DELTA",
		"origin_time": json.Number("1700000000000000000"),
		"price":       "101",
		"quantity":    "1",
	})
	if err == nil || !types.IsMalformed(err) {
		t.Fatalf("expected malformed-input error, got %v", err)
	}
}

func TestFloatRejectedOnValuePath(t *testing.T) {
	t.Parallel()
	n := New(100)

	_, err := n.Normalize(types.RawRecord{
		"event_type":  "TRADE",
		"origin_time": json.Number("1700000000000000000"),
		"price":       101.5, // binary float — never a legitimate source
		"quantity":    "1",
	})
	if err == nil || !types.IsMalformed(err) {
		t.Fatalf("expected malformed-input error for float price, got %v", err)
	}
}

func TestMissingTimestampFails(t *testing.T) {
	t.Parallel()
	n := New(100)

	_, err := n.Normalize(types.RawRecord{"event_type": "TRADE", "price": "1", "quantity": "1"})
	if err == nil || !types.IsMalformed(err) {
		t.Fatalf("expected malformed-input error, got %v", err)
	}
}

func TestTypeInference(t *testing.T) {
	t.Parallel()
	n := New(100)

	cases := []struct {
		name string
		raw  types.RawRecord
		want types.EventType
	}{
		{
			"trade by trade_id",
			types.RawRecord{"origin_time": json.Number("1700000000000000000"),
				"trade_id": json.Number("1"), "price": "1", "quantity": "1"},
			types.EventTrade,
		},
		{
			"snapshot by bids+asks",
			types.RawRecord{"origin_time": json.Number("1700000000000000000"),
				"bids": []any{[]any{"1", "1"}}, "asks": []any{[]any{"2", "1"}}},
			types.EventSnapshot,
		},
		{
			"delta by default",
			types.RawRecord{"origin_time": json.Number("1700000000000000000"),
				"side": "BID", "price": "1", "quantity": "1"},
			types.EventDelta,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev, err := n.Normalize(tc.raw)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if ev.EventType != tc.want {
				t.Errorf("inferred %s, want %s", ev.EventType, tc.want)
			}
		})
	}
}

func TestPendingQueue(t *testing.T) {
	t.Parallel()
	n := New(2)

	if n.AwaitingSnapshot() {
		t.Fatal("should not start in awaiting mode")
	}
	n.SetAwaitingSnapshot(true)

	mk := func(id int64) types.UnifiedEvent {
		return types.UnifiedEvent{EventType: types.EventDelta, UpdateID: &id}
	}
	n.QueueDelta(mk(1))
	n.QueueDelta(mk(2))
	n.QueueDelta(mk(3)) // over capacity: dropped
	if n.PendingCount() != 2 {
		t.Fatalf("pending = %d, want 2", n.PendingCount())
	}
	if n.PendingDropped != 1 {
		t.Errorf("dropped = %d, want 1", n.PendingDropped)
	}

	drained := n.DrainPending()
	if len(drained) != 2 || *drained[0].UpdateID != 1 {
		t.Fatalf("drained = %+v", drained)
	}
	if n.AwaitingSnapshot() || n.PendingCount() != 0 {
		t.Error("drain must clear queue and leave awaiting mode")
	}
}
