package types

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return &d
}

func TestEventTypeValid(t *testing.T) {
	t.Parallel()

	for _, et := range []EventType{EventTrade, EventSnapshot, EventDelta} {
		if !et.Valid() {
			t.Errorf("%s should be valid", et)
		}
	}
	if EventType("ORDER").Valid() {
		t.Error("unknown type reported valid")
	}
}

func TestUnifiedEventValidate(t *testing.T) {
	t.Parallel()

	side := BUY
	bookSide := BID
	isSnap := true

	cases := []struct {
		name string
		ev   UnifiedEvent
		ok   bool
	}{
		{
			"valid trade",
			UnifiedEvent{EventTimestamp: 1, EventType: EventTrade,
				TradePrice: dec("1"), TradeQuantity: dec("2"), TradeSide: &side},
			true,
		},
		{
			"trade missing price",
			UnifiedEvent{EventTimestamp: 1, EventType: EventTrade, TradeQuantity: dec("2")},
			false,
		},
		{
			"valid snapshot",
			UnifiedEvent{EventTimestamp: 1, EventType: EventSnapshot,
				Bids: []PriceLevel{{Price: *dec("1"), Quantity: *dec("1")}}, IsSnapshot: &isSnap},
			true,
		},
		{
			"snapshot without levels",
			UnifiedEvent{EventTimestamp: 1, EventType: EventSnapshot},
			false,
		},
		{
			"valid delta",
			UnifiedEvent{EventTimestamp: 1, EventType: EventDelta,
				DeltaSide: &bookSide, DeltaPrice: dec("1"), DeltaQuantity: dec("0")},
			true,
		},
		{
			"delta without side",
			UnifiedEvent{EventTimestamp: 1, EventType: EventDelta,
				DeltaPrice: dec("1"), DeltaQuantity: dec("0")},
			false,
		},
		{
			"missing timestamp",
			UnifiedEvent{EventType: EventTrade, TradePrice: dec("1"), TradeQuantity: dec("1")},
			false,
		},
		{
			"unknown type",
			UnifiedEvent{EventTimestamp: 1, EventType: "ORDER"},
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.ev.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Error("expected validation error")
				} else if !IsMalformed(err) {
					t.Errorf("expected malformed-input error, got %v", err)
				}
			}
		})
	}
}

func TestFatalClassification(t *testing.T) {
	t.Parallel()

	if !Fatal(ErrDecimalOverflow) || !Fatal(ErrInvariantViolation) {
		t.Error("overflow and invariant violations are fatal")
	}
	if Fatal(ErrOutOfOrder) || Fatal(errors.New("random")) {
		t.Error("recoverable errors misclassified as fatal")
	}
}

func TestUpdateIDOrZero(t *testing.T) {
	t.Parallel()

	ev := UnifiedEvent{}
	if ev.UpdateIDOrZero() != 0 {
		t.Error("nil update id should read as 0")
	}
	id := int64(42)
	ev.UpdateID = &id
	if ev.UpdateIDOrZero() != 42 {
		t.Error("update id lost")
	}
}
