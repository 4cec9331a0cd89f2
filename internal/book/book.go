package book

import (
	"fmt"

	"github.com/shopspring/decimal"

	"marketreplay/pkg/types"
)

// Book is the full order book state for one symbol: both ladders plus the
// last-applied-update cursors. Created uninitialized; the first snapshot
// initializes it.
type Book struct {
	Symbol string

	bids *Ladder
	asks *Ladder

	LastUpdateID   int64
	LastOriginTime int64
	Initialized    bool
	SnapshotCount  uint64

	maxLevels int
	maxDeep   int
}

// New creates an uninitialized book.
func New(symbol string, maxLevels, maxDeep int) *Book {
	return &Book{
		Symbol:    symbol,
		bids:      NewLadder(types.BID, maxLevels, maxDeep),
		asks:      NewLadder(types.ASK, maxLevels, maxDeep),
		maxLevels: maxLevels,
		maxDeep:   maxDeep,
	}
}

// Bids returns the bid ladder.
func (b *Book) Bids() *Ladder { return b.bids }

// Asks returns the ask ladder.
func (b *Book) Asks() *Ladder { return b.asks }

// InitFromSnapshot clears both ladders, loads all non-zero levels, and
// marks the book initialized. Crossed snapshots are accepted as-is.
func (b *Book) InitFromSnapshot(bids, asks []types.PriceLevel, updateID, originTime int64) {
	b.loadSnapshot(bids, asks, updateID, originTime)
	b.SnapshotCount = 1
}

// Resynchronize reloads the book from a snapshot; unlike InitFromSnapshot
// it keeps the running snapshot count and adds this snapshot to it.
func (b *Book) Resynchronize(bids, asks []types.PriceLevel, updateID, originTime int64) {
	b.loadSnapshot(bids, asks, updateID, originTime)
	b.SnapshotCount++
}

func (b *Book) loadSnapshot(bids, asks []types.PriceLevel, updateID, originTime int64) {
	b.bids.Clear()
	b.asks.Clear()
	for _, lv := range bids {
		if lv.Quantity.Sign() > 0 {
			b.bids.Upsert(lv.Price, lv.Quantity)
		}
	}
	for _, lv := range asks {
		if lv.Quantity.Sign() > 0 {
			b.asks.Upsert(lv.Price, lv.Quantity)
		}
	}
	if updateID > 0 {
		b.LastUpdateID = updateID
	}
	if originTime > 0 {
		b.LastOriginTime = originTime
	}
	b.Initialized = true
}

// ApplyDelta dispatches one incremental update to the matching ladder and
// advances the cursor. The returned flag reports a negative quantity that
// was coerced to a removal.
func (b *Book) ApplyDelta(side types.BookSide, price, quantity decimal.Decimal, updateID, originTime int64) (coercedNegative bool, err error) {
	switch side {
	case types.BID:
		coercedNegative = b.bids.Upsert(price, quantity)
	case types.ASK:
		coercedNegative = b.asks.Upsert(price, quantity)
	default:
		return false, &types.MalformedInputError{Field: "delta_side", Reason: "unknown side " + string(side)}
	}
	b.LastUpdateID = updateID
	if originTime > 0 {
		b.LastOriginTime = originTime
	}
	return coercedNegative, nil
}

// ApplyTrade consumes liquidity from the opposite side's best level.
// A BUY takes from the best ask when its price is at or below the trade
// price; SELL is symmetric on bids. Excess beyond the best level's
// quantity is discarded — trades are informational, deltas are
// authoritative.
func (b *Book) ApplyTrade(side types.Side, price, quantity decimal.Decimal) {
	switch side {
	case types.BUY:
		best, ok := b.asks.Best()
		if !ok || best.Price.GreaterThan(price) {
			return
		}
		remaining := best.Quantity.Sub(quantity)
		if remaining.Sign() > 0 {
			b.asks.Upsert(best.Price, remaining)
		} else {
			b.asks.Remove(best.Price)
		}
	case types.SELL:
		best, ok := b.bids.Best()
		if !ok || best.Price.LessThan(price) {
			return
		}
		remaining := best.Quantity.Sub(quantity)
		if remaining.Sign() > 0 {
			b.bids.Upsert(best.Price, remaining)
		} else {
			b.bids.Remove(best.Price)
		}
	}
}

// TopOfBook returns the best bid and ask levels; either may be nil when
// that side is empty.
func (b *Book) TopOfBook() (bid, ask *types.PriceLevel) {
	if lv, ok := b.bids.Best(); ok {
		c := lv
		bid = &c
	}
	if lv, ok := b.asks.Best(); ok {
		c := lv
		ask = &c
	}
	return bid, ask
}

// Spread returns best_ask − best_bid, or nil when either side is empty.
// A crossed book yields a negative spread; it is propagated, not
// repaired.
func (b *Book) Spread() *decimal.Decimal {
	bid, ask := b.TopOfBook()
	if bid == nil || ask == nil {
		return nil
	}
	s := ask.Price.Sub(bid.Price)
	return &s
}

// CheckInvariants verifies both ladders after an operation.
func (b *Book) CheckInvariants() error {
	if err := b.bids.CheckInvariant(); err != nil {
		return fmt.Errorf("%s: %w", b.Symbol, err)
	}
	if err := b.asks.CheckInvariant(); err != nil {
		return fmt.Errorf("%s: %w", b.Symbol, err)
	}
	return nil
}

// State exports both ladders for checkpointing.
func (b *Book) State() (bids, asks types.LadderState) {
	return b.bids.State(), b.asks.State()
}

// Restore replaces the book's contents from checkpoint state and marks
// it initialized.
func (b *Book) Restore(bids, asks types.LadderState, lastUpdateID, lastOriginTime int64, snapshotCount uint64) error {
	restoredBids, err := RestoreLadder(types.BID, b.maxLevels, b.maxDeep, bids)
	if err != nil {
		return fmt.Errorf("restore bids: %w", err)
	}
	restoredAsks, err := RestoreLadder(types.ASK, b.maxLevels, b.maxDeep, asks)
	if err != nil {
		return fmt.Errorf("restore asks: %w", err)
	}
	b.bids = restoredBids
	b.asks = restoredAsks
	b.LastUpdateID = lastUpdateID
	b.LastOriginTime = lastOriginTime
	b.SnapshotCount = snapshotCount
	b.Initialized = true
	return nil
}
