// Package book provides the bounded L2 order book maintained by the
// replayer.
//
// Each side of the book is a Ladder: a contiguous top region holding the
// K best-priced levels for O(K) access, and a deep region keyed by price
// for everything worse. The Book pairs two ladders with the sequencing
// cursors and supports snapshot-init, delta-apply, trade-consume, and
// resynchronization.
package book

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"marketreplay/internal/decfmt"
	"marketreplay/pkg/types"
)

// Ladder holds one side of the book. Not safe for concurrent use; each
// worker owns its book exclusively.
type Ladder struct {
	side      types.BookSide
	maxLevels int
	maxDeep   int

	// top is sorted best-first: descending prices for bids, ascending
	// for asks. len(top) ≤ maxLevels.
	top []types.PriceLevel

	// deep holds levels worse than the top region, keyed by the price's
	// canonical fixed-scale string.
	deep map[string]types.PriceLevel

	// deepDropped counts levels discarded because the deep region hit
	// its hard ceiling.
	deepDropped int64
}

// NewLadder creates an empty ladder for the given side.
func NewLadder(side types.BookSide, maxLevels, maxDeep int) *Ladder {
	return &Ladder{
		side:      side,
		maxLevels: maxLevels,
		maxDeep:   maxDeep,
		top:       make([]types.PriceLevel, 0, maxLevels),
		deep:      make(map[string]types.PriceLevel),
	}
}

func priceKey(p decimal.Decimal) string {
	return p.StringFixed(decfmt.Scale)
}

// better reports whether price a ranks ahead of price b on this side.
func (l *Ladder) better(a, b decimal.Decimal) bool {
	if l.side == types.BID {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// Upsert inserts or updates the level at price. A zero quantity removes
// the level; a negative quantity is coerced to a removal and reported via
// the returned flag so the caller can log it.
func (l *Ladder) Upsert(price, quantity decimal.Decimal) (coercedNegative bool) {
	if quantity.Sign() < 0 {
		l.Remove(price)
		return true
	}
	if quantity.Sign() == 0 {
		l.Remove(price)
		return false
	}

	// In-place update if the price already sits in the top region.
	for i := range l.top {
		if l.top[i].Price.Equal(price) {
			l.top[i].Quantity = quantity
			return false
		}
	}

	if l.shouldBeInTop(price) {
		delete(l.deep, priceKey(price)) // may be a promotion from deep
		l.insertInTop(types.PriceLevel{Price: price, Quantity: quantity})
	} else {
		l.putDeep(types.PriceLevel{Price: price, Quantity: quantity})
	}
	return false
}

// Remove deletes the level at price. Removing from the top region
// promotes the best deep level, if any.
func (l *Ladder) Remove(price decimal.Decimal) {
	for i := range l.top {
		if l.top[i].Price.Equal(price) {
			l.top = append(l.top[:i], l.top[i+1:]...)
			l.promoteFromDeep()
			return
		}
	}
	delete(l.deep, priceKey(price))
}

// Best returns the best-priced level, or false if the ladder is empty.
func (l *Ladder) Best() (types.PriceLevel, bool) {
	if len(l.top) == 0 {
		return types.PriceLevel{}, false
	}
	return l.top[0], true
}

// Depth returns the total number of levels across both regions.
func (l *Ladder) Depth() int {
	return len(l.top) + len(l.deep)
}

// TopLevels returns a copy of the top region in rank order.
func (l *Ladder) TopLevels() []types.PriceLevel {
	out := make([]types.PriceLevel, len(l.top))
	copy(out, l.top)
	return out
}

// SnapshotLevels returns every level, top region first, deep region in
// rank order after it.
func (l *Ladder) SnapshotLevels() []types.PriceLevel {
	out := make([]types.PriceLevel, 0, l.Depth())
	out = append(out, l.top...)

	deepLevels := make([]types.PriceLevel, 0, len(l.deep))
	for _, lv := range l.deep {
		deepLevels = append(deepLevels, lv)
	}
	sort.Slice(deepLevels, func(i, j int) bool {
		return l.better(deepLevels[i].Price, deepLevels[j].Price)
	})
	return append(out, deepLevels...)
}

// Clear removes all levels from both regions.
func (l *Ladder) Clear() {
	l.top = l.top[:0]
	for k := range l.deep {
		delete(l.deep, k)
	}
}

// DeepDropped returns how many levels were discarded at the deep-region
// ceiling.
func (l *Ladder) DeepDropped() int64 {
	return l.deepDropped
}

func (l *Ladder) shouldBeInTop(price decimal.Decimal) bool {
	if len(l.top) < l.maxLevels {
		return true
	}
	return l.better(price, l.top[len(l.top)-1].Price)
}

func (l *Ladder) insertInTop(level types.PriceLevel) {
	pos := len(l.top)
	for i := range l.top {
		if l.better(level.Price, l.top[i].Price) {
			pos = i
			break
		}
	}

	// Full top region: demote the current worst to the deep region.
	if len(l.top) == l.maxLevels {
		l.putDeep(l.top[len(l.top)-1])
		l.top = l.top[:len(l.top)-1]
	}

	l.top = append(l.top, types.PriceLevel{})
	copy(l.top[pos+1:], l.top[pos:])
	l.top[pos] = level
}

func (l *Ladder) promoteFromDeep() {
	if len(l.top) >= l.maxLevels || len(l.deep) == 0 {
		return
	}
	var best types.PriceLevel
	found := false
	for _, lv := range l.deep {
		if !found || l.better(lv.Price, best.Price) {
			best = lv
			found = true
		}
	}
	if found {
		delete(l.deep, priceKey(best.Price))
		l.insertInTop(best)
	}
}

// putDeep stores a level in the deep region, enforcing the hard ceiling.
// At the ceiling the worst-priced level loses: either the incoming level
// is dropped or it evicts the current worst.
func (l *Ladder) putDeep(level types.PriceLevel) {
	key := priceKey(level.Price)
	if _, ok := l.deep[key]; !ok && len(l.deep) >= l.maxDeep {
		worstKey := ""
		var worst types.PriceLevel
		for k, lv := range l.deep {
			if worstKey == "" || l.better(worst.Price, lv.Price) {
				worstKey, worst = k, lv
			}
		}
		if l.better(worst.Price, level.Price) {
			l.deepDropped++
			return
		}
		delete(l.deep, worstKey)
		l.deepDropped++
	}
	l.deep[key] = level
}

// CheckInvariant verifies the ladder ordering invariant: the top region
// is sorted best-first with positive quantities, and when the top region
// is full every deep level is worse than its last element.
func (l *Ladder) CheckInvariant() error {
	for i := range l.top {
		if l.top[i].Quantity.Sign() <= 0 {
			return fmt.Errorf("%w: %s top[%d] has non-positive quantity %s",
				types.ErrInvariantViolation, l.side, i, l.top[i].Quantity)
		}
		if i > 0 && !l.better(l.top[i-1].Price, l.top[i].Price) {
			return fmt.Errorf("%w: %s top region out of order at index %d",
				types.ErrInvariantViolation, l.side, i)
		}
	}
	if len(l.top) == l.maxLevels {
		boundary := l.top[len(l.top)-1].Price
		for _, lv := range l.deep {
			if !l.better(boundary, lv.Price) {
				return fmt.Errorf("%w: %s deep level %s not worse than top boundary %s",
					types.ErrInvariantViolation, l.side, lv.Price, boundary)
			}
		}
	}
	return nil
}

// State exports the ladder for checkpointing. Values are canonical
// decimal strings so restoration is exact.
func (l *Ladder) State() types.LadderState {
	st := types.LadderState{
		TopPrices:      make([]string, 0, len(l.top)),
		TopQuantities:  make([]string, 0, len(l.top)),
		DeepPrices:     make([]string, 0, len(l.deep)),
		DeepQuantities: make([]string, 0, len(l.deep)),
	}
	for _, lv := range l.top {
		st.TopPrices = append(st.TopPrices, lv.Price.String())
		st.TopQuantities = append(st.TopQuantities, lv.Quantity.String())
	}
	for _, lv := range l.deep {
		st.DeepPrices = append(st.DeepPrices, lv.Price.String())
		st.DeepQuantities = append(st.DeepQuantities, lv.Quantity.String())
	}
	return st
}

// RestoreLadder rebuilds a ladder from checkpoint state.
func RestoreLadder(side types.BookSide, maxLevels, maxDeep int, st types.LadderState) (*Ladder, error) {
	if len(st.TopPrices) != len(st.TopQuantities) || len(st.DeepPrices) != len(st.DeepQuantities) {
		return nil, fmt.Errorf("%w: ladder state arrays misaligned", types.ErrCheckpointInvalid)
	}
	l := NewLadder(side, maxLevels, maxDeep)
	restore := func(prices, quantities []string) error {
		for i := range prices {
			p, err := decfmt.Parse(prices[i])
			if err != nil {
				return fmt.Errorf("%w: bad price %q", types.ErrCheckpointInvalid, prices[i])
			}
			q, err := decfmt.Parse(quantities[i])
			if err != nil {
				return fmt.Errorf("%w: bad quantity %q", types.ErrCheckpointInvalid, quantities[i])
			}
			l.Upsert(p, q)
		}
		return nil
	}
	if err := restore(st.TopPrices, st.TopQuantities); err != nil {
		return nil, err
	}
	if err := restore(st.DeepPrices, st.DeepQuantities); err != nil {
		return nil, err
	}
	return l, nil
}
