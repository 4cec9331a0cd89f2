// Package sequencer validates the monotonic update_id stream of book
// deltas: it detects gaps, drops duplicates and out-of-order updates,
// and signals recovery when a gap exceeds the configured threshold.
package sequencer

import (
	"sort"
	"time"

	"marketreplay/pkg/types"
)

// Sequencer tracks the delta update_id cursor for one symbol. Not safe
// for concurrent use; each worker owns its sequencer exclusively.
type Sequencer struct {
	gapThreshold int64
	maxHistory   int

	lastUpdateID int64
	seeded       bool

	recoveryNeeded bool

	totalDeltas   int64
	totalGaps     int64
	maxGapSize    int64
	overThreshold int64
	outOfOrder    int64
	gapsBySize    map[int64]int64

	history []types.GapInfo
}

// New creates a sequencer with the given recovery threshold and bounded
// gap history.
func New(gapThreshold int64, maxHistory int) *Sequencer {
	return &Sequencer{
		gapThreshold: gapThreshold,
		maxHistory:   maxHistory,
		gapsBySize:   make(map[int64]int64),
	}
}

// Track observes one delta's update_id. It returns the gap record when a
// discontinuity was detected, and dropped=true when the update is a
// duplicate or out of order and must not be applied.
//
// The cursor advances on every accepted update, gap or not: small gaps
// are tolerated and the stream continues. When the gap exceeds the
// threshold, RecoveryNeeded latches until ResetSequence is called after
// a snapshot resync.
func (s *Sequencer) Track(updateID, originTime int64) (gap *types.GapInfo, dropped bool) {
	s.totalDeltas++

	if !s.seeded {
		s.seeded = true
		s.lastUpdateID = updateID
		return nil, false
	}

	if updateID <= s.lastUpdateID {
		s.outOfOrder++
		return nil, true
	}

	expected := s.lastUpdateID + 1
	if updateID > expected {
		g := types.GapInfo{
			Expected:   expected,
			Actual:     updateID,
			GapSize:    updateID - expected,
			WallTime:   time.Now().UnixNano(),
			OriginTime: originTime,
		}
		s.recordGap(g)
		gap = &g
	}

	s.lastUpdateID = updateID
	return gap, false
}

func (s *Sequencer) recordGap(g types.GapInfo) {
	s.totalGaps++
	s.gapsBySize[g.GapSize]++
	if g.GapSize > s.maxGapSize {
		s.maxGapSize = g.GapSize
	}
	if g.GapSize > s.gapThreshold {
		s.overThreshold++
		s.recoveryNeeded = true
	}
	if s.maxHistory > 0 {
		if len(s.history) == s.maxHistory {
			copy(s.history, s.history[1:])
			s.history = s.history[:s.maxHistory-1]
		}
		s.history = append(s.history, g)
	}
}

// ValidateAndSort stable-sorts a batch of delta events by update_id,
// drops duplicates and out-of-order entries against the running cursor,
// and returns the surviving events together with the gaps found while
// scanning. Events without an update_id are dropped as out of order.
func (s *Sequencer) ValidateAndSort(batch []types.UnifiedEvent) ([]types.UnifiedEvent, []types.GapInfo) {
	sorted := make([]types.UnifiedEvent, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdateIDOrZero() < sorted[j].UpdateIDOrZero()
	})

	kept := sorted[:0]
	var gaps []types.GapInfo
	for _, ev := range sorted {
		if ev.UpdateID == nil {
			s.totalDeltas++
			s.outOfOrder++
			continue
		}
		gap, dropped := s.Track(*ev.UpdateID, ev.EventTimestamp)
		if dropped {
			continue
		}
		if gap != nil {
			gaps = append(gaps, *gap)
		}
		kept = append(kept, ev)
	}
	return kept, gaps
}

// RecoveryNeeded reports whether a gap above the threshold has been seen
// since the last ResetSequence.
func (s *Sequencer) RecoveryNeeded() bool {
	return s.recoveryNeeded
}

// ResetSequence re-seeds the cursor after a snapshot resync and clears
// the recovery latch.
func (s *Sequencer) ResetSequence(newUpdateID int64) {
	s.lastUpdateID = newUpdateID
	s.seeded = true
	s.recoveryNeeded = false
}

// LastUpdateID returns the current cursor position.
func (s *Sequencer) LastUpdateID() int64 {
	return s.lastUpdateID
}

// GapHistory returns a copy of the bounded gap history, oldest first.
func (s *Sequencer) GapHistory() []types.GapInfo {
	out := make([]types.GapInfo, len(s.history))
	copy(out, s.history)
	return out
}

// Stats returns a snapshot of the sequencing counters for checkpoints
// and reporting.
func (s *Sequencer) Stats() types.GapStats {
	hist := make(map[int64]int64, len(s.gapsBySize))
	for k, v := range s.gapsBySize {
		hist[k] = v
	}
	return types.GapStats{
		TotalDeltas:    s.totalDeltas,
		TotalGaps:      s.totalGaps,
		MaxGapSize:     s.maxGapSize,
		OverThreshold:  s.overThreshold,
		OutOfOrder:     s.outOfOrder,
		GapsBySize:     hist,
		LastUpdateID:   s.lastUpdateID,
		RecoveryNeeded: s.recoveryNeeded,
	}
}

// RestoreStats reloads counters from a checkpoint.
func (s *Sequencer) RestoreStats(st types.GapStats) {
	s.totalDeltas = st.TotalDeltas
	s.totalGaps = st.TotalGaps
	s.maxGapSize = st.MaxGapSize
	s.overThreshold = st.OverThreshold
	s.outOfOrder = st.OutOfOrder
	s.gapsBySize = make(map[int64]int64, len(st.GapsBySize))
	for k, v := range st.GapsBySize {
		s.gapsBySize[k] = v
	}
	if st.LastUpdateID > 0 {
		s.lastUpdateID = st.LastUpdateID
		s.seeded = true
	}
	s.recoveryNeeded = st.RecoveryNeeded
}
