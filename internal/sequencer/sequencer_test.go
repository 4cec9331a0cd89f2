package sequencer

import (
	"testing"

	"marketreplay/pkg/types"
)

func TestContiguousSequenceNoGaps(t *testing.T) {
	t.Parallel()
	s := New(1000, 100)

	for id := int64(1); id <= 10; id++ {
		gap, dropped := s.Track(id, 0)
		if gap != nil || dropped {
			t.Fatalf("id %d: gap=%v dropped=%v", id, gap, dropped)
		}
	}
	st := s.Stats()
	if st.TotalGaps != 0 || st.TotalDeltas != 10 || st.LastUpdateID != 10 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSmallGapTolerated(t *testing.T) {
	t.Parallel()
	s := New(1000, 100)

	s.Track(100, 0)
	gap, dropped := s.Track(105, 7777)
	if dropped {
		t.Fatal("small gap must not drop the update")
	}
	if gap == nil {
		t.Fatal("expected gap record")
	}
	if gap.Expected != 101 || gap.Actual != 105 || gap.GapSize != 4 {
		t.Errorf("gap = %+v", gap)
	}
	if gap.OriginTime != 7777 {
		t.Errorf("origin time = %d, want 7777", gap.OriginTime)
	}
	if s.RecoveryNeeded() {
		t.Error("small gap must not trigger recovery")
	}
	if s.LastUpdateID() != 105 {
		t.Errorf("cursor = %d, want 105", s.LastUpdateID())
	}
}

func TestGapExactlyAtThreshold(t *testing.T) {
	t.Parallel()
	s := New(1000, 100)

	s.Track(1, 0)
	// Gap of exactly 1000: tolerated (recovery fires strictly above).
	gap, _ := s.Track(1002, 0)
	if gap == nil || gap.GapSize != 1000 {
		t.Fatalf("gap = %+v, want size 1000", gap)
	}
	if s.RecoveryNeeded() {
		t.Error("gap equal to threshold must not trigger recovery")
	}
}

func TestLargeGapSignalsRecovery(t *testing.T) {
	t.Parallel()
	s := New(1000, 100)

	s.Track(1005, 0)
	gap, _ := s.Track(3000, 0)
	if gap == nil || gap.GapSize != 1994 {
		t.Fatalf("gap = %+v, want size 1994", gap)
	}
	if !s.RecoveryNeeded() {
		t.Fatal("expected recovery latch")
	}

	s.ResetSequence(3050)
	if s.RecoveryNeeded() {
		t.Error("recovery latch must clear on reset")
	}
	if s.LastUpdateID() != 3050 {
		t.Errorf("cursor = %d, want 3050", s.LastUpdateID())
	}
}

func TestDuplicatesDropped(t *testing.T) {
	t.Parallel()
	s := New(1000, 100)

	s.Track(10, 0)
	if _, dropped := s.Track(10, 0); !dropped {
		t.Fatal("duplicate must be dropped")
	}
	if _, dropped := s.Track(5, 0); !dropped {
		t.Fatal("out-of-order must be dropped")
	}
	if got := s.Stats().OutOfOrder; got != 2 {
		t.Errorf("out_of_order = %d, want 2", got)
	}
}

func idPtr(v int64) *int64 { return &v }

func TestValidateAndSort(t *testing.T) {
	t.Parallel()
	s := New(1000, 100)
	s.ResetSequence(100)

	batch := []types.UnifiedEvent{
		{EventType: types.EventDelta, EventTimestamp: 3, UpdateID: idPtr(103)},
		{EventType: types.EventDelta, EventTimestamp: 1, UpdateID: idPtr(101)},
		{EventType: types.EventDelta, EventTimestamp: 9, UpdateID: idPtr(99)}, // stale
		{EventType: types.EventDelta, EventTimestamp: 2, UpdateID: idPtr(102)},
		{EventType: types.EventDelta, EventTimestamp: 8, UpdateID: idPtr(110)}, // gap of 6
	}
	kept, gaps := s.ValidateAndSort(batch)
	if len(kept) != 4 {
		t.Fatalf("kept %d events, want 4", len(kept))
	}
	for i, want := range []int64{101, 102, 103, 110} {
		if *kept[i].UpdateID != want {
			t.Errorf("kept[%d] = %d, want %d", i, *kept[i].UpdateID, want)
		}
	}
	if len(gaps) != 1 || gaps[0].GapSize != 6 {
		t.Fatalf("gaps = %+v, want one gap of 6", gaps)
	}
}

func TestGapHistoryBounded(t *testing.T) {
	t.Parallel()
	s := New(1_000_000, 3)

	s.Track(0, 0)
	next := int64(0)
	for i := 0; i < 5; i++ {
		next += 10 // gap of 9 each time
		s.Track(next, 0)
	}
	hist := s.GapHistory()
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	// Oldest entries evicted: last three gaps remain.
	if hist[2].Actual != next {
		t.Errorf("newest gap actual = %d, want %d", hist[2].Actual, next)
	}
}

func TestStatsRoundTrip(t *testing.T) {
	t.Parallel()
	s := New(1000, 10)
	s.Track(1, 0)
	s.Track(5, 0)
	s.Track(2000, 0)

	restored := New(1000, 10)
	restored.RestoreStats(s.Stats())
	got, want := restored.Stats(), s.Stats()
	if got.TotalGaps != want.TotalGaps || got.MaxGapSize != want.MaxGapSize ||
		got.LastUpdateID != want.LastUpdateID || got.RecoveryNeeded != want.RecoveryNeeded {
		t.Errorf("restored stats = %+v, want %+v", got, want)
	}
}
