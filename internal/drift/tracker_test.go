package drift

import (
	"math"
	"testing"

	"marketreplay/internal/decfmt"
	"marketreplay/pkg/types"
)

func lvl(p, q string) types.PriceLevel {
	return types.PriceLevel{Price: decfmt.MustParse(p), Quantity: decfmt.MustParse(q)}
}

func TestPerfectMatchHasZeroDrift(t *testing.T) {
	t.Parallel()
	tr := New(0.001, 100)

	bids := []types.PriceLevel{lvl("100", "10"), lvl("99", "5")}
	asks := []types.PriceLevel{lvl("101", "10")}
	m := tr.Compute(bids, asks, bids, asks)

	if m.RMSError != 0 {
		t.Errorf("rms = %g, want 0", m.RMSError)
	}
	if m.ExceededThreshold {
		t.Error("threshold must not be exceeded on a perfect match")
	}
	if m.SnapshotNumber != 1 {
		t.Errorf("snapshot number = %d, want 1", m.SnapshotNumber)
	}
}

func TestQuantityDeviation(t *testing.T) {
	t.Parallel()
	tr := New(0.001, 100)

	recon := []types.PriceLevel{lvl("100", "10.0")}
	snap := []types.PriceLevel{lvl("100", "10.1")}
	asks := []types.PriceLevel{lvl("101", "10")}
	m := tr.Compute(recon, asks, snap, asks)

	// rel = (10.1-10)/10.1 ≈ 0.009901; combined = rel/sqrt(2) ≈ 0.0070
	if m.RMSError < 0.0065 || m.RMSError > 0.0075 {
		t.Errorf("rms = %g, want ≈ 0.0070", m.RMSError)
	}
	if !m.ExceededThreshold {
		t.Error("expected threshold breach")
	}
	if m.MaxDeviation < 0.0098 || m.MaxDeviation > 0.01 {
		t.Errorf("max deviation = %g, want ≈ 0.0099", m.MaxDeviation)
	}
}

func TestMissingLevelIsUnitError(t *testing.T) {
	t.Parallel()
	tr := New(0.001, 100)

	recon := []types.PriceLevel{lvl("100", "10")}
	snap := []types.PriceLevel{lvl("100", "10"), lvl("99", "5")}
	m := tr.Compute(recon, nil, snap, nil)

	// Two bid comparisons: one exact, one missing (unit error).
	wantBid := math.Sqrt(0.5)
	if math.Abs(m.BidRMS-wantBid) > 1e-9 {
		t.Errorf("bid rms = %g, want %g", m.BidRMS, wantBid)
	}
	if m.BidLevelDiff != 1 {
		t.Errorf("bid level diff = %d, want 1", m.BidLevelDiff)
	}
	if m.MaxDeviation != 1 {
		t.Errorf("max deviation = %g, want 1", m.MaxDeviation)
	}
}

func TestExtraReconstructedLevelIsUnitError(t *testing.T) {
	t.Parallel()
	tr := New(0.5, 100)

	recon := []types.PriceLevel{lvl("100", "10"), lvl("98", "3")}
	snap := []types.PriceLevel{lvl("100", "10")}
	m := tr.Compute(recon, nil, snap, nil)

	if m.BidRMS == 0 {
		t.Fatal("extra reconstructed level must contribute error")
	}
	if m.ExceededThreshold {
		t.Error("rms sqrt(0.5)/sqrt(2) = 0.5 must not exceed a 0.5 threshold")
	}
}

func TestEmptyBothSidesZero(t *testing.T) {
	t.Parallel()
	tr := New(0.001, 100)

	m := tr.Compute(nil, nil, nil, nil)
	if m.RMSError != 0 || m.ExceededThreshold {
		t.Errorf("empty vs empty: %+v", m)
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	tr := New(0.001, 2)

	bids := []types.PriceLevel{lvl("100", "10")}
	for i := 0; i < 5; i++ {
		tr.Compute(bids, nil, bids, nil)
	}
	if len(tr.History()) != 2 {
		t.Fatalf("history length = %d, want 2", len(tr.History()))
	}
	if tr.History()[1].SnapshotNumber != 5 {
		t.Errorf("newest snapshot number = %d, want 5", tr.History()[1].SnapshotNumber)
	}
}

func TestStatistics(t *testing.T) {
	t.Parallel()
	tr := New(0.001, 100)

	match := []types.PriceLevel{lvl("100", "10")}
	off := []types.PriceLevel{lvl("100", "11")}
	tr.Compute(match, nil, match, nil) // zero drift
	tr.Compute(off, nil, match, nil)   // drift
	tr.RecordResync()

	s := tr.Statistics()
	if s.TotalSnapshots != 2 || s.TotalResyncs != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.ResyncRate != 0.5 {
		t.Errorf("resync rate = %g, want 0.5", s.ResyncRate)
	}
	if s.MinRMSError != 0 || s.MaxRMSError <= 0 {
		t.Errorf("min/max rms = %g/%g", s.MinRMSError, s.MaxRMSError)
	}
	if s.AvgRMSError <= 0 || s.AvgRMSError >= s.MaxRMSError {
		t.Errorf("avg rms = %g out of range", s.AvgRMSError)
	}
}
