// Package drift measures the divergence of the reconstructed order book
// from authoritative snapshots. The replayer invokes it on every snapshot
// after initialization; a breach of the RMS threshold triggers a resync
// when enabled.
package drift

import (
	"math"
	"sort"

	"marketreplay/internal/decfmt"
	"marketreplay/pkg/types"
)

// Tracker accumulates drift metrics with a bounded history ring. Not safe
// for concurrent use; each worker owns its tracker exclusively.
type Tracker struct {
	threshold  float64
	maxHistory int

	history        []types.DriftMetrics
	totalSnapshots uint64
	totalResyncs   uint64
}

// New creates a tracker with the given RMS threshold and history bound.
func New(threshold float64, maxHistory int) *Tracker {
	return &Tracker{threshold: threshold, maxHistory: maxHistory}
}

// Compute compares the reconstructed ladders against snapshot levels and
// records the resulting metrics.
//
// Per-side RMS is over the relative quantity error at matching price
// levels: (q_snap − q_recon) / q_snap, squared. A level present on only
// one side contributes a unit squared error. Combined RMS is
// sqrt((rms_bid² + rms_ask²)/2).
func (t *Tracker) Compute(reconBids, reconAsks, snapBids, snapAsks []types.PriceLevel) types.DriftMetrics {
	t.totalSnapshots++

	bidRMS, bidMax := sideError(reconBids, snapBids)
	askRMS, askMax := sideError(reconAsks, snapAsks)

	m := types.DriftMetrics{
		RMSError:       math.Sqrt((bidRMS*bidRMS + askRMS*askRMS) / 2),
		BidRMS:         bidRMS,
		AskRMS:         askRMS,
		MaxDeviation:   math.Max(bidMax, askMax),
		BidLevelDiff:   absInt(len(reconBids) - len(snapBids)),
		AskLevelDiff:   absInt(len(reconAsks) - len(snapAsks)),
		SnapshotNumber: t.totalSnapshots,
	}
	m.ExceededThreshold = m.RMSError > t.threshold

	if t.maxHistory > 0 {
		if len(t.history) == t.maxHistory {
			copy(t.history, t.history[1:])
			t.history = t.history[:t.maxHistory-1]
		}
		t.history = append(t.history, m)
	}
	return m
}

// sideError returns the RMS and max relative deviation for one side.
func sideError(recon, snap []types.PriceLevel) (rms, maxDev float64) {
	if len(snap) == 0 && len(recon) == 0 {
		return 0, 0
	}

	snapByPrice := make(map[string]types.PriceLevel, len(snap))
	for _, lv := range snap {
		snapByPrice[lv.Price.StringFixed(decfmt.Scale)] = lv
	}
	reconByPrice := make(map[string]types.PriceLevel, len(recon))
	for _, lv := range recon {
		reconByPrice[lv.Price.StringFixed(decfmt.Scale)] = lv
	}

	var squared []float64
	for key, sl := range snapByPrice {
		rl, ok := reconByPrice[key]
		if !ok {
			squared = append(squared, 1)
			if maxDev < 1 {
				maxDev = 1
			}
			continue
		}
		if sl.Quantity.Sign() == 0 {
			if rl.Quantity.Sign() != 0 {
				squared = append(squared, 1)
				if maxDev < 1 {
					maxDev = 1
				}
			}
			continue
		}
		rel, _ := sl.Quantity.Sub(rl.Quantity).Div(sl.Quantity).Float64()
		squared = append(squared, rel*rel)
		if dev := math.Abs(rel); dev > maxDev {
			maxDev = dev
		}
	}
	for key := range reconByPrice {
		if _, ok := snapByPrice[key]; !ok {
			squared = append(squared, 1)
			if maxDev < 1 {
				maxDev = 1
			}
		}
	}

	if len(squared) == 0 {
		return 0, maxDev
	}
	var sum float64
	for _, e := range squared {
		sum += e
	}
	return math.Sqrt(sum / float64(len(squared))), maxDev
}

// RecordResync notes that a drift breach forced a snapshot reload.
func (t *Tracker) RecordResync() {
	t.totalResyncs++
}

// History returns a copy of the bounded metric history, oldest first.
func (t *Tracker) History() []types.DriftMetrics {
	out := make([]types.DriftMetrics, len(t.history))
	copy(out, t.history)
	return out
}

// Statistics summarizes the history ring for checkpoints and reporting.
func (t *Tracker) Statistics() types.DriftSummary {
	s := types.DriftSummary{
		TotalSnapshots: t.totalSnapshots,
		TotalResyncs:   t.totalResyncs,
	}
	if t.totalSnapshots > 0 {
		s.ResyncRate = float64(t.totalResyncs) / float64(t.totalSnapshots)
	}
	if len(t.history) == 0 {
		return s
	}

	values := make([]float64, 0, len(t.history))
	for _, m := range t.history {
		values = append(values, m.RMSError)
	}
	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	s.AvgRMSError = sum / float64(len(values))
	s.MinRMSError = values[0]
	s.MaxRMSError = values[len(values)-1]
	s.P95RMSError = percentile(values, 0.95)
	s.P99RMSError = percentile(values, 0.99)
	return s
}

// RestoreStats reloads aggregate counters from a checkpoint. The metric
// history itself is not checkpointed.
func (t *Tracker) RestoreStats(s types.DriftSummary) {
	t.totalSnapshots = s.TotalSnapshots
	t.totalResyncs = s.TotalResyncs
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
