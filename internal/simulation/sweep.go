package simulation

import (
	"sort"

	"copy-mirror/internal/domain"
)

// SweepAccumulator aggregates realistic-policy results of one run at a fixed delay.
type SweepAccumulator struct {
	runID   string
	delayMs int64

	signals     int
	filled      int
	partial     int
	missed      int
	expired     int
	unavailable int
	requested   float64
	filledQty   float64
	slipSum     float64 // weighted by filled size
	shortSum    float64 // weighted by requested size
}

// NewSweepAccumulator creates an accumulator for (runID, delayMs).
func NewSweepAccumulator(runID string, delayMs int64) *SweepAccumulator {
	return &SweepAccumulator{runID: runID, delayMs: delayMs}
}

// Add records one realistic result.
func (a *SweepAccumulator) Add(order *domain.SimOrder, fill *domain.SimFill) {
	if order.Policy != domain.PolicyRealistic {
		return
	}
	a.signals++
	a.requested += order.RequestedSize
	a.filledQty += fill.FilledSize
	a.slipSum += fill.SlippageBps * fill.FilledSize
	a.shortSum += fill.ShortfallBps * order.RequestedSize

	switch fill.Status {
	case domain.FillFilled:
		a.filled++
	case domain.FillPartial:
		a.partial++
	case domain.FillMissed:
		a.missed++
	}
}

// AddExpired records a signal cancelled by expiry.
func (a *SweepAccumulator) AddExpired() {
	a.signals++
	a.expired++
}

// AddUnavailable records a signal whose target depth could not be fetched.
func (a *SweepAccumulator) AddUnavailable() {
	a.signals++
	a.unavailable++
}

// Result returns the summary with the run's realized P&L on the target venue.
func (a *SweepAccumulator) Result(realizedPnL float64, createdAt int64) *domain.SweepResult {
	r := &domain.SweepResult{
		RunID:       a.runID,
		DelayMs:     a.delayMs,
		Signals:     a.signals,
		Filled:      a.filled,
		Partial:     a.partial,
		Missed:      a.missed,
		Expired:     a.expired,
		Unavailable: a.unavailable,
		RealizedPnL: realizedPnL,
		CreatedAt:   createdAt,
	}
	if a.requested > 0 {
		r.FillRate = a.filledQty / a.requested
		r.AvgShortfallBps = a.shortSum / a.requested
	}
	if a.filledQty > 0 {
		r.AvgSlippageBps = a.slipSum / a.filledQty
	}
	return r
}

// SortSweepResults orders results by delay ascending.
func SortSweepResults(results []*domain.SweepResult) {
	sort.Slice(results, func(i, j int) bool {
		return results[i].DelayMs < results[j].DelayMs
	})
}
