package reporting

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/storage"
)

// Generator produces sweep reports from stored sweep results.
type Generator struct {
	store storage.AnalyticsStore
	now   func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a new report generator.
func NewGenerator(store storage.AnalyticsStore) *Generator {
	return &Generator{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate builds a report over the sweep rows of runIDs. trades are the
// replayed input and only feed the data summary.
func (g *Generator) Generate(ctx context.Context, runIDs []string, trades []domain.RawTrade, seed int64, adaptive bool) (*Report, error) {
	var rows []LatencyRow
	for _, id := range runIDs {
		results, err := g.store.GetSweepResults(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("sweep results of %s: %w", id, err)
		}
		for _, r := range results {
			rows = append(rows, latencyRow(r))
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].DelayMs != rows[j].DelayMs {
			return rows[i].DelayMs < rows[j].DelayMs
		}
		return rows[i].RunID < rows[j].RunID
	})

	return &Report{
		GeneratedAt: g.now(),
		Seed:        seed,
		Adaptive:    adaptive,
		DataSummary: summarize(trades),
		Latency:     rows,
		Degradation: degradation(rows),
	}, nil
}

func latencyRow(r *domain.SweepResult) LatencyRow {
	return LatencyRow{
		RunID:           r.RunID,
		DelayMs:         r.DelayMs,
		Signals:         r.Signals,
		Filled:          r.Filled,
		Partial:         r.Partial,
		Missed:          r.Missed,
		Expired:         r.Expired,
		Unavailable:     r.Unavailable,
		FillRate:        r.FillRate,
		AvgSlippageBps:  r.AvgSlippageBps,
		AvgShortfallBps: r.AvgShortfallBps,
		RealizedPnL:     r.RealizedPnL,
	}
}

func summarize(trades []domain.RawTrade) DataSummary {
	s := DataSummary{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return s
	}
	wallets := make(map[string]struct{})
	instruments := make(map[string]struct{})
	s.DateRangeStart = trades[0].Timestamp
	s.DateRangeEnd = trades[0].Timestamp
	for _, t := range trades {
		wallets[t.Wallet] = struct{}{}
		instruments[t.InstrumentRef] = struct{}{}
		s.DateRangeStart = min(s.DateRangeStart, t.Timestamp)
		s.DateRangeEnd = max(s.DateRangeEnd, t.Timestamp)
	}
	s.Wallets = len(wallets)
	s.Instruments = len(instruments)
	return s
}

// degradation compares every row with the first, which has the shortest delay.
func degradation(rows []LatencyRow) []DegradationRow {
	if len(rows) < 2 {
		return nil
	}
	base := rows[0]
	out := make([]DegradationRow, 0, len(rows)-1)
	for _, r := range rows[1:] {
		row := DegradationRow{
			DelayMs:           r.DelayMs,
			BaselineDelayMs:   base.DelayMs,
			FillRateDelta:     r.FillRate - base.FillRate,
			SlippageDeltaBps:  r.AvgSlippageBps - base.AvgSlippageBps,
			ShortfallDeltaBps: r.AvgShortfallBps - base.AvgShortfallBps,
			PnLDelta:          r.RealizedPnL - base.RealizedPnL,
		}
		if base.RealizedPnL != 0 {
			row.PnLDegradationPct = (base.RealizedPnL - r.RealizedPnL) / math.Abs(base.RealizedPnL) * 100
		}
		out = append(out, row)
	}
	return out
}
