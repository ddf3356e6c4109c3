package reporting

import (
	"context"
	"strings"
	"testing"
	"time"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/storage/memory"
)

func setupTestData(t *testing.T) (*memory.AnalyticsStore, []string) {
	ctx := context.Background()
	store := memory.NewAnalyticsStore()

	results := []*domain.SweepResult{
		{RunID: "r-10000", DelayMs: 10000, Signals: 4, Filled: 1, Partial: 1, Missed: 1, Expired: 1, FillRate: 0.4, AvgSlippageBps: 80, AvgShortfallBps: 300, RealizedPnL: -2},
		{RunID: "r-2000", DelayMs: 2000, Signals: 4, Filled: 3, Partial: 1, FillRate: 0.9, AvgSlippageBps: 20, AvgShortfallBps: 40, RealizedPnL: 8},
		{RunID: "r-5000", DelayMs: 5000, Signals: 4, Filled: 2, Partial: 1, Missed: 1, Unavailable: 1, FillRate: 0.7, AvgSlippageBps: 45, AvgShortfallBps: 120, RealizedPnL: 4},
	}
	if err := store.InsertSweepResults(ctx, results); err != nil {
		t.Fatalf("InsertSweepResults failed: %v", err)
	}
	return store, []string{"r-10000", "r-2000", "r-5000"}
}

func testTrades() []domain.RawTrade {
	return []domain.RawTrade{
		{TradeID: "t1", Wallet: "0xA", InstrumentRef: "btc-15m", Timestamp: 3000},
		{TradeID: "t2", Wallet: "0xB", InstrumentRef: "btc-15m", Timestamp: 1000},
		{TradeID: "t3", Wallet: "0xA", InstrumentRef: "eth-15m", Timestamp: 2000},
	}
}

func TestGenerator_Generate(t *testing.T) {
	store, runIDs := setupTestData(t)
	fixed := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)
	gen := NewGenerator(store).WithClock(func() time.Time { return fixed })

	report, err := gen.Generate(context.Background(), runIDs, testTrades(), 42, false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !report.GeneratedAt.Equal(fixed) {
		t.Errorf("GeneratedAt = %v, want %v", report.GeneratedAt, fixed)
	}
	if len(report.Latency) != 3 {
		t.Fatalf("expected 3 latency rows, got %d", len(report.Latency))
	}
	for i, want := range []int64{2000, 5000, 10000} {
		if report.Latency[i].DelayMs != want {
			t.Errorf("row %d delay = %d, want %d", i, report.Latency[i].DelayMs, want)
		}
	}

	ds := report.DataSummary
	if ds.TotalTrades != 3 || ds.Wallets != 2 || ds.Instruments != 2 {
		t.Errorf("unexpected data summary: %+v", ds)
	}
	if ds.DateRangeStart != 1000 || ds.DateRangeEnd != 3000 {
		t.Errorf("date range = [%d, %d], want [1000, 3000]", ds.DateRangeStart, ds.DateRangeEnd)
	}
}

func TestGenerator_Degradation(t *testing.T) {
	store, runIDs := setupTestData(t)
	report, err := NewGenerator(store).Generate(context.Background(), runIDs, nil, 1, true)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(report.Degradation) != 2 {
		t.Fatalf("expected 2 degradation rows, got %d", len(report.Degradation))
	}
	d := report.Degradation[1]
	if d.DelayMs != 10000 || d.BaselineDelayMs != 2000 {
		t.Errorf("unexpected delays: %+v", d)
	}
	if diff := d.FillRateDelta - (-0.5); diff > 1e-9 || diff < -1e-9 {
		t.Errorf("FillRateDelta = %v, want -0.5", d.FillRateDelta)
	}
	if d.SlippageDeltaBps != 60 {
		t.Errorf("SlippageDeltaBps = %v, want 60", d.SlippageDeltaBps)
	}
	if d.ShortfallDeltaBps != 260 {
		t.Errorf("ShortfallDeltaBps = %v, want 260", d.ShortfallDeltaBps)
	}
	// (8 - (-2)) / 8 * 100
	if d.PnLDegradationPct != 125 {
		t.Errorf("PnLDegradationPct = %v, want 125", d.PnLDegradationPct)
	}
}

func TestGenerator_SingleDelayHasNoDegradation(t *testing.T) {
	store, _ := setupTestData(t)
	report, err := NewGenerator(store).Generate(context.Background(), []string{"r-5000"}, nil, 1, false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(report.Latency) != 1 || report.Degradation != nil {
		t.Errorf("expected one row and no degradation, got %d rows and %d degradation rows",
			len(report.Latency), len(report.Degradation))
	}
}

func TestRenderMarkdown(t *testing.T) {
	store, runIDs := setupTestData(t)
	report, err := NewGenerator(store).Generate(context.Background(), runIDs, testTrades(), 42, true)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	md := RenderMarkdown(report)
	for _, want := range []string{
		"# Latency Sweep Report",
		"Seed: 42 | Parameters: adaptive",
		"| Trades | 3 |",
		"| 2000 | 4 | 3 | 1 | 0 | 0 | 0 | 0.9000 | 20.00 | 40.00 | 8.0000 |",
		"| 5000 | 4 | 2 | 1 | 1 | 0 | 1 | 0.7000 | 45.00 | 120.00 | 4.0000 |",
		"## Degradation vs Shortest Delay",
		"| 10000 | 2000 | -0.5000 | +60.00 | +260.00 | -10.0000 | 125.00 |",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
}

func TestRenderMarkdown_Empty(t *testing.T) {
	md := RenderMarkdown(&Report{})
	if !strings.Contains(md, "No sweep results available.") {
		t.Error("expected empty latency placeholder")
	}
	if !strings.Contains(md, "Only one delay was replayed.") {
		t.Error("expected empty degradation placeholder")
	}
}

func TestRenderCSV(t *testing.T) {
	csv := RenderCSV([]LatencyRow{
		{RunID: "r1", DelayMs: 2000, Signals: 4, Filled: 3, Partial: 1, FillRate: 0.9, AvgSlippageBps: 20, AvgShortfallBps: 40, RealizedPnL: 8},
	})
	lines := strings.Split(strings.TrimSpace(csv), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "run_id,delay_ms,signals") {
		t.Errorf("unexpected header: %s", lines[0])
	}
	if lines[1] != "r1,2000,4,3,1,0,0,0,0.900000,20.000000,40.000000,8.000000" {
		t.Errorf("unexpected row: %s", lines[1])
	}
}
