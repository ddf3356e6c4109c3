package reporting

import "time"

// Report is the latency comparison of one sweep.
type Report struct {
	// Metadata
	GeneratedAt time.Time
	Seed        int64
	Adaptive    bool

	// Data Summary
	DataSummary DataSummary

	// Latency rows sorted by delay_ms ASC
	Latency []LatencyRow

	// Degradation of every delay relative to the shortest one
	Degradation []DegradationRow
}

// DataSummary describes the replayed trades.
type DataSummary struct {
	TotalTrades    int
	Wallets        int
	Instruments    int
	DateRangeStart int64 // Unix ms
	DateRangeEnd   int64 // Unix ms
}

// LatencyRow is one delay of the sweep.
type LatencyRow struct {
	RunID           string
	DelayMs         int64
	Signals         int
	Filled          int
	Partial         int
	Missed          int
	Expired         int
	Unavailable     int
	FillRate        float64
	AvgSlippageBps  float64
	AvgShortfallBps float64 // grows with delay, unlike slippage
	RealizedPnL     float64
}

// DegradationRow compares a delay with the baseline delay.
type DegradationRow struct {
	DelayMs           int64
	BaselineDelayMs   int64
	FillRateDelta     float64
	SlippageDeltaBps  float64
	ShortfallDeltaBps float64
	PnLDelta          float64
	PnLDegradationPct float64 // (baseline - pnl) / |baseline| * 100, 0 if baseline == 0
}
