package domain

// FillRecord is a denormalized fill row for analytics.
type FillRecord struct {
	RunID           string
	SignalID        string
	OrderID         string
	Wallet          string
	Policy          Policy
	InstrumentID    string
	Side            Side
	Action          Action
	MappingScore    float64
	DelayMs         int64
	RequestedSize   float64
	FilledSize      float64
	ReferencePrice  float64
	AvgPrice        float64
	SlippageBps     float64
	ShortfallBps    float64
	Fee             float64
	Status          FillStatus
	SignalTimestamp int64 // ms
}

// SweepResult summarizes one realistic-policy run at a fixed delay.
type SweepResult struct {
	RunID          string
	DelayMs        int64
	Signals        int
	Filled         int
	Partial        int
	Missed         int
	Expired        int
	Unavailable    int     // depth could not be fetched
	FillRate       float64 // filled size / requested size
	AvgSlippageBps float64 // size weighted over filled orders

	// AvgShortfallBps weights each order by requested size and prices the
	// unfilled remainder at the limit, so it never improves with delay.
	AvgShortfallBps float64
	RealizedPnL     float64
	CreatedAt       int64 // ms
}
