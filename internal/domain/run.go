package domain

// Mode is the execution mode of the mirror.
type Mode string

const (
	ModeSim    Mode = "SIM"
	ModeShadow Mode = "SHADOW"
	ModeLive   Mode = "LIVE"
	ModeHalted Mode = "HALTED"
)

// IsValid returns true if mode is a known execution mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeSim, ModeShadow, ModeLive, ModeHalted:
		return true
	}
	return false
}

// Run records one process run with its configuration snapshot.
type Run struct {
	RunID     string
	Mode      Mode
	DelayMs   int64
	Config    []byte // JSON snapshot
	StartedAt int64  // ms
}

// OrderAck is the target venue's response to a live order.
type OrderAck struct {
	ClientOrderID string
	VenueOrderID  string
	Accepted      bool
	Reason        string // rejection reason
	FilledSize    float64
	AvgPrice      float64
}

// LiveOrder is a real order submitted to the target venue.
type LiveOrder struct {
	ClientOrderID string
	InstrumentID  string
	Side          Side
	Action        Action
	PriceCents    int64
	Size          int64
}

// BreakerState is the circuit breaker as persisted across restarts.
type BreakerState struct {
	Tripped           bool    `json:"tripped"`
	Reason            string  `json:"reason,omitempty"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	PeakEquity        float64 `json:"peak_equity"`
	Equity            float64 `json:"equity"`
	Day               string  `json:"day,omitempty"` // UTC date of DailyPnL
	DailyPnL          float64 `json:"daily_pnl"`
}

// ControlState is the execution mode and breaker state a restart resumes
// from. A LIVE mode is restored as SHADOW.
type ControlState struct {
	Mode       Mode         `json:"mode"`
	HaltReason string       `json:"halt_reason,omitempty"`
	HaltedAt   int64        `json:"halted_at,omitempty"`
	Breaker    BreakerState `json:"breaker"`
	UpdatedAt  int64        `json:"updated_at"` // ms
}
