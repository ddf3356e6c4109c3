package execution

import (
	"fmt"
	"sync"
	"time"

	"copy-mirror/internal/domain"
)

// Breaker trip reasons
const (
	ReasonConsecutiveLosses = "consecutive_losses"
	ReasonDrawdown          = "drawdown"
)

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	ConsecutiveLossLimit int     // trip at this many losing resolved positions in a row
	MaxDrawdownPct       float64 // trip when equity falls this fraction below its peak
}

// BreakerStatus is a snapshot of the circuit breaker.
type BreakerStatus struct {
	Tripped           bool    `json:"tripped"`
	Reason            string  `json:"reason,omitempty"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	PeakEquity        float64 `json:"peak_equity"`
	Equity            float64 `json:"equity"`
	Drawdown          float64 `json:"drawdown"`
	DailyPnL          float64 `json:"daily_pnl"`
}

// Breaker tracks resolved-position results and ledger equity. It latches once
// tripped until Reset.
type Breaker struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	losses int
	peak   float64
	equity float64

	tripped bool
	reason  string

	day      string
	dailyPnL float64
}

// NewBreaker creates a Breaker with equity as the initial peak.
func NewBreaker(cfg BreakerConfig, equity float64) *Breaker {
	return &Breaker{cfg: cfg, peak: equity, equity: equity}
}

// RecordResult accounts one resolved position realized at unix ms at.
// A loss extends the losing streak, a gain resets it, a flat result leaves
// it unchanged. Returns the trip reason if this result tripped the breaker.
func (b *Breaker) RecordResult(pnl float64, at int64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	day := time.UnixMilli(at).UTC().Format(time.DateOnly)
	if day != b.day {
		b.day = day
		b.dailyPnL = 0
	}
	b.dailyPnL += pnl

	switch {
	case pnl < 0:
		b.losses++
	case pnl > 0:
		b.losses = 0
	}

	if b.cfg.ConsecutiveLossLimit > 0 && b.losses >= b.cfg.ConsecutiveLossLimit {
		return b.trip(fmt.Sprintf("%s: %d", ReasonConsecutiveLosses, b.losses))
	}
	return "", false
}

// ObserveEquity updates peak equity and checks drawdown. Returns the trip
// reason if this observation tripped the breaker.
func (b *Breaker) ObserveEquity(equity float64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.equity = equity
	if equity > b.peak {
		b.peak = equity
	}
	if b.cfg.MaxDrawdownPct > 0 && b.peak > 0 && b.drawdown() >= b.cfg.MaxDrawdownPct {
		return b.trip(fmt.Sprintf("%s: %.1f%%", ReasonDrawdown, b.drawdown()*100))
	}
	return "", false
}

// DailyPnL returns the realized P&L of the current UTC day.
func (b *Breaker) DailyPnL() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dailyPnL
}

// Status returns a snapshot.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{
		Tripped:           b.tripped,
		Reason:            b.reason,
		ConsecutiveLosses: b.losses,
		PeakEquity:        b.peak,
		Equity:            b.equity,
		Drawdown:          b.drawdown(),
		DailyPnL:          b.dailyPnL,
	}
}

// Reset clears the trip and the losing streak and restarts peak tracking at equity.
func (b *Breaker) Reset(equity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = false
	b.reason = ""
	b.losses = 0
	b.peak = equity
	b.equity = equity
}

// State returns the persistable part of the breaker.
func (b *Breaker) State() domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.BreakerState{
		Tripped:           b.tripped,
		Reason:            b.reason,
		ConsecutiveLosses: b.losses,
		PeakEquity:        b.peak,
		Equity:            b.equity,
		Day:               b.day,
		DailyPnL:          b.dailyPnL,
	}
}

// Restore replaces the breaker state with st. The thresholds are kept.
func (b *Breaker) Restore(st domain.BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = st.Tripped
	b.reason = st.Reason
	b.losses = st.ConsecutiveLosses
	b.peak = st.PeakEquity
	b.equity = st.Equity
	b.day = st.Day
	b.dailyPnL = st.DailyPnL
}

// Clone returns an independent copy, used to compute a result before it is
// committed.
func (b *Breaker) Clone() *Breaker {
	c := &Breaker{cfg: b.cfg}
	c.Restore(b.State())
	return c
}

// trip must be called with mu held. Only the first trip reports true.
func (b *Breaker) trip(reason string) (string, bool) {
	if b.tripped {
		return b.reason, false
	}
	b.tripped = true
	b.reason = reason
	return reason, true
}

func (b *Breaker) drawdown() float64 {
	if b.peak <= 0 {
		return 0
	}
	dd := (b.peak - b.equity) / b.peak
	if dd < 0 {
		return 0
	}
	return dd
}
