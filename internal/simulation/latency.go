package simulation

import (
	"context"
	"math"
	"time"

	"copy-mirror/internal/domain"
)

// LatencyModel degrades a depth snapshot by the time an order spent in flight.
// Prices move against the order by DriftBpsPerSec per second and resting size
// decays by exp(-DecayPerSec * seconds). Both effects grow with delay.
type LatencyModel struct {
	DriftBpsPerSec float64
	DecayPerSec    float64
}

// Apply returns a degraded copy of book as seen by an order delayed by delay.
func (m LatencyModel) Apply(book domain.BookSide, delay time.Duration) domain.BookSide {
	secs := delay.Seconds()
	if secs <= 0 || (m.DriftBpsPerSec <= 0 && m.DecayPerSec <= 0) {
		return domain.BookSide{
			Bids: append([]domain.DepthLevel(nil), book.Bids...),
			Asks: append([]domain.DepthLevel(nil), book.Asks...),
		}
	}

	shift := math.Max(0, m.DriftBpsPerSec) * secs / 10000
	keep := math.Exp(-math.Max(0, m.DecayPerSec) * secs)

	out := domain.BookSide{
		Bids: make([]domain.DepthLevel, len(book.Bids)),
		Asks: make([]domain.DepthLevel, len(book.Asks)),
	}
	for i, lvl := range book.Asks {
		out.Asks[i] = domain.DepthLevel{Price: math.Min(1, lvl.Price*(1+shift)), Size: lvl.Size * keep}
	}
	for i, lvl := range book.Bids {
		out.Bids[i] = domain.DepthLevel{Price: math.Max(0, lvl.Price*(1-shift)), Size: lvl.Size * keep}
	}
	return out
}

// Clock suspends the realistic policy for its configured delay.
type Clock interface {
	// Sleep waits for d or until ctx is done, returning ctx's error in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock waits on a timer. Used in SHADOW and LIVE.
type RealClock struct{}

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// VirtualClock advances instantly. Used in SIM where time comes from the
// signal timestamps, not the wall clock.
type VirtualClock struct{}

func (VirtualClock) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
