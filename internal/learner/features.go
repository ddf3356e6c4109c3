package learner

import (
	"math"

	"copy-mirror/internal/domain"
)

// featureDim is the length of the context vector including the bias term.
const featureDim = 7

// Context is the market state observed around a resolved position.
type Context struct {
	SpreadBps          float64 // best ask - best bid, relative to mid
	Depth              float64 // shares within the slippage bound
	Volatility         float64 // |mid - reference| / reference
	TimeToExpiryMin    float64 // minutes from signal to close
	RecentFillRate     float64 // [0, 1]
	RecentShortfallBps float64
}

// Vector returns the normalized feature vector with a trailing bias of 1.
func (c Context) Vector() []float64 {
	return []float64{
		bounded(c.SpreadBps / 100),
		math.Min(bounded(c.Depth/1000), 1),
		bounded(c.Volatility * 100),
		bounded(c.TimeToExpiryMin / 60),
		bounded(c.RecentFillRate),
		bounded(c.RecentShortfallBps / 100),
		1,
	}
}

// Observation is one resolved outcome fed to the learner.
type Observation struct {
	Context      Context
	PnL          float64 // realized on the target venue
	Size         float64 // shares the P&L was earned on
	Filled       bool
	ShortfallBps float64
	ResolvedAt   int64 // ms

	// Arms the order was placed with, from Params.Arms.
	Arms map[domain.ParamName]int
}

// Reward is realized P&L per share, plus a bonus for getting filled and a
// penalty for implementation shortfall.
func (o Observation) Reward() float64 {
	r := o.PnL
	if o.Size > 0 {
		r = o.PnL / o.Size
	}
	if o.Filled {
		r += 0.1
	}
	return r - o.ShortfallBps/1000
}

func bounded(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-10, math.Min(10, v))
}
