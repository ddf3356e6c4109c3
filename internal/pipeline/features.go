package pipeline

import (
	"math"
	"sync"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/learner"
	"copy-mirror/internal/simulation"
)

// recentWindow is the number of realistic fills averaged into the
// recent fill rate and shortfall features.
const recentWindow = 20

// foldFunc receives the rolling statistics as of its sequence and returns the
// realistic fill to add to them, nil for none.
type foldFunc func(recentFill, recentShortfall float64) *domain.SimFill

// statsGate keeps rolling realistic fill statistics, folded in ingest
// sequence order whatever order the simulations finish in. Every sequence
// from the start position must complete exactly once.
type statsGate struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]foldFunc
	rates   []float64
	shorts  []float64
}

func newStatsGate(start int64) *statsGate {
	return &statsGate{next: start, pending: make(map[int64]foldFunc)}
}

// complete records seq with its fold, nil when seq produced no realistic
// fill, and runs every fold that is now contiguous. Sequences below the
// start position are ignored.
func (g *statsGate) complete(seq int64, fold foldFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if seq < g.next {
		return
	}
	g.pending[seq] = fold
	for {
		f, ok := g.pending[g.next]
		if !ok {
			return
		}
		delete(g.pending, g.next)
		g.next++
		if f == nil {
			continue
		}
		if fill := f(mean(g.rates, 1), mean(g.shorts, 0)); fill != nil {
			g.rates = appendWindow(g.rates, fill.FillRate())
			g.shorts = appendWindow(g.shorts, fill.ShortfallBps)
		}
	}
}

func appendWindow(xs []float64, v float64) []float64 {
	xs = append(xs, v)
	if len(xs) > recentWindow {
		xs = xs[len(xs)-recentWindow:]
	}
	return xs
}

func mean(xs []float64, empty float64) float64 {
	if len(xs) == 0 {
		return empty
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// observed is the learner context captured at the last realistic fill of an instrument.
type observed struct {
	ctx          learner.Context
	filled       bool
	shortfallBps float64
	arms         map[domain.ParamName]int // arms the order was sized and bounded with
}

// contextStore holds the latest observed context per instrument until settlement.
type contextStore struct {
	mu sync.Mutex
	m  map[string]observed
}

func newContextStore() *contextStore {
	return &contextStore{m: make(map[string]observed)}
}

func (c *contextStore) put(instrumentID string, o observed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[instrumentID] = o
}

// take returns and forgets the context of an instrument. An instrument
// filled before a restart has no context and yields the zero value.
func (c *contextStore) take(instrumentID string) observed {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.m[instrumentID]
	delete(c.m, instrumentID)
	return o
}

// marketContext derives learner features from the book the realistic policy walked.
func marketContext(sig *domain.CopySignal, m *domain.MarketMapping, res simulation.Result, recentFill, recentShortfall float64) learner.Context {
	c := learner.Context{RecentFillRate: recentFill, RecentShortfallBps: recentShortfall}

	bid, ask := bestBid(res.Book), bestAsk(res.Book)
	mid := sig.Price
	if bid > 0 && ask > 0 {
		mid = (bid + ask) / 2
		c.SpreadBps = (ask - bid) / mid * 10000
	}
	if sig.Price > 0 {
		c.Volatility = math.Abs(mid-sig.Price) / sig.Price
	}
	if m.TargetExpiresAt > sig.Timestamp {
		c.TimeToExpiryMin = float64(m.TargetExpiresAt-sig.Timestamp) / 60000
	}

	bound := res.Order.LimitPrice
	if sig.Action == domain.ActionSell {
		for _, l := range res.Book.Bids {
			if l.Price >= bound {
				c.Depth += l.Size
			}
		}
	} else {
		for _, l := range res.Book.Asks {
			if l.Price <= bound {
				c.Depth += l.Size
			}
		}
	}
	return c
}

func bestBid(b domain.BookSide) float64 {
	best := 0.0
	for _, l := range b.Bids {
		if l.Size > 0 && l.Price > best {
			best = l.Price
		}
	}
	return best
}

func bestAsk(b domain.BookSide) float64 {
	best := 0.0
	for _, l := range b.Asks {
		if l.Size > 0 && (best == 0 || l.Price < best) {
			best = l.Price
		}
	}
	return best
}
