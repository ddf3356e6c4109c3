package simulation

import (
	"sort"

	"copy-mirror/internal/domain"
)

// WalkResult is the outcome of consuming book levels for one order.
type WalkResult struct {
	Filled float64
	VWAP   float64 // 0 when nothing filled
	Levels []domain.FillLevel
}

// WalkBook consumes levels from the best price until size is filled, depth is
// exhausted, or the next level is beyond bound. BUY walks asks ascending and
// accepts prices <= bound; SELL walks bids descending and accepts prices >= bound.
// The input is not modified.
func WalkBook(book domain.BookSide, action domain.Action, size, bound float64) WalkResult {
	levels := sortedLevels(book, action)

	var res WalkResult
	var notional float64
	remaining := size

	for i, lvl := range levels {
		if remaining <= 0 {
			break
		}
		if !withinBound(action, lvl.Price, bound) {
			break
		}
		if lvl.Size <= 0 {
			continue
		}

		take := lvl.Size
		if take > remaining {
			take = remaining
		}
		res.Levels = append(res.Levels, domain.FillLevel{Level: i, Price: lvl.Price, Size: take})
		res.Filled += take
		notional += take * lvl.Price
		remaining -= take
	}

	if res.Filled > 0 {
		res.VWAP = notional / res.Filled
	}
	return res
}

func withinBound(action domain.Action, price, bound float64) bool {
	if action == domain.ActionSell {
		return price >= bound
	}
	return price <= bound
}

// sortedLevels returns the side of the book an order consumes, best price first.
func sortedLevels(book domain.BookSide, action domain.Action) []domain.DepthLevel {
	var src []domain.DepthLevel
	if action == domain.ActionSell {
		src = book.Bids
	} else {
		src = book.Asks
	}

	levels := make([]domain.DepthLevel, len(src))
	copy(levels, src)

	if action == domain.ActionSell {
		sort.SliceStable(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
	} else {
		sort.SliceStable(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	}
	return levels
}

// PriceBound returns the worst acceptable price for an order at ref with a
// buffer in basis points.
func PriceBound(action domain.Action, ref, bufferBps float64) float64 {
	if action == domain.ActionSell {
		return ref * (1 - bufferBps/10000)
	}
	return ref * (1 + bufferBps/10000)
}

// SlippageBps returns the adverse deviation of vwap from ref in basis points.
// Positive means worse than the reference for the order's direction.
func SlippageBps(action domain.Action, ref, vwap float64) float64 {
	if ref <= 0 || vwap <= 0 {
		return 0
	}
	if action == domain.ActionSell {
		return (ref - vwap) / ref * 10000
	}
	return (vwap - ref) / ref * 10000
}

// ShortfallBps is the implementation shortfall of an order: the filled portion
// at its VWAP plus the missed portion charged at the limit price, relative to
// the reference price. Unlike SlippageBps it never improves when depth
// within the bound disappears.
func ShortfallBps(order *domain.SimOrder, fill *domain.SimFill) float64 {
	ref := order.RequestedPrice
	if ref <= 0 || order.RequestedSize <= 0 {
		return 0
	}
	cost := fill.FilledSize*fill.AvgPrice + fill.MissedSize*order.LimitPrice
	base := order.RequestedSize * ref
	if order.Action == domain.ActionSell {
		return (base - cost) / base * 10000
	}
	return (cost - base) / base * 10000
}
