package ledger

import (
	"math"

	"copy-mirror/internal/domain"
)

// sizeEpsilon treats residual float noise as a flat position.
const sizeEpsilon = 1e-9

// applyTrade updates pos in place for a trade of qty at price under
// average-cost accounting. A reduction realizes (price - avg) per closed unit
// in the direction of the position; a reversal opens the remainder at price.
// The fee is always charged to realized P&L.
func applyTrade(pos *domain.Position, action domain.Action, qty, price, fee float64) {
	delta := action.Sign() * qty
	net := pos.NetSize

	switch {
	case math.Abs(net) < sizeEpsilon || sameSign(net, delta):
		total := math.Abs(net) + qty
		if total > 0 {
			pos.AvgCost = (math.Abs(net)*pos.AvgCost + qty*price) / total
		}
		pos.NetSize = net + delta

	default:
		closed := math.Min(qty, math.Abs(net))
		pos.RealizedPnL += closed * (price - pos.AvgCost) * sign(net)
		pos.NetSize = net + delta

		switch {
		case math.Abs(pos.NetSize) < sizeEpsilon:
			pos.NetSize = 0
			pos.AvgCost = 0
		case !sameSign(pos.NetSize, net):
			pos.AvgCost = price
		}
	}

	pos.RealizedPnL -= fee
	pos.Fees += fee
	pos.FillCount++
	markPosition(pos, pos.MarkPrice)
}

// settlePosition realizes the remaining exposure at payout and returns the
// realized P&L delta.
func settlePosition(pos *domain.Position, payout float64) float64 {
	delta := pos.NetSize * (payout - pos.AvgCost)
	pos.RealizedPnL += delta
	pos.NetSize = 0
	pos.AvgCost = 0
	pos.MarkPrice = payout
	pos.UnrealizedPnL = 0
	pos.Settled = true
	return delta
}

// markPosition sets the mark and recomputes unrealized P&L. A zero mark
// means no price is known yet and leaves unrealized at zero.
func markPosition(pos *domain.Position, mark float64) {
	pos.MarkPrice = mark
	if mark <= 0 || pos.NetSize == 0 {
		pos.UnrealizedPnL = 0
		return
	}
	pos.UnrealizedPnL = pos.NetSize * (mark - pos.AvgCost)
}

func sameSign(a, b float64) bool {
	return (a > 0) == (b > 0)
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
