package execution

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"copy-mirror/internal/domain"
)

// ErrRiskLimit is returned when a live order would breach a risk limit.
var ErrRiskLimit = errors.New("risk limit")

var hundred = decimal.NewFromInt(100)

// RiskLimits are the live trading limits in USD.
type RiskLimits struct {
	MaxPositionUSD      float64
	MaxTotalExposureUSD float64
	DailyLossLimitUSD   float64
}

// Exposure is the current state the risk check runs against.
type Exposure struct {
	PositionUSD float64 // open notional on the order's instrument
	TotalUSD    float64 // open notional across instruments
	DailyPnL    float64 // realized today, negative for a loss
}

// RiskChecker validates live orders against RiskLimits using decimal arithmetic.
type RiskChecker struct {
	maxPosition decimal.Decimal
	maxTotal    decimal.Decimal
	dailyLoss   decimal.Decimal
}

// NewRiskChecker creates a RiskChecker. A zero limit disables that check.
func NewRiskChecker(limits RiskLimits) *RiskChecker {
	return &RiskChecker{
		maxPosition: decimal.NewFromFloat(limits.MaxPositionUSD),
		maxTotal:    decimal.NewFromFloat(limits.MaxTotalExposureUSD),
		dailyLoss:   decimal.NewFromFloat(limits.DailyLossLimitUSD),
	}
}

// Notional returns the USD cost of a live order.
func Notional(o domain.LiveOrder) decimal.Decimal {
	return decimal.NewFromInt(o.PriceCents).Div(hundred).Mul(decimal.NewFromInt(o.Size))
}

// Check returns an ErrRiskLimit-wrapped error if the order breaches a limit.
// Sells reduce exposure and are only subject to the daily loss limit.
func (r *RiskChecker) Check(o domain.LiveOrder, exp Exposure) error {
	if r.dailyLoss.IsPositive() && decimal.NewFromFloat(exp.DailyPnL).Neg().GreaterThanOrEqual(r.dailyLoss) {
		return fmt.Errorf("%w: daily loss %.2f reached limit %s", ErrRiskLimit, -exp.DailyPnL, r.dailyLoss)
	}
	if o.Action == domain.ActionSell {
		return nil
	}

	notional := Notional(o)
	if pos := decimal.NewFromFloat(exp.PositionUSD).Add(notional); r.maxPosition.IsPositive() && pos.GreaterThan(r.maxPosition) {
		return fmt.Errorf("%w: position %s exceeds %s", ErrRiskLimit, pos.StringFixed(2), r.maxPosition)
	}
	if total := decimal.NewFromFloat(exp.TotalUSD).Add(notional); r.maxTotal.IsPositive() && total.GreaterThan(r.maxTotal) {
		return fmt.Errorf("%w: total exposure %s exceeds %s", ErrRiskLimit, total.StringFixed(2), r.maxTotal)
	}
	return nil
}

// QuantizeCents converts a probability price to whole cents in [1, 99].
func QuantizeCents(price float64) int64 {
	cents := decimal.NewFromFloat(price).Mul(hundred).Round(0).IntPart()
	if cents < 1 {
		return 1
	}
	if cents > 99 {
		return 99
	}
	return cents
}
