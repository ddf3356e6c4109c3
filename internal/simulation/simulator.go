// Package simulation runs the exact-copy and realistic fill policies.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/idhash"
	"copy-mirror/internal/logging"
	"copy-mirror/internal/observability"
)

// Simulator errors
var (
	// ErrExpired is returned when the target instrument closes or resolves
	// before the realistic policy's delay elapses.
	ErrExpired = errors.New("instrument expired before simulation completed")

	// ErrDataUnavailable is returned when target depth cannot be fetched.
	ErrDataUnavailable = errors.New("target depth unavailable")
)

// DefaultFeeBps is the target venue fee on filled notional.
const DefaultFeeBps = 70

// DepthSource provides order book snapshots.
type DepthSource interface {
	GetDepth(ctx context.Context, instrumentID string, asOf int64) (*domain.OrderBook, error)
}

// Params are the Learner-controlled inputs of the realistic policy.
type Params struct {
	SlippageBpsBuffer float64
	MaxQtyScale       float64
	Delay             time.Duration
}

// Result pairs a simulated order with its fill.
type Result struct {
	Order *domain.SimOrder
	Fill  *domain.SimFill
	Book  domain.BookSide // degraded book the realistic policy walked
}

// Options configures a Simulator.
type Options struct {
	Depth   DepthSource
	Latency LatencyModel
	FeeBps  float64 // default DefaultFeeBps; negative means no fee
	Clock   Clock   // default RealClock
	Logger  logrus.FieldLogger
	Metrics observability.Sink
}

// Simulator produces SimOrders and SimFills for mapped signals.
type Simulator struct {
	depth   DepthSource
	latency LatencyModel
	feeBps  float64
	clock   Clock
	logger  logrus.FieldLogger
	metrics observability.Sink
}

// NewSimulator creates a Simulator.
func NewSimulator(opts Options) *Simulator {
	s := &Simulator{
		depth:   opts.Depth,
		latency: opts.Latency,
		feeBps:  opts.FeeBps,
		clock:   opts.Clock,
		logger:  logging.OrDiscard(opts.Logger),
		metrics: observability.OrNop(opts.Metrics),
	}
	if s.feeBps == 0 {
		s.feeBps = DefaultFeeBps
	} else if s.feeBps < 0 {
		s.feeBps = 0
	}
	if s.clock == nil {
		s.clock = RealClock{}
	}
	return s
}

// Exact fills the full source size at the source price, instantly.
func (s *Simulator) Exact(sig *domain.CopySignal, mapping *domain.MarketMapping, runID string) Result {
	order := &domain.SimOrder{
		OrderID:        idhash.ComputeOrderID(sig.SignalID, domain.PolicyExact, runID),
		RunID:          runID,
		SignalID:       sig.SignalID,
		Sequence:       sig.Sequence,
		Policy:         domain.PolicyExact,
		Venue:          domain.VenueBaseline,
		InstrumentID:   mapping.TargetInstrument,
		Side:           sig.Side,
		Action:         sig.Action,
		RequestedPrice: sig.Price,
		RequestedSize:  sig.Size,
		LimitPrice:     sig.Price,
		SubmittedAt:    sig.Timestamp,
	}

	fill := &domain.SimFill{
		FillID:     idhash.ComputeFillID(order.OrderID),
		OrderID:    order.OrderID,
		Status:     domain.FillFilled,
		FilledSize: sig.Size,
		AvgPrice:   sig.Price,
		Fee:        s.fee(sig.Size, sig.Price),
		Levels:     []domain.FillLevel{{Level: 0, Price: sig.Price, Size: sig.Size}},
		CreatedAt:  sig.Timestamp,
	}

	s.metrics.Fill(string(domain.PolicyExact), string(fill.Status), 1, 0)
	return Result{Order: order, Fill: fill}
}

// Realistic waits for the delay, snapshots target depth as of signal time +
// delay, degrades it by the latency model and walks it within the slippage
// bound. expiresAt is the target instrument's close (ms, 0 if unknown).
//
// Returns ErrExpired when the instrument closes before the snapshot time, or
// when ctx is cancelled with ErrExpired as its cause. Other ctx errors are
// returned as-is. A depth fetch failure returns ErrDataUnavailable with the
// order that would have been placed.
func (s *Simulator) Realistic(ctx context.Context, sig *domain.CopySignal, mapping *domain.MarketMapping, params Params, runID string) (Result, error) {
	delayMs := params.Delay.Milliseconds()
	asOf := sig.Timestamp + delayMs
	expiresAt := mapping.TargetExpiresAt

	if expiresAt != 0 && asOf >= expiresAt {
		s.metrics.Expired()
		return Result{}, ErrExpired
	}

	scale := params.MaxQtyScale
	if scale <= 0 || scale > 1 {
		scale = 1
	}
	size := sig.Size * scale

	order := &domain.SimOrder{
		OrderID:        idhash.ComputeOrderID(sig.SignalID, domain.PolicyRealistic, runID),
		RunID:          runID,
		SignalID:       sig.SignalID,
		Sequence:       sig.Sequence,
		Policy:         domain.PolicyRealistic,
		Venue:          domain.VenueTarget,
		InstrumentID:   mapping.TargetInstrument,
		Side:           sig.Side,
		Action:         sig.Action,
		RequestedPrice: sig.Price,
		RequestedSize:  size,
		LimitPrice:     PriceBound(sig.Action, sig.Price, params.SlippageBpsBuffer),
		DelayMs:        delayMs,
		SubmittedAt:    asOf,
	}

	if err := s.clock.Sleep(ctx, params.Delay); err != nil {
		if errors.Is(context.Cause(ctx), ErrExpired) {
			s.metrics.Expired()
			return Result{}, ErrExpired
		}
		return Result{}, err
	}

	book, err := s.depth.GetDepth(ctx, mapping.TargetInstrument, asOf)
	if err != nil {
		if ctx.Err() != nil {
			if errors.Is(context.Cause(ctx), ErrExpired) {
				s.metrics.Expired()
				return Result{}, ErrExpired
			}
			return Result{}, ctx.Err()
		}
		s.metrics.AdapterError("get_depth")
		s.logger.WithError(err).WithFields(logrus.Fields{
			"signal_id":  sig.SignalID,
			"instrument": mapping.TargetInstrument,
		}).Warn("depth unavailable")
		return Result{Order: order}, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}

	side := s.latency.Apply(book.Side(sig.Side), params.Delay)
	walk := WalkBook(side, sig.Action, size, order.LimitPrice)
	fill := s.buildFill(order, walk, asOf)
	fill.BookAsOf = book.AsOf

	s.metrics.Fill(string(domain.PolicyRealistic), string(fill.Status), fill.FillRate(), fill.ShortfallBps)
	return Result{Order: order, Fill: fill, Book: side}, nil
}

func (s *Simulator) buildFill(order *domain.SimOrder, walk WalkResult, createdAt int64) *domain.SimFill {
	fill := &domain.SimFill{
		FillID:     idhash.ComputeFillID(order.OrderID),
		OrderID:    order.OrderID,
		FilledSize: walk.Filled,
		MissedSize: order.RequestedSize - walk.Filled,
		AvgPrice:   walk.VWAP,
		Levels:     walk.Levels,
		CreatedAt:  createdAt,
	}
	if fill.MissedSize < 1e-12 {
		fill.MissedSize = 0
	}

	switch {
	case walk.Filled <= 0:
		fill.Status = domain.FillMissed
		fill.AvgPrice = 0
	case fill.MissedSize > 0:
		fill.Status = domain.FillPartial
	default:
		fill.Status = domain.FillFilled
	}

	if walk.Filled > 0 {
		fill.SlippageBps = SlippageBps(order.Action, order.RequestedPrice, walk.VWAP)
		fill.Fee = s.fee(walk.Filled, walk.VWAP)
	}
	fill.ShortfallBps = ShortfallBps(order, fill)
	return fill
}

func (s *Simulator) fee(size, price float64) float64 {
	return size * price * s.feeBps / 10000
}

// String describes a result for logs.
func (r Result) String() string {
	if r.Fill == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s %s %.4g@%.4f (%.1f bps shortfall)", r.Order.Policy, r.Fill.Status, r.Fill.FilledSize, r.Fill.AvgPrice, r.Fill.ShortfallBps)
}
