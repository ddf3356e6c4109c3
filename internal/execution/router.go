package execution

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/idhash"
	"copy-mirror/internal/logging"
	"copy-mirror/internal/observability"
)

// Router errors
var (
	// ErrRateLimited is returned when the live order rate limit is exhausted.
	ErrRateLimited = errors.New("live order rate limited")

	// ErrBelowMinimum is returned when the order rounds to zero contracts.
	ErrBelowMinimum = errors.New("order below one contract")
)

// Live order results reported to metrics.
const (
	ResultAccepted    = "accepted"
	ResultRejected    = "rejected"
	ResultError       = "error"
	ResultRateLimited = "rate_limited"
	ResultRiskBlocked = "risk_blocked"
)

// OrderSubmitter submits real orders to the target venue.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, order domain.LiveOrder) (*domain.OrderAck, error)
}

// RouterOptions configures a Router.
type RouterOptions struct {
	Submitter       OrderSubmitter
	Limits          RiskLimits
	OrdersPerMinute int
	Logger          logrus.FieldLogger
	Metrics         observability.Sink
}

// Router turns realistic SimOrders into live orders after risk checks.
type Router struct {
	submitter OrderSubmitter
	risk      *RiskChecker
	limiter   *rate.Limiter
	logger    logrus.FieldLogger
	metrics   observability.Sink
}

// NewRouter creates a Router. OrdersPerMinute <= 0 disables rate limiting.
func NewRouter(opts RouterOptions) *Router {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.OrdersPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.OrdersPerMinute)/60), opts.OrdersPerMinute)
	}
	return &Router{
		submitter: opts.Submitter,
		risk:      NewRiskChecker(opts.Limits),
		limiter:   limiter,
		logger:    logging.OrDiscard(opts.Logger),
		metrics:   observability.OrNop(opts.Metrics),
	}
}

// Build derives the live order for a SimOrder: the limit price quantized to
// cents and the size floored to whole contracts.
func Build(order *domain.SimOrder) (domain.LiveOrder, error) {
	size := int64(math.Floor(order.RequestedSize))
	if size < 1 {
		return domain.LiveOrder{}, fmt.Errorf("%w: %.4f", ErrBelowMinimum, order.RequestedSize)
	}
	price := order.LimitPrice
	if price <= 0 {
		price = order.RequestedPrice
	}
	return domain.LiveOrder{
		ClientOrderID: idhash.ComputeClientOrderID(order.OrderID),
		InstrumentID:  order.InstrumentID,
		Side:          order.Side,
		Action:        order.Action,
		PriceCents:    QuantizeCents(price),
		Size:          size,
	}, nil
}

// Route submits the live counterpart of order if it passes the risk checks
// and the rate limit. A venue rejection is returned as a non-accepted ack,
// not an error.
func (r *Router) Route(ctx context.Context, order *domain.SimOrder, exp Exposure) (*domain.OrderAck, error) {
	live, err := Build(order)
	if err != nil {
		r.metrics.LiveOrder(ResultRiskBlocked)
		return nil, err
	}

	logger := r.logger.WithFields(logrus.Fields{
		"client_order_id": live.ClientOrderID,
		"instrument":      live.InstrumentID,
		"side":            live.Side,
		"action":          live.Action,
		"price_cents":     live.PriceCents,
		"size":            live.Size,
	})

	if err := r.risk.Check(live, exp); err != nil {
		r.metrics.LiveOrder(ResultRiskBlocked)
		logger.WithError(err).Warn("live order blocked by risk check")
		return nil, err
	}
	if !r.limiter.Allow() {
		r.metrics.LiveOrder(ResultRateLimited)
		logger.Warn("live order rate limited")
		return nil, ErrRateLimited
	}

	ack, err := r.submitter.SubmitOrder(ctx, live)
	if err != nil {
		r.metrics.LiveOrder(ResultError)
		return nil, fmt.Errorf("submit live order: %w", err)
	}
	if !ack.Accepted {
		r.metrics.LiveOrder(ResultRejected)
		logger.WithField("reason", ack.Reason).Warn("live order rejected")
		return ack, nil
	}

	r.metrics.LiveOrder(ResultAccepted)
	logger.WithFields(logrus.Fields{
		"venue_order_id": ack.VenueOrderID,
		"filled":         ack.FilledSize,
	}).Info("live order accepted")
	return ack, nil
}
