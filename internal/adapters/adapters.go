// Package adapters connects the mirror to the source feed, the target venue
// and the outcome source.
package adapters

import (
	"context"
	"errors"

	"copy-mirror/internal/domain"
)

// Adapter errors
var (
	// ErrTransient marks a failure worth retrying: timeouts, 5xx, 429, dropped connections.
	ErrTransient = errors.New("transient adapter error")

	// ErrNotResolved is returned by OutcomeSource.Resolve while an instrument is open.
	ErrNotResolved = errors.New("instrument not resolved")

	// ErrUnknownInstrument is returned for an instrument the venue does not list.
	ErrUnknownInstrument = errors.New("unknown instrument")
)

// SourceAdapter yields an ordered, at-least-once sequence of source trades.
type SourceAdapter interface {
	Name() string
	// FetchTrades returns trades with timestamp >= since that are currently available.
	FetchTrades(ctx context.Context, since int64) ([]domain.RawTrade, error)
}

// TargetAdapter is the target venue.
type TargetAdapter interface {
	// ListInstruments returns the currently listed instruments.
	ListInstruments(ctx context.Context) ([]domain.Instrument, error)

	// GetDepth returns a depth snapshot of both outcome books as of asOf (ms).
	GetDepth(ctx context.Context, instrumentID string, asOf int64) (*domain.OrderBook, error)

	// SubmitOrder places a real order. Only called in LIVE mode.
	SubmitOrder(ctx context.Context, order domain.LiveOrder) (*domain.OrderAck, error)
}

// OutcomeSource reports instrument resolutions.
type OutcomeSource interface {
	// Resolve returns the outcome of an instrument, or ErrNotResolved.
	Resolve(ctx context.Context, instrumentID string) (*domain.Outcome, error)
}

// SignalPublisher forwards accepted signals to downstream consumers.
type SignalPublisher interface {
	Publish(ctx context.Context, sig *domain.CopySignal) error
	Close() error
}
