// Package ledger keeps per-venue positions and P&L under average-cost accounting.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/logging"
	"copy-mirror/internal/observability"
	"copy-mirror/internal/storage"
)

// Ledger errors
var (
	// ErrFillAlreadyApplied is returned when a fill id has been applied before.
	// Re-application indicates a pipeline bug and is never silently ignored.
	ErrFillAlreadyApplied = errors.New("fill already applied")

	// ErrSettled is returned when a fill targets a position whose instrument has resolved.
	ErrSettled = errors.New("position already settled")

	// ErrAlreadyResolved is returned when an outcome for the instrument exists.
	ErrAlreadyResolved = errors.New("instrument already resolved")
)

var venues = []string{domain.VenueBaseline, domain.VenueTarget}

var sides = []domain.Side{domain.SideYes, domain.SideNo}

// Settlement is one position closed by an outcome.
type Settlement struct {
	Position *domain.Position // state after settlement
	Size     float64          // net size closed by the settlement
	PnL      float64          // realized at settlement
}

// Summary aggregates the positions of one venue.
type Summary struct {
	Venue         string  `json:"venue"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Exposure      float64 `json:"exposure"` // sum of open notional at average cost
	OpenPositions int     `json:"open_positions"`
}

// AfterSettle runs inside the settlement transaction, after positions are
// closed. Returning an error rolls back the outcome and the settlement.
type AfterSettle func(ctx context.Context, tx storage.Tx, settled []Settlement) error

// Options configures a Ledger.
type Options struct {
	Repo             storage.Repository
	StartingBankroll float64
	Logger           logrus.FieldLogger
	Metrics          observability.Sink
}

// Ledger applies fills idempotently and serializes writes per (venue, instrument).
type Ledger struct {
	repo     storage.Repository
	bankroll float64
	locks    *keyedMutex
	logger   logrus.FieldLogger
	metrics  observability.Sink
}

// New creates a Ledger.
func New(opts Options) *Ledger {
	return &Ledger{
		repo:     opts.Repo,
		bankroll: opts.StartingBankroll,
		locks:    newKeyedMutex(),
		logger:   logging.OrDiscard(opts.Logger),
		metrics:  observability.OrNop(opts.Metrics),
	}
}

func lockKey(venue, instrumentID string) string {
	return venue + "|" + instrumentID
}

// Apply persists order and fill and updates the position in one transaction.
// MISSED fills are recorded without touching the position. Returns the
// position after the update, or nil for a MISSED fill.
func (l *Ledger) Apply(ctx context.Context, order *domain.SimOrder, fill *domain.SimFill) (*domain.Position, error) {
	if fill.OrderID != order.OrderID {
		return nil, fmt.Errorf("%w: fill %s belongs to order %s, not %s", storage.ErrInvalidInput, fill.FillID, fill.OrderID, order.OrderID)
	}

	unlock := l.locks.Lock(lockKey(order.Venue, order.InstrumentID))
	defer unlock()

	var out *domain.Position
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		pos, err := l.applyTx(ctx, tx, order, fill)
		out = pos
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Entry pairs a simulated order with its fill.
type Entry struct {
	Order *domain.SimOrder
	Fill  *domain.SimFill
}

// ApplyAll applies every entry and then runs after, all in one transaction.
// Positions are returned in entry order, nil for MISSED fills.
func (l *Ledger) ApplyAll(ctx context.Context, entries []Entry, after func(ctx context.Context, tx storage.Tx) error) ([]*domain.Position, error) {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Fill.OrderID != e.Order.OrderID {
			return nil, fmt.Errorf("%w: fill %s belongs to order %s, not %s", storage.ErrInvalidInput, e.Fill.FillID, e.Fill.OrderID, e.Order.OrderID)
		}
		keys = append(keys, lockKey(e.Order.Venue, e.Order.InstrumentID))
	}
	unlock := l.locks.Lock(keys...)
	defer unlock()

	var out []*domain.Position
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		out = make([]*domain.Position, 0, len(entries))
		for _, e := range entries {
			pos, err := l.applyTx(ctx, tx, e.Order, e.Fill)
			if err != nil {
				return err
			}
			out = append(out, pos)
		}
		if after != nil {
			return after(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		l.publish(ctx)
	}
	return out, nil
}

func (l *Ledger) applyTx(ctx context.Context, tx storage.Tx, order *domain.SimOrder, fill *domain.SimFill) (*domain.Position, error) {
	if _, err := tx.GetFill(ctx, fill.FillID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrFillAlreadyApplied, fill.FillID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("get fill: %w", err)
	}

	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	if err := tx.InsertFill(ctx, fill); err != nil {
		return nil, fmt.Errorf("insert fill: %w", err)
	}

	if fill.FilledSize <= 0 {
		return nil, nil
	}

	key := domain.PositionKey{Venue: order.Venue, InstrumentID: order.InstrumentID, Side: order.Side}
	pos, err := tx.GetPosition(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		pos = &domain.Position{Venue: key.Venue, InstrumentID: key.InstrumentID, Side: key.Side}
	case err != nil:
		return nil, fmt.Errorf("get position: %w", err)
	case pos.Settled:
		return nil, fmt.Errorf("%w: %s", ErrSettled, key)
	}

	if order.Sequence < pos.LastSequence {
		l.logger.WithFields(logrus.Fields{
			"position": key.String(),
			"sequence": order.Sequence,
			"last":     pos.LastSequence,
		}).Warn("fill applied out of ingest order")
	} else {
		pos.LastSequence = order.Sequence
	}

	applyTrade(pos, order.Action, fill.FilledSize, fill.AvgPrice, fill.Fee)
	pos.UpdatedAt = fill.CreatedAt

	if err := tx.PutPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("put position: %w", err)
	}
	return pos, nil
}

// Settle records outcome and realizes every open position of its instrument
// at 1.0 per winning share and 0.0 per losing share, then runs after in the
// same transaction.
func (l *Ledger) Settle(ctx context.Context, outcome *domain.Outcome, after AfterSettle) ([]Settlement, error) {
	keys := make([]string, 0, len(venues))
	for _, v := range venues {
		keys = append(keys, lockKey(v, outcome.InstrumentID))
	}
	unlock := l.locks.Lock(keys...)
	defer unlock()

	var settled []Settlement
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		settled = nil
		if err := tx.InsertOutcome(ctx, outcome); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				return fmt.Errorf("%w: %s", ErrAlreadyResolved, outcome.InstrumentID)
			}
			return fmt.Errorf("insert outcome: %w", err)
		}

		for _, venue := range venues {
			for _, side := range sides {
				key := domain.PositionKey{Venue: venue, InstrumentID: outcome.InstrumentID, Side: side}
				pos, err := tx.GetPosition(ctx, key)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					return fmt.Errorf("get position: %w", err)
				}
				if pos.Settled {
					continue
				}

				size := pos.NetSize
				pnl := settlePosition(pos, outcome.Payout(side))
				pos.UpdatedAt = outcome.ResolvedAt
				if err := tx.PutPosition(ctx, pos); err != nil {
					return fmt.Errorf("put position: %w", err)
				}
				settled = append(settled, Settlement{Position: pos, Size: size, PnL: pnl})
			}
		}

		if after != nil {
			return after(ctx, tx, settled)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"instrument": outcome.InstrumentID,
		"result":     outcome.Result,
		"positions":  len(settled),
	}).Info("instrument settled")
	l.publish(ctx)
	return settled, nil
}

// Mark updates the mark price of a position and its unrealized P&L.
// Marking a missing or settled position is a no-op.
func (l *Ledger) Mark(ctx context.Context, key domain.PositionKey, price float64) error {
	unlock := l.locks.Lock(lockKey(key.Venue, key.InstrumentID))
	defer unlock()

	return l.repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		pos, err := tx.GetPosition(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get position: %w", err)
		}
		if pos.Settled {
			return nil
		}
		markPosition(pos, price)
		return tx.PutPosition(ctx, pos)
	})
}

// Summary aggregates the positions of a venue.
func (l *Ledger) Summary(ctx context.Context, venue string) (Summary, error) {
	positions, err := l.repo.ListPositions(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list positions: %w", err)
	}
	return summarize(venue, positions), nil
}

func summarize(venue string, positions []*domain.Position) Summary {
	s := Summary{Venue: venue}
	for _, p := range positions {
		if p.Venue != venue {
			continue
		}
		s.RealizedPnL += p.RealizedPnL
		s.UnrealizedPnL += p.UnrealizedPnL
		if !p.Settled && p.NetSize != 0 {
			s.Exposure += p.Notional()
			s.OpenPositions++
		}
	}
	return s
}

// Equity returns starting bankroll plus realized and unrealized P&L of the target venue.
func (l *Ledger) Equity(ctx context.Context) (float64, error) {
	s, err := l.Summary(ctx, domain.VenueTarget)
	if err != nil {
		return 0, err
	}
	return l.bankroll + s.RealizedPnL + s.UnrealizedPnL, nil
}

// Position returns the current position for key. Returns storage.ErrNotFound if none.
func (l *Ledger) Position(ctx context.Context, key domain.PositionKey) (*domain.Position, error) {
	return l.repo.GetPosition(ctx, key)
}

func (l *Ledger) publish(ctx context.Context) {
	positions, err := l.repo.ListPositions(ctx)
	if err != nil {
		l.logger.WithError(err).Debug("skip pnl metrics")
		return
	}
	for _, v := range venues {
		s := summarize(v, positions)
		l.metrics.PnL(v, s.RealizedPnL, s.UnrealizedPnL)
		if v == domain.VenueTarget {
			l.metrics.Equity(l.bankroll + s.RealizedPnL + s.UnrealizedPnL)
		}
	}
}
