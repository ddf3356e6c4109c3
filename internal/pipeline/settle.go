package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"copy-mirror/internal/adapters"
	"copy-mirror/internal/domain"
	"copy-mirror/internal/execution"
	"copy-mirror/internal/learner"
	"copy-mirror/internal/ledger"
	"copy-mirror/internal/storage"
)

// settleLoop resolves and marks open instruments every interval.
func (p *Pipeline) settleLoop(ctx context.Context, interval time.Duration) error {
	if p.outcomes == nil && p.marks == nil {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := p.ResolveOpen(ctx); err != nil {
			return err
		}
		if err := p.MarkOpen(ctx); err != nil {
			return err
		}
	}
}

// ResolveOpen asks the outcome source about every instrument with an open
// position or a running simulation and settles the resolved ones. Returns
// the number of instruments settled. Adapter failures are logged and skipped;
// only persistence failures are returned.
func (p *Pipeline) ResolveOpen(ctx context.Context) (int, error) {
	if p.outcomes == nil {
		return 0, nil
	}

	open, err := p.repo.ListOpenInstruments(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list open instruments: %v", ErrFatalPersistence, err)
	}
	ids := append(open, p.inflight.instruments()...)
	sort.Strings(ids)

	settled := 0
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}

		out, err := p.outcomes.Resolve(ctx, id)
		switch {
		case errors.Is(err, adapters.ErrNotResolved):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return settled, ctx.Err()
			}
			p.metrics.AdapterError("resolve")
			p.logger.WithError(err).WithField("instrument", id).Warn("outcome lookup failed")
			continue
		}

		ok, err := p.Settle(ctx, out)
		if err != nil {
			return settled, err
		}
		if ok {
			settled++
		}
	}
	return settled, nil
}

// Settle records outcome, realizes its positions, updates the learner and
// the circuit breaker in the same transaction and halts if the breaker
// tripped. Running simulations on the instrument are cancelled. Returns
// false when the instrument was already settled.
func (p *Pipeline) Settle(ctx context.Context, out *domain.Outcome) (bool, error) {
	if n := p.inflight.expire(out.InstrumentID); n > 0 {
		p.logger.WithFields(logrus.Fields{
			"instrument": out.InstrumentID,
			"cancelled":  n,
		}).Info("instrument resolved during simulation")
	}

	p.controlMu.Lock()
	defer p.controlMu.Unlock()

	obs := p.contexts.take(out.InstrumentID)
	var (
		next       *domain.LearnerState
		breaker    *execution.Breaker
		haltReason string
	)

	_, err := p.ledger.Settle(ctx, out, func(ctx context.Context, tx storage.Tx, settled []ledger.Settlement) error {
		// The transaction may be retried; start from the committed breaker.
		next, haltReason = nil, ""
		breaker = p.breaker.Clone()
		for _, s := range settled {
			if s.Position.Venue != domain.VenueTarget || s.Size == 0 {
				continue
			}
			if reason, tripped := breaker.RecordResult(s.PnL, out.ResolvedAt); tripped {
				haltReason = reason
			}
		}
		if p.persistsControl() {
			if err := tx.PutControlState(ctx, p.controlState(breaker.State(), haltReason, out.ResolvedAt)); err != nil {
				return fmt.Errorf("put control state: %w", err)
			}
		}

		if p.learner == nil {
			return nil
		}
		pnl, size := targetResult(settled)
		if size == 0 {
			return nil
		}
		st, err := p.learner.UpdateTx(ctx, tx, learner.Observation{
			Context:      obs.ctx,
			PnL:          pnl,
			Size:         size,
			Filled:       obs.filled,
			ShortfallBps: obs.shortfallBps,
			ResolvedAt:   out.ResolvedAt,
			Arms:         obs.arms,
		})
		next = st
		return err
	})
	if errors.Is(err, ledger.ErrAlreadyResolved) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: settle %s: %v", ErrFatalPersistence, out.InstrumentID, err)
	}
	if next != nil {
		p.learner.Commit(next)
	}
	p.breaker.Restore(breaker.State())
	if haltReason != "" {
		p.halt(haltReason, out.ResolvedAt)
	}

	equity, err := p.ledger.Equity(ctx)
	if err != nil {
		return true, fmt.Errorf("%w: equity: %v", ErrFatalPersistence, err)
	}
	if reason, tripped := p.breaker.ObserveEquity(equity); tripped {
		p.halt(reason, out.ResolvedAt)
	}
	// Drawdown tracking resumes from the observed equity after a restart.
	if err := p.saveControl(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// targetResult sums realized P&L and closed size of the target venue settlements.
func targetResult(settled []ledger.Settlement) (pnl, size float64) {
	for _, s := range settled {
		if s.Position.Venue != domain.VenueTarget {
			continue
		}
		pnl += s.PnL
		if s.Size < 0 {
			size -= s.Size
		} else {
			size += s.Size
		}
	}
	return pnl, size
}

func (p *Pipeline) halt(reason string, at int64) {
	if err := p.controller.Halt(reason, at); err != nil {
		p.logger.WithError(err).WithField("reason", reason).Warn("breaker tripped, mode unchanged")
	}
}

// MarkOpen marks every open target position at the mid of its current book.
func (p *Pipeline) MarkOpen(ctx context.Context) error {
	if p.marks == nil {
		return nil
	}

	positions, err := p.repo.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("%w: list positions: %v", ErrFatalPersistence, err)
	}
	now := time.Now().UnixMilli()
	if p.now != nil {
		now = p.now().UnixMilli()
	}

	books := make(map[string]*domain.OrderBook)
	for _, pos := range positions {
		if pos.Settled || pos.NetSize == 0 || pos.Venue != domain.VenueTarget {
			continue
		}
		book, ok := books[pos.InstrumentID]
		if !ok {
			book, err = p.marks.GetDepth(ctx, pos.InstrumentID, now)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.metrics.AdapterError("get_depth")
				p.logger.WithError(err).WithField("instrument", pos.InstrumentID).Debug("skip mark")
				books[pos.InstrumentID] = nil
				continue
			}
			books[pos.InstrumentID] = book
		}
		if book == nil {
			continue
		}

		side := book.Side(pos.Side)
		bid, ask := bestBid(side), bestAsk(side)
		if bid <= 0 || ask <= 0 {
			continue
		}
		if err := p.ledger.Mark(ctx, pos.Key(), (bid+ask)/2); err != nil {
			return fmt.Errorf("%w: mark %s: %v", ErrFatalPersistence, pos.Key(), err)
		}
	}
	return nil
}
