package pipeline

import (
	"context"
	"fmt"
	"time"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/storage"
)

// controlState is the controller and breaker state to persist. A non-empty
// haltReason records the HALTED the caller is about to apply.
func (p *Pipeline) controlState(breaker domain.BreakerState, haltReason string, at int64) *domain.ControlState {
	mode := p.controller.Status()
	cs := &domain.ControlState{
		Mode:       mode.Mode,
		HaltReason: mode.HaltReason,
		HaltedAt:   mode.HaltedAt,
		Breaker:    breaker,
		UpdatedAt:  p.clock(),
	}
	if haltReason != "" && p.controller.CanHalt() {
		cs.Mode = domain.ModeHalted
		cs.HaltReason = haltReason
		cs.HaltedAt = at
	}
	return cs
}

// persistsControl is false in SIM, whose replays never halt and must not
// overwrite the state of a SHADOW process sharing the database.
func (p *Pipeline) persistsControl() bool {
	return p.controller.Mode() != domain.ModeSim
}

func (p *Pipeline) putControl(ctx context.Context, cs *domain.ControlState) error {
	if !p.persistsControl() {
		return nil
	}
	err := p.repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutControlState(ctx, cs)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: put control state: %v", ErrFatalPersistence, err)
	}
	return nil
}

// saveControl persists the current controller and breaker state.
func (p *Pipeline) saveControl(ctx context.Context) error {
	return p.putControl(ctx, p.controlState(p.breaker.State(), "", 0))
}

func (p *Pipeline) clock() int64 {
	if p.now != nil {
		return p.now().UnixMilli()
	}
	return time.Now().UnixMilli()
}
