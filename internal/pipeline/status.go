package pipeline

import (
	"context"
	"fmt"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/execution"
	"copy-mirror/internal/ledger"
)

// Status is the operator view of a running pipeline.
type Status struct {
	RunID    string                  `json:"run_id"`
	Mode     execution.ModeStatus    `json:"mode"`
	Breaker  execution.BreakerStatus `json:"breaker"`
	Params   []domain.LearnerParam   `json:"params"`
	Updates  int64                   `json:"learner_updates"`
	Baseline ledger.Summary          `json:"baseline"`
	Target   ledger.Summary          `json:"target"`
	Equity   float64                 `json:"equity"`
}

// Status reports mode, breaker, learner parameters and ledger summaries.
func (p *Pipeline) Status(ctx context.Context) (Status, error) {
	st := Status{
		RunID:   p.runID,
		Mode:    p.controller.Status(),
		Breaker: p.breaker.Status(),
	}

	if p.learner != nil {
		ls := p.learner.State()
		st.Params = ls.Params
		st.Updates = ls.UpdateCount
	} else {
		params := p.params.Params()
		st.Params = []domain.LearnerParam{
			{Name: domain.ParamMinMappingConfidence, Value: params.MinMappingConfidence, Min: params.MinMappingConfidence, Max: params.MinMappingConfidence},
			{Name: domain.ParamSlippageBpsBuffer, Value: params.SlippageBpsBuffer, Min: params.SlippageBpsBuffer, Max: params.SlippageBpsBuffer},
			{Name: domain.ParamMaxQtyScale, Value: params.MaxQtyScale, Min: params.MaxQtyScale, Max: params.MaxQtyScale},
		}
	}

	var err error
	if st.Baseline, err = p.ledger.Summary(ctx, domain.VenueBaseline); err != nil {
		return Status{}, err
	}
	if st.Target, err = p.ledger.Summary(ctx, domain.VenueTarget); err != nil {
		return Status{}, err
	}
	if st.Equity, err = p.ledger.Equity(ctx); err != nil {
		return Status{}, err
	}
	return st, nil
}

// Resume leaves HALTED for SHADOW and restarts the breaker from current
// equity. The new state is persisted before it is applied.
func (p *Pipeline) Resume(ctx context.Context) error {
	p.controlMu.Lock()
	defer p.controlMu.Unlock()

	if mode := p.controller.Mode(); mode != domain.ModeHalted {
		return fmt.Errorf("%w: %s -> %s", execution.ErrInvalidTransition, mode, domain.ModeShadow)
	}
	equity, err := p.ledger.Equity(ctx)
	if err != nil {
		return fmt.Errorf("equity: %w", err)
	}

	breaker := p.breaker.Clone()
	breaker.Reset(equity)
	cs := &domain.ControlState{Mode: domain.ModeShadow, Breaker: breaker.State(), UpdatedAt: p.clock()}
	if err := p.putControl(ctx, cs); err != nil {
		return err
	}
	if err := p.controller.Resume(); err != nil {
		return err
	}
	p.breaker.Restore(breaker.State())
	return nil
}

// EnterLive moves SHADOW to LIVE. See execution.Controller.EnterLive.
func (p *Pipeline) EnterLive(confirmation string) error {
	return p.controller.EnterLive(confirmation)
}

// ExitLive moves LIVE back to SHADOW. Neither LIVE transition is persisted:
// a restart always comes back in SHADOW.
func (p *Pipeline) ExitLive() error {
	return p.controller.ExitLive()
}
