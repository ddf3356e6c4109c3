package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"copy-mirror/internal/config"
	"copy-mirror/internal/domain"
	"copy-mirror/internal/execution"
	"copy-mirror/internal/learner"
	"copy-mirror/internal/ledger"
	"copy-mirror/internal/mapping"
	"copy-mirror/internal/observability"
	"copy-mirror/internal/simulation"
	"copy-mirror/internal/storage"
)

// CoreDeps are the collaborators the core components are built on.
type CoreDeps struct {
	Repo    storage.Repository
	Catalog mapping.Catalog
	Depth   simulation.DepthSource
	Clock   simulation.Clock // nil uses the wall clock
	Mode    domain.Mode      // SIM or SHADOW
	Logger  logrus.FieldLogger
	Metrics observability.Sink
}

// Core holds the components every pipeline is made of.
type Core struct {
	Mapper     *mapping.Mapper
	Simulator  *simulation.Simulator
	Ledger     *ledger.Ledger
	Controller *execution.Controller
	Breaker    *execution.Breaker

	// Restored is set when controller and breaker resumed a persisted state.
	Restored bool
}

// NewCore builds mapper, simulator, ledger, mode controller and circuit
// breaker from settings. In SHADOW the controller and breaker resume the
// state persisted by the previous process, so a halt survives a restart.
func NewCore(ctx context.Context, s config.Settings, d CoreDeps) (*Core, error) {
	var restored *domain.ControlState
	if d.Mode == domain.ModeShadow || d.Mode == "" {
		cs, err := d.Repo.GetControlState(ctx)
		switch {
		case err == nil:
			restored = cs
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("load control state: %w", err)
		}
	}

	controller, err := execution.NewController(execution.ControllerOptions{
		Initial:     d.Mode,
		LiveEnabled: s.LiveEnabled,
		Restored:    restored,
		Logger:      d.Logger,
		Metrics:     d.Metrics,
	})
	if err != nil {
		return nil, err
	}
	breaker := execution.NewBreaker(execution.BreakerConfig{
		ConsecutiveLossLimit: s.ConsecutiveLossLimit,
		MaxDrawdownPct:       s.MaxDrawdownPct,
	}, s.StartingBankroll)
	if restored != nil {
		breaker.Restore(restored.Breaker)
	}

	fee := s.FeeBps
	if fee == 0 {
		fee = -1 // explicit zero fee
	}

	return &Core{
		Mapper: mapping.NewMapper(mapping.Options{
			Catalog: d.Catalog,
			Window:  s.MatchWindow(),
			Timeout: s.AdapterTimeout(),
			Logger:  d.Logger,
			Metrics: d.Metrics,
		}),
		Simulator: simulation.NewSimulator(simulation.Options{
			Depth: d.Depth,
			Latency: simulation.LatencyModel{
				DriftBpsPerSec: s.DriftBpsPerSec,
				DecayPerSec:    s.DepthDecayPerSec,
			},
			FeeBps:  fee,
			Clock:   d.Clock,
			Logger:  d.Logger,
			Metrics: d.Metrics,
		}),
		Ledger: ledger.New(ledger.Options{
			Repo:             d.Repo,
			StartingBankroll: s.StartingBankroll,
			Logger:           d.Logger,
			Metrics:          d.Metrics,
		}),
		Controller: controller,
		Breaker:    breaker,
		Restored:   restored != nil,
	}, nil
}

// LearnerConfig returns the default arm grids with the configured
// hyperparameters. The mapping threshold starts at MinMappingConfidence,
// clamped to its grid, and the quantity scale is capped at MaxQtyScale.
func LearnerConfig(s config.Settings) learner.Config {
	cfg := learner.DefaultConfig()
	cfg.Epsilon = s.LearningEpsilon
	cfg.Seed = s.LearningSeed
	if s.RidgeLambda > 0 {
		cfg.Lambda = s.RidgeLambda
	}
	if s.LearningMinUpdate > 0 {
		cfg.MinUpdates = s.LearningMinUpdate
	}
	for i := range cfg.Specs {
		spec := &cfg.Specs[i]
		switch {
		case spec.Name == domain.ParamMinMappingConfidence && s.MinMappingConfidence > 0:
			spec.Default = max(spec.Min, min(s.MinMappingConfidence, spec.Max))
		case spec.Name == domain.ParamMaxQtyScale && s.MaxQtyScale > 0:
			spec.Min = min(spec.Min, s.MaxQtyScale)
			spec.Default = min(spec.Default, s.MaxQtyScale)
			cfg.SetBounds(spec.Name, spec.Min, s.MaxQtyScale)
		}
	}
	return cfg
}
