// Package learner adapts the mapping threshold, slippage buffer and size scale
// from resolved outcomes with an epsilon-greedy contextual bandit.
package learner

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/logging"
	"copy-mirror/internal/observability"
	"copy-mirror/internal/storage"
)

// ParamSpec describes one adaptive parameter.
type ParamSpec struct {
	Name    domain.ParamName
	Arms    []float64 // candidate values
	Min     float64   // safety bounds, applied after every update
	Max     float64
	Default float64 // used until MinUpdates outcomes have been seen
}

// Config holds learner hyperparameters.
type Config struct {
	Specs      []ParamSpec
	Epsilon    float64 // exploration probability
	Lambda     float64 // ridge regularization
	MinUpdates int64
	Seed       int64
}

// DefaultConfig returns the arm grids, bounds and conservative defaults.
func DefaultConfig() Config {
	return Config{
		Specs: []ParamSpec{
			{
				Name:    domain.ParamMinMappingConfidence,
				Arms:    []float64{0.50, 0.55, 0.60, 0.65, 0.70, 0.75, 0.80, 0.85, 0.90, 0.95},
				Min:     0.50,
				Max:     0.95,
				Default: 0.80,
			},
			{
				Name:    domain.ParamSlippageBpsBuffer,
				Arms:    []float64{10, 25, 50, 75, 100, 150, 200},
				Min:     10,
				Max:     200,
				Default: 75,
			},
			{
				Name:    domain.ParamMaxQtyScale,
				Arms:    []float64{0.1, 0.2, 0.3, 0.5, 0.75, 1.0},
				Min:     0.1,
				Max:     1.0,
				Default: 0.3,
			},
		},
		Epsilon:    0.1,
		Lambda:     1.0,
		MinUpdates: 10,
		Seed:       1,
	}
}

// SetBounds replaces the safety bounds of a parameter.
func (c *Config) SetBounds(name domain.ParamName, min, max float64) {
	for i := range c.Specs {
		if c.Specs[i].Name == name {
			c.Specs[i].Min = min
			c.Specs[i].Max = max
		}
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Lambda <= 0 {
		return fmt.Errorf("lambda must be > 0, got %v", c.Lambda)
	}
	if c.Epsilon < 0 || c.Epsilon > 1 {
		return fmt.Errorf("epsilon must be in [0,1], got %v", c.Epsilon)
	}
	for _, s := range c.Specs {
		if len(s.Arms) == 0 {
			return fmt.Errorf("%s: no arms", s.Name)
		}
		if s.Min > s.Max {
			return fmt.Errorf("%s: min %v > max %v", s.Name, s.Min, s.Max)
		}
	}
	return nil
}

// Params is a snapshot of the adaptive values consumed by the pipeline.
type Params struct {
	MinMappingConfidence float64
	SlippageBpsBuffer    float64
	MaxQtyScale          float64

	// Arms holds the arm each value came from. Nil for fixed parameters.
	Arms map[domain.ParamName]int
}

// Options configures a Learner.
type Options struct {
	Config  Config
	Logger  logrus.FieldLogger
	Metrics observability.Sink
}

// Learner holds the committed LearnerState. Updates are computed from that
// state, persisted by the caller's transaction, then committed.
type Learner struct {
	mu      sync.RWMutex
	cfg     Config
	state   *domain.LearnerState
	logger  logrus.FieldLogger
	metrics observability.Sink
}

// New creates a Learner at its initial state.
func New(opts Options) (*Learner, error) {
	cfg := opts.Config
	if len(cfg.Specs) == 0 {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Learner{
		cfg:     cfg,
		logger:  logging.OrDiscard(opts.Logger),
		metrics: observability.OrNop(opts.Metrics),
	}
	state, violations := initialState(cfg)
	l.state = state
	l.report(violations)
	l.publish(state)
	return l, nil
}

// Restore loads persisted state. A missing state keeps the initial one.
// Stored values outside the current bounds are clamped and counted.
func (l *Learner) Restore(ctx context.Context, r storage.LearningReader) error {
	stored, err := r.GetLearnerState(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load learner state: %w", err)
	}

	state, violations := reconcile(l.cfg, stored)
	l.report(violations)

	l.mu.Lock()
	l.state = state
	l.mu.Unlock()

	l.publish(state)
	l.logger.WithFields(logrus.Fields{
		"updates": state.UpdateCount,
		"params":  paramsOf(state),
	}).Info("learner state restored")
	return nil
}

// Params returns the current parameter values.
func (l *Learner) Params() Params {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return paramsOf(l.state)
}

// State returns a copy of the committed state.
func (l *Learner) State() *domain.LearnerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Clone()
}

// UpdateTx computes the state following obs and writes it to tx. The result
// becomes visible through Params only after Commit.
func (l *Learner) UpdateTx(ctx context.Context, tx storage.Tx, obs Observation) (*domain.LearnerState, error) {
	l.mu.RLock()
	next, _ := step(l.cfg, l.state, obs)
	l.mu.RUnlock()

	if err := tx.PutLearnerState(ctx, next); err != nil {
		return nil, fmt.Errorf("put learner state: %w", err)
	}
	return next, nil
}

// Commit makes a persisted state current.
func (l *Learner) Commit(next *domain.LearnerState) {
	if next == nil {
		return
	}

	l.mu.Lock()
	prev := l.state
	l.state = next.Clone()
	l.mu.Unlock()

	if next.Violations > prev.Violations {
		for _, p := range next.Params {
			if p.Value == p.Min || p.Value == p.Max {
				l.metrics.SafetyBoundViolation(string(p.Name))
			}
		}
		l.logger.WithField("violations", next.Violations-prev.Violations).Warn("learner proposal clamped to bounds")
	}
	l.publish(next)
	l.logger.WithFields(logrus.Fields{
		"updates": next.UpdateCount,
		"reward":  next.LastReward,
		"params":  paramsOf(next),
	}).Debug("learner updated")
}

func (l *Learner) report(violations []domain.ParamName) {
	for _, name := range violations {
		l.metrics.SafetyBoundViolation(string(name))
		l.logger.WithField("param", name).Warn("learner value outside bounds, clamped")
	}
}

func (l *Learner) publish(s *domain.LearnerState) {
	for _, p := range s.Params {
		l.metrics.LearnerParam(string(p.Name), p.Value)
	}
}

// step is the pure update rule: credit the reward to the arms that produced
// the order, then pick the next arm per parameter. An observation without
// arms credits each parameter's current arm.
func step(cfg Config, state *domain.LearnerState, obs Observation) (*domain.LearnerState, []domain.ParamName) {
	next := state.Clone()
	x := obs.Context.Vector()
	reward := obs.Reward()

	for _, p := range next.Params {
		arm := p.Arm
		if a, ok := obs.Arms[p.Name]; ok {
			arm = a
		}
		if m := model(next, p.Name, arm); m != nil {
			observe(m, x, reward)
		}
	}

	next.UpdateCount++
	next.LastReward = reward
	next.RewardSum += reward
	next.UpdatedAt = obs.ResolvedAt

	var violations []domain.ParamName
	for i := range next.Params {
		p := &next.Params[i]
		spec := cfg.spec(p.Name)

		arm := defaultArm(spec)
		value := spec.Default
		if next.UpdateCount >= cfg.MinUpdates {
			arm = choose(cfg, next, spec, x)
			value = spec.Arms[arm]
		}

		clamped := clamp(value, spec.Min, spec.Max)
		if clamped != value {
			violations = append(violations, p.Name)
			next.Violations++
		}
		p.Value = clamped
		p.Arm = arm
		p.Min = spec.Min
		p.Max = spec.Max
	}
	return next, violations
}

// choose explores with probability epsilon, otherwise exploits the arm with
// the highest predicted reward (lowest index on ties). Randomness is a hash
// of (seed, update count, parameter), so the choice is reproducible.
func choose(cfg Config, state *domain.LearnerState, spec ParamSpec, x []float64) int {
	if unit(state.Seed, state.UpdateCount, spec.Name, "explore") < cfg.Epsilon {
		return int(draw(state.Seed, state.UpdateCount, spec.Name, "arm") % uint64(len(spec.Arms)))
	}

	best, bestScore := 0, math.Inf(-1)
	for arm := range spec.Arms {
		m := model(state, spec.Name, arm)
		if m == nil {
			continue
		}
		if score := predict(m, x); score > bestScore {
			best, bestScore = arm, score
		}
	}
	return best
}

func draw(seed, count int64, name domain.ParamName, salt string) uint64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%s|%s", seed, count, name, salt)))
	return binary.BigEndian.Uint64(sum[:8])
}

func unit(seed, count int64, name domain.ParamName, salt string) float64 {
	return float64(draw(seed, count, name, salt)>>11) / (1 << 53)
}

func initialState(cfg Config) (*domain.LearnerState, []domain.ParamName) {
	s := &domain.LearnerState{Seed: cfg.Seed}
	var violations []domain.ParamName
	for _, spec := range cfg.Specs {
		value := clamp(spec.Default, spec.Min, spec.Max)
		if value != spec.Default {
			violations = append(violations, spec.Name)
		}
		s.Params = append(s.Params, domain.LearnerParam{
			Name:  spec.Name,
			Value: value,
			Min:   spec.Min,
			Max:   spec.Max,
			Arm:   defaultArm(spec),
		})
		for arm := range spec.Arms {
			s.Models = append(s.Models, newArmModel(spec.Name, arm, cfg.Lambda))
		}
	}
	return s, violations
}

// reconcile adapts a stored state to the current configuration: models for
// unknown arms are reset and values are clamped to the current bounds.
func reconcile(cfg Config, stored *domain.LearnerState) (*domain.LearnerState, []domain.ParamName) {
	fresh, _ := initialState(cfg)
	fresh.UpdateCount = stored.UpdateCount
	fresh.LastReward = stored.LastReward
	fresh.RewardSum = stored.RewardSum
	fresh.Violations = stored.Violations
	fresh.UpdatedAt = stored.UpdatedAt
	if stored.Seed != 0 {
		fresh.Seed = stored.Seed
	}

	for i := range fresh.Models {
		m := &fresh.Models[i]
		if old := model(stored, m.Param, m.Arm); old != nil && len(old.B) == featureDim && len(old.AInv) == featureDim {
			*m = cloneModel(*old)
		}
	}

	var violations []domain.ParamName
	for i := range fresh.Params {
		p := &fresh.Params[i]
		for _, sp := range stored.Params {
			if sp.Name != p.Name {
				continue
			}
			spec := cfg.spec(p.Name)
			p.Value = clamp(sp.Value, spec.Min, spec.Max)
			if p.Value != sp.Value {
				violations = append(violations, p.Name)
				fresh.Violations++
			}
			if sp.Arm >= 0 && sp.Arm < len(spec.Arms) {
				p.Arm = sp.Arm
			}
		}
	}
	return fresh, violations
}

func cloneModel(m domain.ArmModel) domain.ArmModel {
	out := m
	out.AInv = make([][]float64, len(m.AInv))
	for i := range m.AInv {
		out.AInv[i] = append([]float64(nil), m.AInv[i]...)
	}
	out.B = append([]float64(nil), m.B...)
	return out
}

func (c Config) spec(name domain.ParamName) ParamSpec {
	for _, s := range c.Specs {
		if s.Name == name {
			return s
		}
	}
	return ParamSpec{Name: name, Arms: []float64{0}}
}

func defaultArm(spec ParamSpec) int {
	best, bestDist := 0, math.Inf(1)
	for i, v := range spec.Arms {
		if d := math.Abs(v - spec.Default); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func model(s *domain.LearnerState, name domain.ParamName, arm int) *domain.ArmModel {
	for i := range s.Models {
		if s.Models[i].Param == name && s.Models[i].Arm == arm {
			return &s.Models[i]
		}
	}
	return nil
}

func paramsOf(s *domain.LearnerState) Params {
	arms := make(map[domain.ParamName]int, len(s.Params))
	for _, p := range s.Params {
		arms[p.Name] = p.Arm
	}
	return Params{
		MinMappingConfidence: s.Value(domain.ParamMinMappingConfidence),
		SlippageBpsBuffer:    s.Value(domain.ParamSlippageBpsBuffer),
		MaxQtyScale:          s.Value(domain.ParamMaxQtyScale),
		Arms:                 arms,
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
