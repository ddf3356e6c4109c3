// Package execution gates the pipeline behind the SIM/SHADOW/LIVE/HALTED mode
// state machine and routes live orders through risk checks.
package execution

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/logging"
	"copy-mirror/internal/observability"
)

// ConfirmationPhrase must be supplied verbatim to enter LIVE.
const ConfirmationPhrase = "I UNDERSTAND THE RISKS"

// Mode errors
var (
	// ErrInvalidTransition is returned for a transition the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid mode transition")

	// ErrLiveNotEnabled is returned when LIVE is requested without the enable flag.
	ErrLiveNotEnabled = errors.New("live trading not enabled")

	// ErrNotConfirmed is returned when the confirmation phrase does not match.
	ErrNotConfirmed = errors.New("live trading not confirmed")
)

// ModeStatus is a snapshot of the controller.
type ModeStatus struct {
	Mode        domain.Mode `json:"mode"`
	LiveEnabled bool        `json:"live_enabled"`
	HaltReason  string      `json:"halt_reason,omitempty"`
	HaltedAt    int64       `json:"halted_at,omitempty"`
	Transitions int         `json:"transitions"`
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Initial     domain.Mode // SIM or SHADOW; defaults to SHADOW
	LiveEnabled bool

	// Restored is the state persisted by a previous SHADOW process. A HALTED
	// state is resumed as HALTED, anything else as Initial. Ignored in SIM.
	Restored *domain.ControlState

	Logger  logrus.FieldLogger
	Metrics observability.Sink
}

// Controller holds the current execution mode. All methods are safe for
// concurrent use.
type Controller struct {
	mu          sync.RWMutex
	mode        domain.Mode
	liveEnabled bool
	haltReason  string
	haltedAt    int64
	transitions int

	logger  logrus.FieldLogger
	metrics observability.Sink
}

// NewController creates a Controller. LIVE and HALTED are never initial
// modes; HALTED is only reached by restoring a halted state.
func NewController(opts ControllerOptions) (*Controller, error) {
	initial := opts.Initial
	if initial == "" {
		initial = domain.ModeShadow
	}
	if initial != domain.ModeSim && initial != domain.ModeShadow {
		return nil, fmt.Errorf("%w: cannot start in %s", ErrInvalidTransition, initial)
	}

	c := &Controller{
		mode:        initial,
		liveEnabled: opts.LiveEnabled,
		logger:      logging.OrDiscard(opts.Logger),
		metrics:     observability.OrNop(opts.Metrics),
	}
	if r := opts.Restored; r != nil && initial == domain.ModeShadow && r.Mode == domain.ModeHalted {
		c.mode = domain.ModeHalted
		c.haltReason = r.HaltReason
		c.haltedAt = r.HaltedAt
		c.logger.WithFields(logrus.Fields{
			"reason":    r.HaltReason,
			"halted_at": r.HaltedAt,
		}).Warn("resuming halted from previous run")
	}
	c.metrics.Mode(string(c.mode))
	return c, nil
}

// Mode returns the current mode.
func (c *Controller) Mode() domain.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() ModeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ModeStatus{
		Mode:        c.mode,
		LiveEnabled: c.liveEnabled,
		HaltReason:  c.haltReason,
		HaltedAt:    c.haltedAt,
		Transitions: c.transitions,
	}
}

// AllowsOrders reports whether new SimOrders may be created.
func (c *Controller) AllowsOrders() bool {
	return c.Mode() != domain.ModeHalted
}

// CanHalt reports whether Halt would move the controller to HALTED.
func (c *Controller) CanHalt() bool {
	m := c.Mode()
	return m == domain.ModeShadow || m == domain.ModeLive
}

// RoutesLive reports whether real orders are submitted.
func (c *Controller) RoutesLive() bool {
	return c.Mode() == domain.ModeLive
}

// EnterLive moves SHADOW to LIVE. Requires the enable flag and the exact
// confirmation phrase.
func (c *Controller) EnterLive(confirmation string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != domain.ModeShadow {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.mode, domain.ModeLive)
	}
	if !c.liveEnabled {
		return ErrLiveNotEnabled
	}
	if confirmation != ConfirmationPhrase {
		return ErrNotConfirmed
	}
	c.transition(domain.ModeLive, "operator confirmed")
	return nil
}

// ExitLive moves LIVE back to SHADOW.
func (c *Controller) ExitLive() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != domain.ModeLive {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.mode, domain.ModeShadow)
	}
	c.transition(domain.ModeShadow, "operator exit")
	return nil
}

// Halt moves SHADOW or LIVE to HALTED. Halting an already halted controller
// is a no-op. SIM replays are never halted.
func (c *Controller) Halt(reason string, at int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.mode {
	case domain.ModeHalted:
		return nil
	case domain.ModeShadow, domain.ModeLive:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.mode, domain.ModeHalted)
	}

	c.haltReason = reason
	c.haltedAt = at
	c.transition(domain.ModeHalted, reason)
	c.metrics.BreakerTripped(reason)
	return nil
}

// Resume moves HALTED to SHADOW. LIVE must be re-confirmed afterwards.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != domain.ModeHalted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.mode, domain.ModeShadow)
	}
	c.haltReason = ""
	c.haltedAt = 0
	c.transition(domain.ModeShadow, "operator resume")
	return nil
}

// transition must be called with mu held.
func (c *Controller) transition(to domain.Mode, reason string) {
	from := c.mode
	c.mode = to
	c.transitions++
	c.metrics.Mode(string(to))

	entry := c.logger.WithFields(logrus.Fields{
		"from":   from,
		"to":     to,
		"reason": reason,
	})
	if to == domain.ModeHalted || to == domain.ModeLive {
		entry.Warn("execution mode changed")
		return
	}
	entry.Info("execution mode changed")
}
