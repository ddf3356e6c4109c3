// Package pipeline runs mapped signals through both fill policies into the
// ledger, one logical pipeline per source wallet, and settles resolved
// instruments into the learner and the circuit breaker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"copy-mirror/internal/adapters"
	"copy-mirror/internal/domain"
	"copy-mirror/internal/execution"
	"copy-mirror/internal/ingestion"
	"copy-mirror/internal/learner"
	"copy-mirror/internal/ledger"
	"copy-mirror/internal/logging"
	"copy-mirror/internal/mapping"
	"copy-mirror/internal/observability"
	"copy-mirror/internal/simulation"
	"copy-mirror/internal/storage"
)

// Pipeline errors
var (
	// ErrFatalPersistence aborts the pipeline when the repository cannot
	// guarantee a transaction. It requires operator intervention.
	ErrFatalPersistence = errors.New("fatal persistence error")

	// errInstrumentResolved rolls back an apply whose instrument settled meanwhile.
	errInstrumentResolved = errors.New("instrument resolved")
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	signalPageSize   = 1000
)

// Options configures a Pipeline.
type Options struct {
	Repo       storage.Repository
	Mapper     *mapping.Mapper
	Simulator  *simulation.Simulator
	Ledger     *ledger.Ledger
	Controller *execution.Controller
	Breaker    *execution.Breaker

	// Router submits live orders while the controller is LIVE. Nil disables routing.
	Router *execution.Router
	// Learner is updated on every target settlement. Nil disables learning.
	Learner *learner.Learner
	// Params defaults to Learner.
	Params ParamSource
	// Outcomes resolves open instruments. Nil disables settlement.
	Outcomes adapters.OutcomeSource
	// Marks prices open positions for unrealized P&L. Optional.
	Marks simulation.DepthSource
	// Analytics receives fill records. Optional.
	Analytics storage.AnalyticsStore

	RunID     string
	Delay     time.Duration // realistic policy latency
	Workers   int           // concurrent simulations, default 4
	QueueSize int           // per-wallet queue length, default 256

	// Now stamps status rows. Nil uses the signal timestamp, which keeps SIM
	// replays reproducible.
	Now     func() time.Time
	Logger  logrus.FieldLogger
	Metrics observability.Sink
}

// Pipeline wires mapping, simulation, the ledger and settlement. Run or
// Replay may be called once per Pipeline.
type Pipeline struct {
	repo       storage.Repository
	mapper     *mapping.Mapper
	sim        *simulation.Simulator
	ledger     *ledger.Ledger
	controller *execution.Controller
	breaker    *execution.Breaker
	router     *execution.Router
	learner    *learner.Learner
	params     ParamSource
	outcomes   adapters.OutcomeSource
	marks      simulation.DepthSource

	runID     string
	delay     time.Duration
	queueSize int
	now       func() time.Time
	logger    logrus.FieldLogger
	metrics   observability.Sink

	seq      *Sequencer
	slots    chan struct{}
	inflight *inflight
	contexts *contextStore
	stats    *statsGate
	rec      *recorder

	// controlMu serializes breaker updates with the mode transitions that
	// persist them.
	controlMu sync.Mutex

	mu     sync.Mutex
	group  *errgroup.Group
	queues map[string]chan *domain.CopySignal
}

// New creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Repo == nil:
		return nil, errors.New("pipeline: repository is required")
	case opts.Mapper == nil || opts.Simulator == nil || opts.Ledger == nil:
		return nil, errors.New("pipeline: mapper, simulator and ledger are required")
	case opts.Controller == nil || opts.Breaker == nil:
		return nil, errors.New("pipeline: controller and breaker are required")
	case opts.RunID == "":
		return nil, errors.New("pipeline: run id is required")
	}

	params := opts.Params
	if params == nil {
		if opts.Learner == nil {
			return nil, errors.New("pipeline: params or learner is required")
		}
		params = opts.Learner
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := logging.OrDiscard(opts.Logger).WithField("run_id", opts.RunID)

	return &Pipeline{
		repo:       opts.Repo,
		mapper:     opts.Mapper,
		sim:        opts.Simulator,
		ledger:     opts.Ledger,
		controller: opts.Controller,
		breaker:    opts.Breaker,
		router:     opts.Router,
		learner:    opts.Learner,
		params:     params,
		outcomes:   opts.Outcomes,
		marks:      opts.Marks,
		runID:      opts.RunID,
		delay:      opts.Delay,
		queueSize:  queueSize,
		now:        opts.Now,
		logger:     logger,
		metrics:    observability.OrNop(opts.Metrics),
		slots:      make(chan struct{}, workers),
		inflight:   newInflight(),
		contexts:   newContextStore(),
		rec:        newRecorder(opts.Analytics, logger),
		queues:     make(map[string]chan *domain.CopySignal),
	}, nil
}

// RunID returns the run id stamped on every SimOrder.
func (p *Pipeline) RunID() string { return p.runID }

// Run recovers signals left unprocessed by a previous process, then ingests
// from src and settles open instruments every poll interval until ctx is
// cancelled or a fatal error occurs. Cancellation returns nil.
func (p *Pipeline) Run(ctx context.Context, ing *ingestion.Ingestor, src ingestion.TradeSource, poll time.Duration) error {
	defer p.rec.close()
	if poll <= 0 {
		poll = ingestion.DefaultPollInterval
	}

	backlog, err := p.recover(ctx, ing.Source())
	if err != nil {
		return err
	}
	if len(backlog) > 0 {
		p.logger.WithField("signals", len(backlog)).Info("reprocessing unfinished signals")
	}

	g, gctx := errgroup.WithContext(ctx)
	p.start(g)

	g.Go(func() error {
		for _, sig := range backlog {
			if err := p.Submit(gctx, sig); err != nil {
				return err
			}
		}
		return ing.Run(gctx, src, p.Submit, poll)
	})
	g.Go(func() error { return p.settleLoop(gctx, poll) })

	err = g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Replay processes signals to completion in sequence order, then settles
// every instrument the outcome source has resolved. Used by SIM.
func (p *Pipeline) Replay(ctx context.Context, signals []*domain.CopySignal) error {
	defer p.rec.close()
	if len(signals) == 0 {
		return nil
	}

	p.seq = NewSequencer(signals[0].Sequence)
	p.stats = newStatsGate(signals[0].Sequence)
	g, gctx := errgroup.WithContext(ctx)
	p.start(g)

	g.Go(func() error {
		defer p.closeQueues()
		for _, sig := range signals {
			if err := p.Submit(gctx, sig); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	_, err := p.ResolveOpen(ctx)
	return err
}

func (p *Pipeline) start(g *errgroup.Group) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.group = g
}

// Submit enqueues sig on its wallet's pipeline, starting the pipeline on
// first use. It blocks while the queue is full. Signals must be submitted in
// sequence order.
func (p *Pipeline) Submit(ctx context.Context, sig *domain.CopySignal) error {
	q := p.queue(ctx, sig.Wallet)
	select {
	case q <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) queue(ctx context.Context, wallet string) chan *domain.CopySignal {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[wallet]
	if !ok {
		q = make(chan *domain.CopySignal, p.queueSize)
		p.queues[wallet] = q
		p.group.Go(func() error { return p.worker(ctx, wallet, q) })
	}
	return q
}

func (p *Pipeline) closeQueues() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range p.queues {
		close(q)
	}
}

// worker maps one wallet's signals in order and hands mapped ones to the
// simulation slots.
func (p *Pipeline) worker(ctx context.Context, wallet string, in <-chan *domain.CopySignal) error {
	logger := p.logger.WithField("wallet", wallet)
	logger.Debug("wallet pipeline started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-in:
			if !ok {
				return nil
			}
			if err := p.handle(ctx, sig); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, sig *domain.CopySignal) error {
	params := p.params.Params()

	d, err := p.mapper.Map(ctx, sig, params.MinMappingConfidence)
	if err != nil {
		p.pass(sig.Sequence)
		return err
	}
	if !d.Mapped() {
		p.pass(sig.Sequence)
		return p.finish(ctx, sig, nil, d.State, d.Reason)
	}

	m := d.Mapping
	if !p.controller.AllowsOrders() {
		p.pass(sig.Sequence)
		return p.finish(ctx, sig, m, domain.SignalSkippedHalted, "")
	}

	p.seq.Resolve(sig.Sequence, m.TargetInstrument)
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.seq.Done(sig.Sequence)
		p.stats.complete(sig.Sequence, nil)
		return ctx.Err()
	}
	p.group.Go(func() error {
		defer p.seq.Done(sig.Sequence)
		return p.simulate(ctx, sig, m, params)
	})
	return nil
}

// pass resolves seq as touching no instrument and producing no fill.
func (p *Pipeline) pass(seq int64) {
	p.seq.Resolve(seq, "")
	p.stats.complete(seq, nil)
}

// simulate runs both policies in parallel and applies their fills together
// with the mapping and the MAPPED marker in one transaction. The caller holds
// a slot; it is released before waiting for the instrument's turn.
func (p *Pipeline) simulate(ctx context.Context, sig *domain.CopySignal, m *domain.MarketMapping, params learner.Params) error {
	var fold foldFunc
	defer func() { p.stats.complete(sig.Sequence, fold) }()

	var once sync.Once
	releaseSlot := func() { once.Do(func() { <-p.slots }) }
	defer releaseSlot()

	simCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	release := p.inflight.add(m.TargetInstrument, cancel)
	defer release()

	if _, err := p.repo.GetOutcome(ctx, m.TargetInstrument); err == nil {
		p.metrics.Expired()
		return p.finish(ctx, sig, m, domain.SignalExpired, "resolved before simulation")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: get outcome: %v", ErrFatalPersistence, err)
	}

	var exact, real simulation.Result
	g, gctx := errgroup.WithContext(simCtx)
	g.Go(func() error {
		exact = p.sim.Exact(sig, m, p.runID)
		return nil
	})
	g.Go(func() error {
		var err error
		real, err = p.sim.Realistic(gctx, sig, m, simulation.Params{
			SlippageBpsBuffer: params.SlippageBpsBuffer,
			MaxQtyScale:       params.MaxQtyScale,
			Delay:             p.delay,
		}, p.runID)
		return err
	})
	err := g.Wait()
	switch {
	case errors.Is(err, simulation.ErrExpired):
		return p.finish(ctx, sig, m, domain.SignalExpired, "resolved during delay")
	case errors.Is(err, simulation.ErrDataUnavailable):
		return p.finish(ctx, sig, m, domain.SignalDataUnavailable, err.Error())
	case err != nil:
		return err
	}

	releaseSlot()
	if err := p.seq.Wait(ctx, sig.Sequence, m.TargetInstrument); err != nil {
		return err
	}
	if !p.controller.AllowsOrders() {
		return p.finish(ctx, sig, m, domain.SignalSkippedHalted, "")
	}

	status := &domain.SignalStatus{SignalID: sig.SignalID, State: domain.SignalMapped, UpdatedAt: p.stamp(sig)}
	entries := []ledger.Entry{{Order: exact.Order, Fill: exact.Fill}, {Order: real.Order, Fill: real.Fill}}
	_, err = p.ledger.ApplyAll(ctx, entries, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetOutcome(ctx, m.TargetInstrument); err == nil {
			return errInstrumentResolved
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("get outcome: %w", err)
		}
		if err := insertMapping(ctx, tx, m); err != nil {
			return err
		}
		return tx.PutSignalStatus(ctx, status)
	})
	switch {
	case errors.Is(err, errInstrumentResolved), errors.Is(err, ledger.ErrSettled):
		p.metrics.Expired()
		return p.finish(ctx, sig, m, domain.SignalExpired, "resolved before apply")
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: apply fills of %s: %v", ErrFatalPersistence, sig.SignalID, err)
	}

	fold = func(recentFill, recentShortfall float64) *domain.SimFill {
		p.contexts.put(m.TargetInstrument, observed{
			ctx:          marketContext(sig, m, real, recentFill, recentShortfall),
			filled:       real.Fill.FilledSize > 0,
			shortfallBps: real.Fill.ShortfallBps,
			arms:         params.Arms,
		})
		return real.Fill
	}
	p.rec.add(fillRecord(sig, m, exact))
	p.rec.add(fillRecord(sig, m, real))

	p.logger.WithFields(logrus.Fields{
		"signal_id":  sig.SignalID,
		"sequence":   sig.Sequence,
		"instrument": m.TargetInstrument,
		"status":     real.Fill.Status,
		"filled":     real.Fill.FilledSize,
		"vwap":       real.Fill.AvgPrice,
		"slip_bps":   real.Fill.SlippageBps,
		"short_bps":  real.Fill.ShortfallBps,
	}).Debug("signal simulated")

	if p.router != nil && p.controller.RoutesLive() && real.Fill.FilledSize > 0 {
		p.routeLive(ctx, real.Order)
	}
	return nil
}

// routeLive submits the live counterpart of a realistic order. Failures are
// logged, never propagated.
func (p *Pipeline) routeLive(ctx context.Context, order *domain.SimOrder) {
	exp := execution.Exposure{DailyPnL: p.breaker.DailyPnL()}

	key := domain.PositionKey{Venue: domain.VenueTarget, InstrumentID: order.InstrumentID, Side: order.Side}
	if pos, err := p.ledger.Position(ctx, key); err == nil {
		exp.PositionUSD = pos.Notional()
	}
	if sum, err := p.ledger.Summary(ctx, domain.VenueTarget); err == nil {
		exp.TotalUSD = sum.Exposure
	}

	if _, err := p.router.Route(ctx, order, exp); err != nil {
		p.logger.WithError(err).WithField("order_id", order.OrderID).Warn("live order not placed")
	}
}

// finish records a terminal marker, and the mapping when there is one.
func (p *Pipeline) finish(ctx context.Context, sig *domain.CopySignal, m *domain.MarketMapping, state domain.SignalState, reason string) error {
	status := &domain.SignalStatus{SignalID: sig.SignalID, State: state, Reason: reason, UpdatedAt: p.stamp(sig)}
	err := p.repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if m != nil {
			if err := insertMapping(ctx, tx, m); err != nil {
				return err
			}
		}
		return tx.PutSignalStatus(ctx, status)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: record %s of %s: %v", ErrFatalPersistence, state, sig.SignalID, err)
	}

	p.logger.WithFields(logrus.Fields{
		"signal_id": sig.SignalID,
		"state":     state,
		"reason":    reason,
	}).Debug("signal finished")
	return nil
}

func insertMapping(ctx context.Context, tx storage.Tx, m *domain.MarketMapping) error {
	if err := tx.InsertMapping(ctx, m); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		return fmt.Errorf("insert mapping: %w", err)
	}
	return nil
}

func (p *Pipeline) stamp(sig *domain.CopySignal) int64 {
	if p.now != nil {
		return p.now().UnixMilli()
	}
	return sig.Timestamp
}

// recover returns the signals of source that have no terminal marker, in
// sequence order, and positions the sequencer at the first of them.
func (p *Pipeline) recover(ctx context.Context, source string) ([]*domain.CopySignal, error) {
	var (
		backlog []*domain.CopySignal
		done    []int64 // processed sequences after the first unprocessed one
		after   int64
	)
	for {
		page, err := p.repo.ListSignals(ctx, source, after, signalPageSize)
		if err != nil {
			return nil, fmt.Errorf("%w: list signals: %v", ErrFatalPersistence, err)
		}
		for _, sig := range page {
			after = sig.Sequence
			_, err := p.repo.GetSignalStatus(ctx, sig.SignalID)
			switch {
			case err == nil:
				if len(backlog) > 0 {
					done = append(done, sig.Sequence)
				}
			case errors.Is(err, storage.ErrNotFound):
				backlog = append(backlog, sig)
			default:
				return nil, fmt.Errorf("%w: get signal status: %v", ErrFatalPersistence, err)
			}
		}
		if len(page) < signalPageSize {
			break
		}
	}

	start := after + 1
	if len(backlog) > 0 {
		start = backlog[0].Sequence
	} else if cur, err := p.repo.GetCursor(ctx, source); err == nil {
		start = cur.Position + 1
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: get cursor: %v", ErrFatalPersistence, err)
	}

	p.seq = NewSequencer(start)
	p.stats = newStatsGate(start)
	for _, seq := range done {
		p.pass(seq)
	}
	return backlog, nil
}

// inflight tracks cancel functions of running simulations per instrument.
type inflight struct {
	mu   sync.Mutex
	next int
	m    map[string]map[int]context.CancelCauseFunc
}

func newInflight() *inflight {
	return &inflight{m: make(map[string]map[int]context.CancelCauseFunc)}
}

func (f *inflight) add(instrumentID string, cancel context.CancelCauseFunc) (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	if f.m[instrumentID] == nil {
		f.m[instrumentID] = make(map[int]context.CancelCauseFunc)
	}
	f.m[instrumentID][id] = cancel
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.m[instrumentID], id)
		if len(f.m[instrumentID]) == 0 {
			delete(f.m, instrumentID)
		}
	}
}

// expire cancels every running simulation on instrumentID with ErrExpired.
func (f *inflight) expire(instrumentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cancel := range f.m[instrumentID] {
		cancel(simulation.ErrExpired)
	}
	return len(f.m[instrumentID])
}

func (f *inflight) instruments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.m))
	for id := range f.m {
		out = append(out, id)
	}
	return out
}
