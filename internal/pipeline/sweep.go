package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"copy-mirror/internal/adapters"
	"copy-mirror/internal/config"
	"copy-mirror/internal/domain"
	"copy-mirror/internal/idhash"
	"copy-mirror/internal/ingestion"
	"copy-mirror/internal/learner"
	"copy-mirror/internal/logging"
	"copy-mirror/internal/observability"
	"copy-mirror/internal/simulation"
	"copy-mirror/internal/storage"
	"copy-mirror/internal/storage/memory"
)

// SweepOptions configures a SIM latency sweep.
type SweepOptions struct {
	Trades   []domain.RawTrade
	Source   string
	Target   adapters.TargetAdapter
	Outcomes adapters.OutcomeSource
	Settings config.Settings
	// Delays defaults to Settings.SweepLatenciesMs.
	Delays []time.Duration
	// Params defaults to the configured static parameters.
	Params ParamSource
	// NewLearner, when set, gives every replay its own fresh learner in
	// place of Params.
	NewLearner func() (*learner.Learner, error)
	Analytics storage.AnalyticsStore
	Logger    logrus.FieldLogger
	Metrics   observability.Sink
}

// Sweep replays the same trades once per delay, each in a fresh in-memory
// repository under SIM, and summarizes the realistic policy per delay.
// Results are ordered by delay and written to Analytics when set.
func Sweep(ctx context.Context, opts SweepOptions) ([]*domain.SweepResult, error) {
	delays := opts.Delays
	if len(delays) == 0 {
		for _, ms := range opts.Settings.SweepLatenciesMs {
			delays = append(delays, time.Duration(ms)*time.Millisecond)
		}
	}
	if len(delays) == 0 {
		delays = []time.Duration{opts.Settings.DefaultLatency()}
	}
	if opts.Params == nil {
		opts.Params = ParamsFromSettings(opts.Settings)
	}
	logger := logging.OrDiscard(opts.Logger)

	results := make([]*domain.SweepResult, 0, len(delays))
	for _, delay := range delays {
		res, err := ReplayOnce(ctx, opts, delay)
		if err != nil {
			return nil, fmt.Errorf("replay at %s: %w", delay, err)
		}
		logger.WithFields(logrus.Fields{
			"delay_ms":      res.DelayMs,
			"signals":       res.Signals,
			"fill_rate":     res.FillRate,
			"slip_bps":      res.AvgSlippageBps,
			"shortfall_bps": res.AvgShortfallBps,
			"pnl":           res.RealizedPnL,
		}).Info("sweep delay finished")
		results = append(results, res)
	}
	simulation.SortSweepResults(results)

	if opts.Analytics != nil {
		if err := opts.Analytics.InsertSweepResults(ctx, results); err != nil {
			return results, fmt.Errorf("insert sweep results: %w", err)
		}
	}
	return results, nil
}

// ReplayOnce runs one SIM replay of opts.Trades at delay.
func ReplayOnce(ctx context.Context, opts SweepOptions, delay time.Duration) (*domain.SweepResult, error) {
	repo := memory.NewRepository()
	runID := uuid.NewString()
	source := opts.Source
	if source == "" {
		source = "replay"
	}

	signals, last, err := ingestAll(ctx, repo, source, opts)
	if err != nil {
		return nil, err
	}

	core, err := NewCore(ctx, opts.Settings, CoreDeps{
		Repo:    repo,
		Catalog: opts.Target,
		Depth:   opts.Target,
		Clock:   simulation.VirtualClock{},
		Mode:    domain.ModeSim,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	var l *learner.Learner
	params := opts.Params
	if opts.NewLearner != nil {
		if l, err = opts.NewLearner(); err != nil {
			return nil, fmt.Errorf("learner: %w", err)
		}
		params = nil
	}

	p, err := New(Options{
		Repo:       repo,
		Mapper:     core.Mapper,
		Simulator:  core.Simulator,
		Ledger:     core.Ledger,
		Controller: core.Controller,
		Breaker:    core.Breaker,
		Learner:    l,
		Params:     params,
		Outcomes:   opts.Outcomes,
		Analytics:  opts.Analytics,
		RunID:      runID,
		Delay:      delay,
		Workers:    opts.Settings.SimulationWorkers,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	if err := RecordRun(ctx, repo, runID, domain.ModeSim, delay, opts.Settings, last); err != nil {
		return nil, err
	}
	if err := p.Replay(ctx, signals); err != nil {
		return nil, err
	}
	return summarizeRun(ctx, repo, core, runID, delay, signals, last)
}

func ingestAll(ctx context.Context, repo storage.Repository, source string, opts SweepOptions) ([]*domain.CopySignal, int64, error) {
	trades := append([]domain.RawTrade(nil), opts.Trades...)
	ingestion.SortTrades(trades)

	var last int64
	ing := ingestion.NewIngestor(ingestion.Options{
		Repo:    repo,
		Source:  source,
		Now:     func() time.Time { return time.UnixMilli(last) },
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})

	var signals []*domain.CopySignal
	for _, t := range trades {
		last = max(last, t.Timestamp)
		res, err := ing.Ingest(ctx, t)
		if errors.Is(err, ingestion.ErrInvalidTrade) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		if !res.Duplicate {
			signals = append(signals, res.Signal)
		}
	}
	return signals, last, nil
}

// RecordRun persists a run record with a JSON snapshot of settings.
// Credentials are blanked in the snapshot.
func RecordRun(ctx context.Context, repo storage.Repository, runID string, mode domain.Mode, delay time.Duration, s config.Settings, startedAt int64) error {
	s.TargetAPIKey = ""
	s.PostgresDSN = ""
	s.ClickhouseDSN = ""
	snapshot, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	run := &domain.Run{
		RunID:     runID,
		Mode:      mode,
		DelayMs:   delay.Milliseconds(),
		Config:    snapshot,
		StartedAt: startedAt,
	}
	return repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertRun(ctx, run)
	})
}

func summarizeRun(ctx context.Context, repo storage.Repository, core *Core, runID string, delay time.Duration, signals []*domain.CopySignal, createdAt int64) (*domain.SweepResult, error) {
	acc := simulation.NewSweepAccumulator(runID, delay.Milliseconds())

	orders, err := repo.ListOrdersByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	for _, o := range orders {
		if o.Policy != domain.PolicyRealistic {
			continue
		}
		fill, err := repo.GetFill(ctx, idhash.ComputeFillID(o.OrderID))
		if err != nil {
			return nil, fmt.Errorf("get fill of %s: %w", o.OrderID, err)
		}
		acc.Add(o, fill)
	}

	for _, sig := range signals {
		st, err := repo.GetSignalStatus(ctx, sig.SignalID)
		if err != nil {
			return nil, fmt.Errorf("get status of %s: %w", sig.SignalID, err)
		}
		switch st.State {
		case domain.SignalExpired:
			acc.AddExpired()
		case domain.SignalDataUnavailable:
			acc.AddUnavailable()
		}
	}

	sum, err := core.Ledger.Summary(ctx, domain.VenueTarget)
	if err != nil {
		return nil, err
	}
	return acc.Result(sum.RealizedPnL, createdAt), nil
}
