package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/storage"
)

// seqKey is the (source, sequence) slot of a signal.
type seqKey struct {
	source   string
	sequence int64
}

// tables holds one copy of every entity map.
type tables struct {
	signals   map[string]*domain.CopySignal
	sequences map[seqKey]string // signal_id by slot
	cursors   map[string]*domain.Cursor
	mappings  map[string]*domain.MarketMapping // by signal_id
	statuses  map[string]*domain.SignalStatus
	orders    map[string]*domain.SimOrder
	fills     map[string]*domain.SimFill
	position  map[domain.PositionKey]*domain.Position
	outcomes  map[string]*domain.Outcome
	runs      map[string]*domain.Run
	learner   *domain.LearnerState
	control   *domain.ControlState
}

func newTables() *tables {
	return &tables{
		signals:   make(map[string]*domain.CopySignal),
		sequences: make(map[seqKey]string),
		cursors:   make(map[string]*domain.Cursor),
		mappings:  make(map[string]*domain.MarketMapping),
		statuses:  make(map[string]*domain.SignalStatus),
		orders:    make(map[string]*domain.SimOrder),
		fills:     make(map[string]*domain.SimFill),
		position:  make(map[domain.PositionKey]*domain.Position),
		outcomes:  make(map[string]*domain.Outcome),
		runs:      make(map[string]*domain.Run),
	}
}

// Repository is an in-memory implementation of storage.Repository.
// Transactions are serialized and staged; a failed transaction leaves no trace.
type Repository struct {
	mu   sync.RWMutex
	data *tables
}

// NewRepository creates a new in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: newTables()}
}

// Compile-time interface check.
var _ storage.Repository = (*Repository)(nil)

// WithTx runs fn against a staged overlay and merges it on success.
// fn must use tx for all reads and writes; calling Repository methods from fn deadlocks.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{base: r.data, staged: newTables()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrCommit, err)
	}

	tx.merge()
	return nil
}

// GetSignal retrieves a signal by id.
func (r *Repository) GetSignal(_ context.Context, signalID string) (*domain.CopySignal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.data.signals[signalID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSignals retrieves signals of a source after a sequence, ordered by sequence ASC.
func (r *Repository) ListSignals(_ context.Context, source string, afterSeq int64, limit int) ([]*domain.CopySignal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.CopySignal
	for _, s := range r.data.signals {
		if s.Source == source && s.Sequence > afterSeq {
			cp := *s
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Sequence < result[j].Sequence
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GetCursor retrieves the cursor of a source.
func (r *Repository) GetCursor(_ context.Context, source string) (*domain.Cursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.data.cursors[source]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// GetMapping retrieves the mapping of a signal.
func (r *Repository) GetMapping(_ context.Context, signalID string) (*domain.MarketMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.data.mappings[signalID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// GetSignalStatus retrieves the terminal marker of a signal.
func (r *Repository) GetSignalStatus(_ context.Context, signalID string) (*domain.SignalStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.data.statuses[signalID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

// GetOrder retrieves a SimOrder by id.
func (r *Repository) GetOrder(_ context.Context, orderID string) (*domain.SimOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.data.orders[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// ListOrdersByRun retrieves orders of a run ordered by (sequence, policy) ASC.
func (r *Repository) ListOrdersByRun(_ context.Context, runID string) ([]*domain.SimOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.SimOrder
	for _, o := range r.data.orders {
		if o.RunID == runID {
			cp := *o
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Sequence != result[j].Sequence {
			return result[i].Sequence < result[j].Sequence
		}
		return result[i].Policy < result[j].Policy
	})
	return result, nil
}

// GetFill retrieves a SimFill by id.
func (r *Repository) GetFill(_ context.Context, fillID string) (*domain.SimFill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.data.fills[fillID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyFill(f), nil
}

// GetPosition retrieves a position by key.
func (r *Repository) GetPosition(_ context.Context, key domain.PositionKey) (*domain.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.data.position[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListPositions retrieves all positions ordered by (venue, instrument, side) ASC.
func (r *Repository) ListPositions(_ context.Context) ([]*domain.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Position, 0, len(r.data.position))
	for _, p := range r.data.position {
		cp := *p
		result = append(result, &cp)
	}
	sortPositions(result)
	return result, nil
}

// ListOpenInstruments returns instruments with unsettled positions.
func (r *Repository) ListOpenInstruments(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, p := range r.data.position {
		if !p.Settled {
			seen[p.InstrumentID] = struct{}{}
		}
	}

	result := make([]string, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Strings(result)
	return result, nil
}

// GetOutcome retrieves the outcome of an instrument.
func (r *Repository) GetOutcome(_ context.Context, instrumentID string) (*domain.Outcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.data.outcomes[instrumentID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// GetLearnerState retrieves the persisted learner state.
func (r *Repository) GetLearnerState(_ context.Context) (*domain.LearnerState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.data.learner == nil {
		return nil, storage.ErrNotFound
	}
	return r.data.learner.Clone(), nil
}

// GetControlState retrieves the persisted mode and breaker state.
func (r *Repository) GetControlState(_ context.Context) (*domain.ControlState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.data.control == nil {
		return nil, storage.ErrNotFound
	}
	cp := *r.data.control
	return &cp, nil
}

// GetRun retrieves a run by id.
func (r *Repository) GetRun(_ context.Context, runID string) (*domain.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.data.runs[runID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *run
	cp.Config = append([]byte(nil), run.Config...)
	return &cp, nil
}

func copyFill(f *domain.SimFill) *domain.SimFill {
	cp := *f
	cp.Levels = append([]domain.FillLevel(nil), f.Levels...)
	return &cp
}

func sortPositions(ps []*domain.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Venue != ps[j].Venue {
			return ps[i].Venue < ps[j].Venue
		}
		if ps[i].InstrumentID != ps[j].InstrumentID {
			return ps[i].InstrumentID < ps[j].InstrumentID
		}
		return ps[i].Side < ps[j].Side
	})
}
