package storage

import (
	"context"

	"copy-mirror/internal/domain"
)

// SignalReader provides read access to signals, cursors and their terminal markers.
type SignalReader interface {
	// GetSignal retrieves a signal by id. Returns ErrNotFound if not exists.
	GetSignal(ctx context.Context, signalID string) (*domain.CopySignal, error)

	// ListSignals retrieves signals of a source with sequence > afterSeq, ordered by sequence ASC.
	// limit <= 0 means no limit.
	ListSignals(ctx context.Context, source string, afterSeq int64, limit int) ([]*domain.CopySignal, error)

	// GetCursor retrieves the ingestion cursor of a source. Returns ErrNotFound if not exists.
	GetCursor(ctx context.Context, source string) (*domain.Cursor, error)

	// GetMapping retrieves the mapping of a signal. Returns ErrNotFound if not mapped.
	GetMapping(ctx context.Context, signalID string) (*domain.MarketMapping, error)

	// GetSignalStatus retrieves the terminal marker of a signal. Returns ErrNotFound if not exists.
	GetSignalStatus(ctx context.Context, signalID string) (*domain.SignalStatus, error)
}

// ExecutionReader provides read access to simulated orders, fills and positions.
type ExecutionReader interface {
	// GetOrder retrieves a SimOrder by id. Returns ErrNotFound if not exists.
	GetOrder(ctx context.Context, orderID string) (*domain.SimOrder, error)

	// ListOrdersByRun retrieves all orders of a run, ordered by (sequence, policy) ASC.
	ListOrdersByRun(ctx context.Context, runID string) ([]*domain.SimOrder, error)

	// GetFill retrieves a SimFill by id. Returns ErrNotFound if not exists.
	GetFill(ctx context.Context, fillID string) (*domain.SimFill, error)

	// GetPosition retrieves a position by key. Returns ErrNotFound if not exists.
	GetPosition(ctx context.Context, key domain.PositionKey) (*domain.Position, error)

	// ListPositions retrieves all positions ordered by (venue, instrument, side) ASC.
	ListPositions(ctx context.Context) ([]*domain.Position, error)

	// ListOpenInstruments returns instrument ids with at least one unsettled position, sorted ASC.
	ListOpenInstruments(ctx context.Context) ([]string, error)
}

// LearningReader provides read access to outcomes, learner state and runs.
type LearningReader interface {
	// GetOutcome retrieves the outcome of an instrument. Returns ErrNotFound if unresolved.
	GetOutcome(ctx context.Context, instrumentID string) (*domain.Outcome, error)

	// GetLearnerState retrieves the persisted learner state. Returns ErrNotFound if never saved.
	GetLearnerState(ctx context.Context) (*domain.LearnerState, error)

	// GetRun retrieves a run by id. Returns ErrNotFound if not exists.
	GetRun(ctx context.Context, runID string) (*domain.Run, error)

	// GetControlState retrieves the persisted mode and breaker state. Returns ErrNotFound if never saved.
	GetControlState(ctx context.Context) (*domain.ControlState, error)
}

// Reader is the read side of the repository.
type Reader interface {
	SignalReader
	ExecutionReader
	LearningReader
}

// Tx is a unit of work. Writes become visible to other readers only when the
// enclosing WithTx returns nil; on error nothing is persisted.
type Tx interface {
	GetSignal(ctx context.Context, signalID string) (*domain.CopySignal, error)
	GetCursor(ctx context.Context, source string) (*domain.Cursor, error)
	GetOrder(ctx context.Context, orderID string) (*domain.SimOrder, error)
	GetFill(ctx context.Context, fillID string) (*domain.SimFill, error)
	GetPosition(ctx context.Context, key domain.PositionKey) (*domain.Position, error)
	GetOutcome(ctx context.Context, instrumentID string) (*domain.Outcome, error)

	// InsertSignal adds a signal. Returns ErrDuplicateKey if signal_id exists
	// and ErrSequenceConflict if (source, sequence) is taken by another signal.
	InsertSignal(ctx context.Context, s *domain.CopySignal) error

	// PutCursor stores a cursor. Returns ErrInvalidInput if it would move backwards.
	PutCursor(ctx context.Context, c *domain.Cursor) error

	// InsertMapping adds a mapping. Returns ErrDuplicateKey if the signal is already mapped.
	InsertMapping(ctx context.Context, m *domain.MarketMapping) error

	// PutSignalStatus stores the terminal marker of a signal, replacing a previous one.
	PutSignalStatus(ctx context.Context, st *domain.SignalStatus) error

	// InsertOrder adds a SimOrder. Returns ErrDuplicateKey if order_id exists.
	InsertOrder(ctx context.Context, o *domain.SimOrder) error

	// InsertFill adds a SimFill. Returns ErrDuplicateKey if fill_id exists.
	InsertFill(ctx context.Context, f *domain.SimFill) error

	// PutPosition inserts or replaces a position.
	PutPosition(ctx context.Context, p *domain.Position) error

	// InsertOutcome adds an outcome. Returns ErrDuplicateKey if the instrument is resolved.
	InsertOutcome(ctx context.Context, o *domain.Outcome) error

	// PutLearnerState replaces the learner state.
	PutLearnerState(ctx context.Context, s *domain.LearnerState) error

	// PutControlState replaces the mode and breaker state.
	PutControlState(ctx context.Context, s *domain.ControlState) error

	// InsertRun adds a run record. Returns ErrDuplicateKey if run_id exists.
	InsertRun(ctx context.Context, r *domain.Run) error
}

// Repository is the transactional store for every mirror entity.
type Repository interface {
	Reader

	// WithTx runs fn in one all-or-nothing transaction.
	// Errors from fn are returned unchanged; commit failures wrap ErrCommit.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// AnalyticsStore is an append-only sink for simulation analytics.
type AnalyticsStore interface {
	// InsertFillRecords appends fill analytics rows.
	InsertFillRecords(ctx context.Context, records []*domain.FillRecord) error

	// InsertSweepResults appends latency sweep rows. Fails on duplicate (run_id, delay_ms).
	InsertSweepResults(ctx context.Context, results []*domain.SweepResult) error

	// GetSweepResults retrieves sweep rows of a run ordered by delay ASC.
	GetSweepResults(ctx context.Context, runID string) ([]*domain.SweepResult, error)
}
