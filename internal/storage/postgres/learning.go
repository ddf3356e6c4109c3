package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/storage"
)

// Row keys of the singleton state tables.
const (
	learnerStateName = "default"
	controlStateName = "default"
)

func getOutcome(ctx context.Context, q querier, instrumentID string) (*domain.Outcome, error) {
	query := `SELECT instrument_id, result, resolved_at_ms FROM outcomes WHERE instrument_id = $1`

	var o domain.Outcome
	err := q.QueryRow(ctx, query, instrumentID).Scan(&o.InstrumentID, &o.Result, &o.ResolvedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get outcome: %w", err)
	}
	return &o, nil
}

// GetOutcome retrieves the outcome of an instrument.
func (r *Repository) GetOutcome(ctx context.Context, instrumentID string) (*domain.Outcome, error) {
	return getOutcome(ctx, r.pool, instrumentID)
}

// GetLearnerState retrieves the persisted learner state.
func (r *Repository) GetLearnerState(ctx context.Context) (*domain.LearnerState, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT state FROM learner_state WHERE name = $1`, learnerStateName).Scan(&data)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get learner state: %w", err)
	}

	var s domain.LearnerState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode learner state: %w", err)
	}
	return &s, nil
}

// GetControlState retrieves the persisted mode and breaker state.
func (r *Repository) GetControlState(ctx context.Context) (*domain.ControlState, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT state FROM control_state WHERE name = $1`, controlStateName).Scan(&data)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get control state: %w", err)
	}

	var s domain.ControlState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode control state: %w", err)
	}
	return &s, nil
}

// GetRun retrieves a run by id.
func (r *Repository) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	query := `SELECT run_id, mode, delay_ms, config, started_at_ms FROM runs WHERE run_id = $1`

	var run domain.Run
	err := r.pool.QueryRow(ctx, query, runID).Scan(&run.RunID, &run.Mode, &run.DelayMs, &run.Config, &run.StartedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

func (t *pgTx) GetOutcome(ctx context.Context, instrumentID string) (*domain.Outcome, error) {
	return getOutcome(ctx, t.q, instrumentID)
}

func (t *pgTx) InsertOutcome(ctx context.Context, o *domain.Outcome) error {
	if o == nil || o.InstrumentID == "" {
		return storage.ErrInvalidInput
	}

	tag, err := t.q.Exec(ctx, `
		INSERT INTO outcomes (instrument_id, result, resolved_at_ms)
		VALUES ($1, $2, $3)
		ON CONFLICT (instrument_id) DO NOTHING
	`, o.InstrumentID, string(o.Result), o.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

func (t *pgTx) PutLearnerState(ctx context.Context, s *domain.LearnerState) error {
	if s == nil {
		return storage.ErrInvalidInput
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode learner state: %w", err)
	}

	_, err = t.q.Exec(ctx, `
		INSERT INTO learner_state (name, state, update_count, updated_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			state = EXCLUDED.state,
			update_count = EXCLUDED.update_count,
			updated_at_ms = EXCLUDED.updated_at_ms
	`, learnerStateName, data, s.UpdateCount, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put learner state: %w", err)
	}
	return nil
}

func (t *pgTx) PutControlState(ctx context.Context, s *domain.ControlState) error {
	if s == nil || !s.Mode.IsValid() {
		return storage.ErrInvalidInput
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode control state: %w", err)
	}

	_, err = t.q.Exec(ctx, `
		INSERT INTO control_state (name, state, updated_at_ms)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at_ms = EXCLUDED.updated_at_ms
	`, controlStateName, data, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put control state: %w", err)
	}
	return nil
}

func (t *pgTx) InsertRun(ctx context.Context, r *domain.Run) error {
	if r == nil || r.RunID == "" {
		return storage.ErrInvalidInput
	}

	config := r.Config
	if len(config) == 0 {
		config = []byte("{}")
	}

	tag, err := t.q.Exec(ctx, `
		INSERT INTO runs (run_id, mode, delay_ms, config, started_at_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO NOTHING
	`, r.RunID, string(r.Mode), r.DelayMs, config, r.StartedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}
