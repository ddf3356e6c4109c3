package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/storage"
)

const signalColumns = `
	signal_id, source, sequence, wallet, trade_id, instrument_ref, instrument_title,
	side, action, price, size, timestamp_ms, expires_at_ms, strike, ingested_at_ms
`

func scanSignal(row pgx.Row) (*domain.CopySignal, error) {
	var s domain.CopySignal
	err := row.Scan(
		&s.SignalID, &s.Source, &s.Sequence, &s.Wallet, &s.TradeID, &s.InstrumentRef, &s.InstrumentTitle,
		&s.Side, &s.Action, &s.Price, &s.Size, &s.Timestamp, &s.ExpiresAt, &s.Strike, &s.IngestedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func getSignal(ctx context.Context, q querier, signalID string) (*domain.CopySignal, error) {
	row := q.QueryRow(ctx, `SELECT `+signalColumns+` FROM copy_signals WHERE signal_id = $1`, signalID)
	s, err := scanSignal(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get signal: %w", err)
	}
	return s, nil
}

func getCursor(ctx context.Context, q querier, source string) (*domain.Cursor, error) {
	query := `
		SELECT source, position, last_signal_id, last_timestamp_ms, updated_at_ms
		FROM ingest_cursors
		WHERE source = $1
	`

	var c domain.Cursor
	err := q.QueryRow(ctx, query, source).Scan(&c.Source, &c.Position, &c.LastSignalID, &c.LastTimestamp, &c.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return &c, nil
}

// GetSignal retrieves a signal by id.
func (r *Repository) GetSignal(ctx context.Context, signalID string) (*domain.CopySignal, error) {
	return getSignal(ctx, r.pool, signalID)
}

// ListSignals retrieves signals of a source after a sequence, ordered by sequence ASC.
func (r *Repository) ListSignals(ctx context.Context, source string, afterSeq int64, limit int) ([]*domain.CopySignal, error) {
	query := `SELECT ` + signalColumns + ` FROM copy_signals WHERE source = $1 AND sequence > $2 ORDER BY sequence ASC`
	args := []any{source, afterSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var result []*domain.CopySignal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signals: %w", err)
	}
	return result, nil
}

// GetCursor retrieves the cursor of a source.
func (r *Repository) GetCursor(ctx context.Context, source string) (*domain.Cursor, error) {
	return getCursor(ctx, r.pool, source)
}

// GetMapping retrieves the mapping of a signal.
func (r *Repository) GetMapping(ctx context.Context, signalID string) (*domain.MarketMapping, error) {
	query := `
		SELECT mapping_id, signal_id, source_instrument, target_instrument, score,
			underlying_match, time_proximity, contract_type_match, strike_similarity,
			target_expires_ms, candidate_count, created_at_ms
		FROM market_mappings
		WHERE signal_id = $1
	`

	var m domain.MarketMapping
	err := r.pool.QueryRow(ctx, query, signalID).Scan(
		&m.MappingID, &m.SignalID, &m.SourceInstrument, &m.TargetInstrument, &m.Score,
		&m.Features.UnderlyingMatch, &m.Features.TimeProximity, &m.Features.ContractTypeMatch, &m.Features.StrikeSimilarity,
		&m.TargetExpiresAt, &m.CandidateCount, &m.CreatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	return &m, nil
}

// GetSignalStatus retrieves the terminal marker of a signal.
func (r *Repository) GetSignalStatus(ctx context.Context, signalID string) (*domain.SignalStatus, error) {
	query := `SELECT signal_id, state, reason, updated_at_ms FROM signal_statuses WHERE signal_id = $1`

	var st domain.SignalStatus
	err := r.pool.QueryRow(ctx, query, signalID).Scan(&st.SignalID, &st.State, &st.Reason, &st.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get signal status: %w", err)
	}
	return &st, nil
}

func (t *pgTx) GetSignal(ctx context.Context, signalID string) (*domain.CopySignal, error) {
	return getSignal(ctx, t.q, signalID)
}

func (t *pgTx) GetCursor(ctx context.Context, source string) (*domain.Cursor, error) {
	return getCursor(ctx, t.q, source)
}

func (t *pgTx) InsertSignal(ctx context.Context, s *domain.CopySignal) error {
	if s == nil || s.SignalID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO copy_signals (` + signalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (signal_id) DO NOTHING
	`

	tag, err := t.q.Exec(ctx, query,
		s.SignalID, s.Source, s.Sequence, s.Wallet, s.TradeID, s.InstrumentRef, s.InstrumentTitle,
		string(s.Side), string(s.Action), s.Price, s.Size, s.Timestamp, s.ExpiresAt, s.Strike, s.IngestedAt,
	)
	if err != nil {
		return signalInsertError(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

func (t *pgTx) PutCursor(ctx context.Context, c *domain.Cursor) error {
	if c == nil || c.Source == "" {
		return storage.ErrInvalidInput
	}

	// The WHERE clause keeps the cursor monotonic.
	query := `
		INSERT INTO ingest_cursors (source, position, last_signal_id, last_timestamp_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source) DO UPDATE SET
			position = EXCLUDED.position,
			last_signal_id = EXCLUDED.last_signal_id,
			last_timestamp_ms = EXCLUDED.last_timestamp_ms,
			updated_at_ms = EXCLUDED.updated_at_ms
		WHERE ingest_cursors.position < EXCLUDED.position
	`

	tag, err := t.q.Exec(ctx, query, c.Source, c.Position, c.LastSignalID, c.LastTimestamp, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrInvalidInput
	}
	return nil
}

func (t *pgTx) InsertMapping(ctx context.Context, m *domain.MarketMapping) error {
	if m == nil || m.SignalID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO market_mappings (
			mapping_id, signal_id, source_instrument, target_instrument, score,
			underlying_match, time_proximity, contract_type_match, strike_similarity,
			target_expires_ms, candidate_count, created_at_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (signal_id) DO NOTHING
	`

	tag, err := t.q.Exec(ctx, query,
		m.MappingID, m.SignalID, m.SourceInstrument, m.TargetInstrument, m.Score,
		m.Features.UnderlyingMatch, m.Features.TimeProximity, m.Features.ContractTypeMatch, m.Features.StrikeSimilarity,
		m.TargetExpiresAt, m.CandidateCount, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

func (t *pgTx) PutSignalStatus(ctx context.Context, st *domain.SignalStatus) error {
	if st == nil || st.SignalID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO signal_statuses (signal_id, state, reason, updated_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (signal_id) DO UPDATE SET
			state = EXCLUDED.state,
			reason = EXCLUDED.reason,
			updated_at_ms = EXCLUDED.updated_at_ms
	`

	if _, err := t.q.Exec(ctx, query, st.SignalID, string(st.State), st.Reason, st.UpdatedAt); err != nil {
		return fmt.Errorf("put signal status: %w", err)
	}
	return nil
}
