package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/storage"
)

const orderColumns = `
	order_id, run_id, signal_id, sequence, policy, venue, instrument_id, side, action,
	requested_price, requested_size, limit_price, delay_ms, submitted_at_ms
`

const positionColumns = `
	venue, instrument_id, side, net_size, avg_cost, realized_pnl, mark_price, unrealized_pnl,
	fees, fill_count, last_sequence, settled, updated_at_ms
`

func scanOrder(row pgx.Row) (*domain.SimOrder, error) {
	var o domain.SimOrder
	err := row.Scan(
		&o.OrderID, &o.RunID, &o.SignalID, &o.Sequence, &o.Policy, &o.Venue, &o.InstrumentID, &o.Side, &o.Action,
		&o.RequestedPrice, &o.RequestedSize, &o.LimitPrice, &o.DelayMs, &o.SubmittedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var p domain.Position
	err := row.Scan(
		&p.Venue, &p.InstrumentID, &p.Side, &p.NetSize, &p.AvgCost, &p.RealizedPnL, &p.MarkPrice, &p.UnrealizedPnL,
		&p.Fees, &p.FillCount, &p.LastSequence, &p.Settled, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func getOrder(ctx context.Context, q querier, orderID string) (*domain.SimOrder, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM sim_orders WHERE order_id = $1`, orderID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func getFill(ctx context.Context, q querier, fillID string) (*domain.SimFill, error) {
	query := `
		SELECT fill_id, order_id, status, filled_size, missed_size, avg_price, slippage_bps, shortfall_bps, fee,
			levels, book_as_of_ms, created_at_ms
		FROM sim_fills
		WHERE fill_id = $1
	`

	var f domain.SimFill
	var levels []byte
	err := q.QueryRow(ctx, query, fillID).Scan(
		&f.FillID, &f.OrderID, &f.Status, &f.FilledSize, &f.MissedSize, &f.AvgPrice, &f.SlippageBps, &f.ShortfallBps, &f.Fee,
		&levels, &f.BookAsOf, &f.CreatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get fill: %w", err)
	}
	if err := json.Unmarshal(levels, &f.Levels); err != nil {
		return nil, fmt.Errorf("decode fill levels: %w", err)
	}
	return &f, nil
}

func getPosition(ctx context.Context, q querier, key domain.PositionKey, lock bool) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE venue = $1 AND instrument_id = $2 AND side = $3`
	if lock {
		query += ` FOR UPDATE`
	}

	p, err := scanPosition(q.QueryRow(ctx, query, key.Venue, key.InstrumentID, string(key.Side)))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// GetOrder retrieves a SimOrder by id.
func (r *Repository) GetOrder(ctx context.Context, orderID string) (*domain.SimOrder, error) {
	return getOrder(ctx, r.pool, orderID)
}

// ListOrdersByRun retrieves orders of a run ordered by (sequence, policy) ASC.
func (r *Repository) ListOrdersByRun(ctx context.Context, runID string) ([]*domain.SimOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM sim_orders WHERE run_id = $1 ORDER BY sequence ASC, policy ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var result []*domain.SimOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return result, nil
}

// GetFill retrieves a SimFill by id.
func (r *Repository) GetFill(ctx context.Context, fillID string) (*domain.SimFill, error) {
	return getFill(ctx, r.pool, fillID)
}

// GetPosition retrieves a position by key.
func (r *Repository) GetPosition(ctx context.Context, key domain.PositionKey) (*domain.Position, error) {
	return getPosition(ctx, r.pool, key, false)
}

// ListPositions retrieves all positions ordered by (venue, instrument, side) ASC.
func (r *Repository) ListPositions(ctx context.Context) ([]*domain.Position, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions ORDER BY venue ASC, instrument_id ASC, side ASC`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var result []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return result, nil
}

// ListOpenInstruments returns instruments with unsettled positions.
func (r *Repository) ListOpenInstruments(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT instrument_id FROM positions WHERE NOT settled ORDER BY instrument_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query open instruments: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instruments: %w", err)
	}
	return result, nil
}

func (t *pgTx) GetOrder(ctx context.Context, orderID string) (*domain.SimOrder, error) {
	return getOrder(ctx, t.q, orderID)
}

func (t *pgTx) GetFill(ctx context.Context, fillID string) (*domain.SimFill, error) {
	return getFill(ctx, t.q, fillID)
}

// GetPosition locks the row for the rest of the transaction.
func (t *pgTx) GetPosition(ctx context.Context, key domain.PositionKey) (*domain.Position, error) {
	return getPosition(ctx, t.q, key, true)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *domain.SimOrder) error {
	if o == nil || o.OrderID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO sim_orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (order_id) DO NOTHING
	`

	tag, err := t.q.Exec(ctx, query,
		o.OrderID, o.RunID, o.SignalID, o.Sequence, string(o.Policy), o.Venue, o.InstrumentID, string(o.Side), string(o.Action),
		o.RequestedPrice, o.RequestedSize, o.LimitPrice, o.DelayMs, o.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

func (t *pgTx) InsertFill(ctx context.Context, f *domain.SimFill) error {
	if f == nil || f.FillID == "" {
		return storage.ErrInvalidInput
	}

	levels, err := json.Marshal(f.Levels)
	if err != nil {
		return fmt.Errorf("encode fill levels: %w", err)
	}

	query := `
		INSERT INTO sim_fills (
			fill_id, order_id, status, filled_size, missed_size, avg_price, slippage_bps, shortfall_bps, fee,
			levels, book_as_of_ms, created_at_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING
	`

	tag, err := t.q.Exec(ctx, query,
		f.FillID, f.OrderID, string(f.Status), f.FilledSize, f.MissedSize, f.AvgPrice, f.SlippageBps, f.ShortfallBps, f.Fee,
		levels, f.BookAsOf, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

func (t *pgTx) PutPosition(ctx context.Context, p *domain.Position) error {
	if p == nil || p.InstrumentID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (venue, instrument_id, side) DO UPDATE SET
			net_size = EXCLUDED.net_size,
			avg_cost = EXCLUDED.avg_cost,
			realized_pnl = EXCLUDED.realized_pnl,
			mark_price = EXCLUDED.mark_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			fees = EXCLUDED.fees,
			fill_count = EXCLUDED.fill_count,
			last_sequence = EXCLUDED.last_sequence,
			settled = EXCLUDED.settled,
			updated_at_ms = EXCLUDED.updated_at_ms
	`

	_, err := t.q.Exec(ctx, query,
		p.Venue, p.InstrumentID, string(p.Side), p.NetSize, p.AvgCost, p.RealizedPnL, p.MarkPrice, p.UnrealizedPnL,
		p.Fees, p.FillCount, p.LastSequence, p.Settled, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put position: %w", err)
	}
	return nil
}
