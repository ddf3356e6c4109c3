package clickhouse

import (
	"context"
	"fmt"
	"strconv"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/storage"
)

// AnalyticsStore implements storage.AnalyticsStore using ClickHouse.
type AnalyticsStore struct {
	conn *Conn
}

// NewAnalyticsStore creates a new AnalyticsStore.
func NewAnalyticsStore(conn *Conn) *AnalyticsStore {
	return &AnalyticsStore{conn: conn}
}

// Compile-time interface check.
var _ storage.AnalyticsStore = (*AnalyticsStore)(nil)

// InsertFillRecords appends fill rows in one batch.
func (s *AnalyticsStore) InsertFillRecords(ctx context.Context, records []*domain.FillRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO fill_records (
			run_id, signal_id, order_id, wallet, policy, instrument_id, side, action,
			mapping_score, delay_ms, requested_size, filled_size, reference_price, avg_price,
			slippage_bps, shortfall_bps, fee, status, signal_timestamp
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range records {
		err = batch.Append(
			r.RunID, r.SignalID, r.OrderID, r.Wallet, string(r.Policy), r.InstrumentID, string(r.Side), string(r.Action),
			r.MappingScore, r.DelayMs, r.RequestedSize, r.FilledSize, r.ReferencePrice, r.AvgPrice,
			r.SlippageBps, r.ShortfallBps, r.Fee, string(r.Status), r.SignalTimestamp,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// InsertSweepResults appends sweep rows atomically. Fails entire batch on any duplicate.
func (s *AnalyticsStore) InsertSweepResults(ctx context.Context, results []*domain.SweepResult) error {
	if len(results) == 0 {
		return nil
	}

	// Check for intra-batch duplicates
	seen := make(map[string]struct{})
	for _, r := range results {
		key := r.RunID + "|" + strconv.FormatInt(r.DelayMs, 10)
		if _, exists := seen[key]; exists {
			return storage.ErrDuplicateKey
		}
		seen[key] = struct{}{}
	}

	// ReplacingMergeTree would overwrite, keep append-only semantics
	for _, r := range results {
		exists, err := s.sweepExists(ctx, r.RunID, r.DelayMs)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO latency_sweeps (
			run_id, delay_ms, signals, filled, partial, missed, expired, unavailable,
			fill_rate, avg_slippage_bps, avg_shortfall_bps, realized_pnl, created_at_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range results {
		err = batch.Append(
			r.RunID, r.DelayMs, uint32(r.Signals), uint32(r.Filled), uint32(r.Partial), uint32(r.Missed), uint32(r.Expired), uint32(r.Unavailable),
			r.FillRate, r.AvgSlippageBps, r.AvgShortfallBps, r.RealizedPnL, r.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetSweepResults retrieves sweep rows of a run ordered by delay ASC.
func (s *AnalyticsStore) GetSweepResults(ctx context.Context, runID string) ([]*domain.SweepResult, error) {
	query := `
		SELECT run_id, delay_ms, signals, filled, partial, missed, expired, unavailable,
			fill_rate, avg_slippage_bps, avg_shortfall_bps, realized_pnl, created_at_ms
		FROM latency_sweeps FINAL
		WHERE run_id = ?
		ORDER BY delay_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query sweeps: %w", err)
	}
	defer rows.Close()

	var result []*domain.SweepResult
	for rows.Next() {
		var r domain.SweepResult
		var signals, filled, partial, missed, expired, unavailable uint32
		if err := rows.Scan(
			&r.RunID, &r.DelayMs, &signals, &filled, &partial, &missed, &expired, &unavailable,
			&r.FillRate, &r.AvgSlippageBps, &r.AvgShortfallBps, &r.RealizedPnL, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan sweep: %w", err)
		}
		r.Signals = int(signals)
		r.Filled = int(filled)
		r.Partial = int(partial)
		r.Missed = int(missed)
		r.Expired = int(expired)
		r.Unavailable = int(unavailable)
		result = append(result, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sweeps: %w", err)
	}
	return result, nil
}

func (s *AnalyticsStore) sweepExists(ctx context.Context, runID string, delayMs int64) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx,
		`SELECT count() FROM latency_sweeps WHERE run_id = ? AND delay_ms = ?`, runID, delayMs,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
