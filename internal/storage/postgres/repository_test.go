package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/storage"
)

func testSignal(id string, seq int64) *domain.CopySignal {
	return &domain.CopySignal{
		SignalID:        id,
		Source:          "kafka",
		Sequence:        seq,
		Wallet:          "0xwallet",
		TradeID:         "trade-" + id,
		InstrumentRef:   "btc-updown-15m-1767830400",
		InstrumentTitle: "Bitcoin Up or Down",
		Side:            domain.SideYes,
		Action:          domain.ActionBuy,
		Price:           0.55,
		Size:            100,
		Timestamp:       1767830400000 + seq,
		IngestedAt:      1767830401000,
	}
}

func ingestSignal(ctx context.Context, repo *Repository, s *domain.CopySignal) error {
	return repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertSignal(ctx, s); err != nil {
			return err
		}
		return tx.PutCursor(ctx, &domain.Cursor{
			Source:        s.Source,
			Position:      s.Sequence,
			LastSignalID:  s.SignalID,
			LastTimestamp: s.Timestamp,
			UpdatedAt:     s.IngestedAt,
		})
	})
}

func TestRepository_IngestAndCursor(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewRepository(pool)
	ctx := context.Background()

	require.NoError(t, ingestSignal(ctx, repo, testSignal("sig-1", 1)))
	require.NoError(t, ingestSignal(ctx, repo, testSignal("sig-2", 2)))

	got, err := repo.GetSignal(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SideYes, got.Side)
	assert.Equal(t, 0.55, got.Price)

	cur, err := repo.GetCursor(ctx, "kafka")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur.Position)
	assert.Equal(t, "sig-2", cur.LastSignalID)

	list, err := repo.ListSignals(ctx, "kafka", 1, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sig-2", list[0].SignalID)
}

func TestRepository_DuplicateSignalRollsBack(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewRepository(pool)
	ctx := context.Background()

	require.NoError(t, ingestSignal(ctx, repo, testSignal("sig-1", 1)))

	err := ingestSignal(ctx, repo, testSignal("sig-1", 2))
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))

	cur, err := repo.GetCursor(ctx, "kafka")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Position, "cursor must not advance on duplicate")
}

func TestRepository_SequenceConflictIsNotDuplicate(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewRepository(pool)
	ctx := context.Background()

	require.NoError(t, ingestSignal(ctx, repo, testSignal("sig-1", 1)))

	err := repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertSignal(ctx, testSignal("sig-2", 1))
	})
	assert.ErrorIs(t, err, storage.ErrSequenceConflict)
	assert.False(t, errors.Is(err, storage.ErrDuplicateKey))
}

func TestRepository_CursorIsMonotonic(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewRepository(pool)
	ctx := context.Background()

	require.NoError(t, ingestSignal(ctx, repo, testSignal("sig-5", 5)))

	err := ingestSignal(ctx, repo, testSignal("sig-3", 3))
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))

	_, err = repo.GetSignal(ctx, "sig-3")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "signal must roll back with its cursor")
}

func TestRepository_OrderFillPositionAtomic(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewRepository(pool)
	ctx := context.Background()

	order := &domain.SimOrder{
		OrderID:        "order-1",
		RunID:          "run-1",
		SignalID:       "sig-1",
		Sequence:       1,
		Policy:         domain.PolicyRealistic,
		Venue:          domain.VenueTarget,
		InstrumentID:   "KXBTC15M-26JAN071845-45",
		Side:           domain.SideYes,
		Action:         domain.ActionBuy,
		RequestedPrice: 0.55,
		RequestedSize:  100,
		LimitPrice:     0.5830,
		DelayMs:        2000,
	}
	fill := &domain.SimFill{
		FillID:     "fill-1",
		OrderID:    "order-1",
		Status:     domain.FillFilled,
		FilledSize: 100,
		AvgPrice:   0.572,
		Levels:     []domain.FillLevel{{Level: 0, Price: 0.56, Size: 40}, {Level: 1, Price: 0.58, Size: 60}},
	}
	pos := &domain.Position{
		Venue:        domain.VenueTarget,
		InstrumentID: order.InstrumentID,
		Side:         domain.SideYes,
		NetSize:      100,
		AvgCost:      0.572,
		FillCount:    1,
	}

	apply := func() error {
		return repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			if err := tx.InsertOrder(ctx, order); err != nil {
				return err
			}
			if err := tx.InsertFill(ctx, fill); err != nil {
				return err
			}
			return tx.PutPosition(ctx, pos)
		})
	}

	require.NoError(t, apply())
	assert.True(t, errors.Is(apply(), storage.ErrDuplicateKey))

	gotFill, err := repo.GetFill(ctx, "fill-1")
	require.NoError(t, err)
	require.Len(t, gotFill.Levels, 2)
	assert.Equal(t, 0.58, gotFill.Levels[1].Price)

	gotPos, err := repo.GetPosition(ctx, pos.Key())
	require.NoError(t, err)
	assert.Equal(t, 100.0, gotPos.NetSize)
	assert.Equal(t, 1, gotPos.FillCount)

	open, err := repo.ListOpenInstruments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{order.InstrumentID}, open)

	orders, err := repo.ListOrdersByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestRepository_OutcomeWithLearnerState(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewRepository(pool)
	ctx := context.Background()

	state := &domain.LearnerState{
		Params: []domain.LearnerParam{
			{Name: domain.ParamMinMappingConfidence, Value: 0.8, Min: 0.5, Max: 0.95, Arm: -1},
		},
		UpdateCount: 1,
		Seed:        42,
	}

	err := repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertOutcome(ctx, &domain.Outcome{InstrumentID: "KX-1", Result: domain.SideNo, ResolvedAt: 10}); err != nil {
			return err
		}
		return tx.PutLearnerState(ctx, state)
	})
	require.NoError(t, err)

	got, err := repo.GetLearnerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.Value(domain.ParamMinMappingConfidence))
	assert.Equal(t, int64(42), got.Seed)

	outcome, err := repo.GetOutcome(ctx, "KX-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SideNo, outcome.Result)

	// A failing tx must not replace the stored state.
	state.UpdateCount = 2
	err = repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.PutLearnerState(ctx, state); err != nil {
			return err
		}
		return tx.InsertOutcome(ctx, &domain.Outcome{InstrumentID: "KX-1", Result: domain.SideYes})
	})
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))

	got, err = repo.GetLearnerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UpdateCount)
}

func TestRepository_ControlState(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewRepository(pool)
	ctx := context.Background()

	_, err := repo.GetControlState(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	state := &domain.ControlState{
		Mode:       domain.ModeHalted,
		HaltReason: "consecutive_losses: 5",
		HaltedAt:   1767830400000,
		Breaker: domain.BreakerState{
			Tripped:           true,
			Reason:            "consecutive_losses: 5",
			ConsecutiveLosses: 5,
			PeakEquity:        1000,
			Equity:            940,
			Day:               "2026-01-08",
			DailyPnL:          -60,
		},
		UpdatedAt: 1767830400000,
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			return tx.PutControlState(ctx, state)
		}))
	}

	got, err := repo.GetControlState(ctx)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}
