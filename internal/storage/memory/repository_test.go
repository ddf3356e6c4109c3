package memory

import (
	"context"
	"errors"
	"testing"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/storage"
)

func testSignal(id string, seq int64) *domain.CopySignal {
	return &domain.CopySignal{
		SignalID:      id,
		Source:        "ws",
		Sequence:      seq,
		Wallet:        "0xabc",
		TradeID:       "trade-" + id,
		InstrumentRef: "btc-updown-15m",
		Side:          domain.SideYes,
		Action:        domain.ActionBuy,
		Price:         0.55,
		Size:          100,
		Timestamp:     1000 * seq,
	}
}

func ingest(ctx context.Context, repo *Repository, s *domain.CopySignal) error {
	return repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertSignal(ctx, s); err != nil {
			return err
		}
		return tx.PutCursor(ctx, &domain.Cursor{
			Source:        s.Source,
			Position:      s.Sequence,
			LastSignalID:  s.SignalID,
			LastTimestamp: s.Timestamp,
		})
	})
}

func TestRepository_IngestAdvancesCursor(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	if err := ingest(ctx, repo, testSignal("s1", 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	cur, err := repo.GetCursor(ctx, "ws")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cur.Position != 1 || cur.LastSignalID != "s1" {
		t.Errorf("cursor = %+v, want position 1 at s1", cur)
	}
}

func TestRepository_FailedTxLeavesNoTrace(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	if err := ingest(ctx, repo, testSignal("s1", 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Second signal with a cursor that does not advance: whole tx must roll back.
	err := repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertSignal(ctx, testSignal("s2", 2)); err != nil {
			return err
		}
		return tx.PutCursor(ctx, &domain.Cursor{Source: "ws", Position: 1, LastSignalID: "s2"})
	})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	if _, err := repo.GetSignal(ctx, "s2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("s2 must not be visible after rollback, got %v", err)
	}
}

func TestRepository_SequenceConflict(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	if err := ingest(ctx, repo, testSignal("s1", 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	err := repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertSignal(ctx, testSignal("s2", 1))
	})
	if !errors.Is(err, storage.ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}
	if errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("a taken sequence must not look like a replayed signal")
	}

	other := testSignal("s3", 1)
	other.Source = "kafka"
	if err := ingest(ctx, repo, other); err != nil {
		t.Errorf("sequences are per source: %v", err)
	}
}

func TestRepository_ControlState(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	if _, err := repo.GetControlState(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	want := &domain.ControlState{
		Mode:       domain.ModeHalted,
		HaltReason: "drawdown: 31.0%",
		HaltedAt:   42,
		Breaker:    domain.BreakerState{Tripped: true, Reason: "drawdown: 31.0%", PeakEquity: 100, Equity: 69},
	}
	err := repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutControlState(ctx, want)
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	got, err := repo.GetControlState(ctx)
	if err != nil {
		t.Fatalf("GetControlState: %v", err)
	}
	if *got != *want {
		t.Errorf("control state = %+v, want %+v", got, want)
	}
}

func TestRepository_DuplicateSignal(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	if err := ingest(ctx, repo, testSignal("s1", 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	err := ingest(ctx, repo, testSignal("s1", 2))
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	cur, _ := repo.GetCursor(ctx, "ws")
	if cur.Position != 1 {
		t.Errorf("cursor advanced on duplicate: %d", cur.Position)
	}
}

func TestRepository_StagedReadsInsideTx(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	key := domain.PositionKey{Venue: domain.VenueTarget, InstrumentID: "KX-1", Side: domain.SideYes}

	err := repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.PutPosition(ctx, &domain.Position{Venue: key.Venue, InstrumentID: key.InstrumentID, Side: key.Side, NetSize: 10}); err != nil {
			return err
		}
		p, err := tx.GetPosition(ctx, key)
		if err != nil {
			return err
		}
		if p.NetSize != 10 {
			t.Errorf("staged NetSize = %v, want 10", p.NetSize)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	open, err := repo.ListOpenInstruments(ctx)
	if err != nil {
		t.Fatalf("ListOpenInstruments: %v", err)
	}
	if len(open) != 1 || open[0] != "KX-1" {
		t.Errorf("open instruments = %v", open)
	}
}

func TestRepository_FillUniqueness(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	fill := &domain.SimFill{FillID: "f1", OrderID: "o1", Status: domain.FillFilled, FilledSize: 5}

	put := func() error {
		return repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			return tx.InsertFill(ctx, fill)
		})
	}
	if err := put(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := put(); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestRepository_ListSignalsOrdered(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	for _, seq := range []int64{1, 2, 3, 4} {
		if err := ingest(ctx, repo, testSignal(string(rune('a'+seq)), seq)); err != nil {
			t.Fatalf("ingest %d: %v", seq, err)
		}
	}

	got, err := repo.ListSignals(ctx, "ws", 1, 2)
	if err != nil {
		t.Fatalf("ListSignals: %v", err)
	}
	if len(got) != 2 || got[0].Sequence != 2 || got[1].Sequence != 3 {
		t.Errorf("unexpected page: %+v", got)
	}
}

func TestRepository_LearnerStateIsCopied(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	state := &domain.LearnerState{
		Params: []domain.LearnerParam{{Name: domain.ParamMaxQtyScale, Value: 0.3, Min: 0.1, Max: 1}},
	}

	err := repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutLearnerState(ctx, state)
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	state.Params[0].Value = 0.9

	got, err := repo.GetLearnerState(ctx)
	if err != nil {
		t.Fatalf("GetLearnerState: %v", err)
	}
	if got.Value(domain.ParamMaxQtyScale) != 0.3 {
		t.Errorf("stored state aliased caller memory: %v", got.Value(domain.ParamMaxQtyScale))
	}
}

func TestAnalyticsStore_SweepDuplicates(t *testing.T) {
	store := NewAnalyticsStore()
	ctx := context.Background()

	rows := []*domain.SweepResult{
		{RunID: "r", DelayMs: 5000},
		{RunID: "r", DelayMs: 2000},
	}
	if err := store.InsertSweepResults(ctx, rows); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertSweepResults(ctx, rows[:1]); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	got, _ := store.GetSweepResults(ctx, "r")
	if len(got) != 2 || got[0].DelayMs != 2000 {
		t.Errorf("unexpected order: %+v", got)
	}
}
