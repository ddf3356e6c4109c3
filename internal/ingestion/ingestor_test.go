package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"copy-mirror/internal/adapters"
	"copy-mirror/internal/domain"
	"copy-mirror/internal/idhash"
	"copy-mirror/internal/storage"
	"copy-mirror/internal/storage/memory"
)

func trade(id string, ts int64) domain.RawTrade {
	return domain.RawTrade{
		TradeID:         id,
		Wallet:          "0xABC",
		InstrumentRef:   "btc-updown-15m-1767829500",
		InstrumentTitle: "Bitcoin Up or Down - 15 min",
		Side:            domain.SideYes,
		Action:          domain.ActionBuy,
		Price:           0.55,
		Size:            100,
		Timestamp:       ts,
	}
}

func fixedNow() time.Time {
	return time.UnixMilli(1_767_800_000_000)
}

func TestIngest_NewAndDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	ing := NewIngestor(Options{Repo: repo, Source: "wallet-a", Now: fixedNow})

	res, err := ing.Ingest(ctx, trade("t1", 1000))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(1), res.Signal.Sequence)
	assert.Equal(t, "0xabc", res.Signal.Wallet)
	assert.Equal(t, idhash.ComputeSignalID("0xabc", "t1", 0, ""), res.Signal.SignalID)

	res, err = ing.Ingest(ctx, trade("t1", 1000))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	cur, err := repo.GetCursor(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Position)
	assert.Equal(t, res.Signal.SignalID, cur.LastSignalID)
	assert.Equal(t, int64(1000), cur.LastTimestamp)

	res, err = ing.Ingest(ctx, trade("t2", 900))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Signal.Sequence)

	cur, err = repo.GetCursor(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), cur.LastTimestamp, "resume point never moves backwards")
}

func TestIngest_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.RawTrade)
		reason string
	}{
		{"no trade id", func(r *domain.RawTrade) { r.TradeID = "" }, RejectMissingID},
		{"no wallet", func(r *domain.RawTrade) { r.Wallet = " " }, RejectMissingID},
		{"zero price", func(r *domain.RawTrade) { r.Price = 0 }, RejectPrice},
		{"price above one", func(r *domain.RawTrade) { r.Price = 1.01 }, RejectPrice},
		{"zero size", func(r *domain.RawTrade) { r.Size = 0 }, RejectSize},
		{"bad side", func(r *domain.RawTrade) { r.Side = "MAYBE" }, RejectSide},
		{"bad action", func(r *domain.RawTrade) { r.Action = "HOLD" }, RejectAction},
		{"no timestamp", func(r *domain.RawTrade) { r.Timestamp = 0 }, RejectTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := memory.NewRepository()
			ing := NewIngestor(Options{Repo: repo, Source: "wallet-a"})

			raw := trade("t1", 1000)
			tt.mutate(&raw)
			_, err := ing.Ingest(context.Background(), raw)
			assert.ErrorIs(t, err, ErrInvalidTrade)
			assert.Contains(t, err.Error(), tt.reason)

			_, err = repo.GetCursor(context.Background(), "wallet-a")
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestIngest_LowercaseSideAccepted(t *testing.T) {
	ing := NewIngestor(Options{Repo: memory.NewRepository(), Source: "wallet-a"})
	raw := trade("t1", 1000)
	raw.Side = "no"
	raw.Action = "sell"

	res, err := ing.Ingest(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, domain.SideNo, res.Signal.Side)
	assert.Equal(t, domain.ActionSell, res.Signal.Action)
}

// failingCursorRepo fails every cursor write inside a transaction.
type failingCursorRepo struct {
	storage.Repository
}

type failingCursorTx struct {
	storage.Tx
}

var errCursorWrite = errors.New("disk full")

func (r failingCursorRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return r.Repository.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, failingCursorTx{tx})
	})
}

func (failingCursorTx) PutCursor(context.Context, *domain.Cursor) error {
	return errCursorWrite
}

func TestIngest_SignalAndCursorAtomic(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewRepository()
	ing := NewIngestor(Options{Repo: failingCursorRepo{mem}, Source: "wallet-a"})

	_, err := ing.Ingest(ctx, trade("t1", 1000))
	require.ErrorIs(t, err, errCursorWrite)

	signals, err := mem.ListSignals(ctx, "wallet-a", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, signals, "signal must not persist without its cursor")
}

// racingRepo reports the next sequence as taken for the first `lost` inserts,
// as if another ingest of the same source committed in between.
type racingRepo struct {
	storage.Repository
	lost    int
	inserts int
}

type racingTx struct {
	storage.Tx
	repo *racingRepo
}

func (r *racingRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return r.Repository.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, racingTx{Tx: tx, repo: r})
	})
}

func (t racingTx) InsertSignal(ctx context.Context, s *domain.CopySignal) error {
	t.repo.inserts++
	if t.repo.inserts <= t.repo.lost {
		return storage.ErrSequenceConflict
	}
	return t.Tx.InsertSignal(ctx, s)
}

func TestIngest_SequenceRaceIsRetried(t *testing.T) {
	ctx := context.Background()
	repo := &racingRepo{Repository: memory.NewRepository(), lost: 2}
	ing := NewIngestor(Options{Repo: repo, Source: "wallet-a"})

	res, err := ing.Ingest(ctx, trade("t1", 1000))
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "a taken sequence is not a duplicate trade")
	assert.Equal(t, 3, repo.inserts)

	stored, err := repo.GetSignal(ctx, res.Signal.SignalID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Sequence)
}

func TestIngest_SequenceRaceGivesUp(t *testing.T) {
	ctx := context.Background()
	repo := &racingRepo{Repository: memory.NewRepository(), lost: sequenceAttempts}
	ing := NewIngestor(Options{Repo: repo, Source: "wallet-a"})

	_, err := ing.Ingest(ctx, trade("t1", 1000))
	require.ErrorIs(t, err, storage.ErrSequenceConflict)

	_, err = repo.GetCursor(ctx, "wallet-a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()

	fresh := NewIngestor(Options{Repo: repo, Source: "wallet-a"})
	cur, err := fresh.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cur.Position)

	for i := 0; i < 3; i++ {
		_, err := fresh.Ingest(ctx, trade(fmt.Sprintf("t%d", i), int64(1000+i)))
		require.NoError(t, err)
	}

	// A restarted ingestor continues from the committed cursor.
	restarted := NewIngestor(Options{Repo: repo, Source: "wallet-a"})
	cur, err = restarted.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur.Position)
	assert.Equal(t, int64(1002), cur.LastTimestamp)

	res, err := restarted.Ingest(ctx, trade("t2", 1002))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	res, err = restarted.Ingest(ctx, trade("t3", 1003))
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Signal.Sequence)
}

// stubSource replays fixed batches; every call past the end returns the last batch again.
type stubSource struct {
	mu      sync.Mutex
	batches [][]domain.RawTrade
	calls   int
	since   []int64
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) FetchTrades(_ context.Context, since int64) ([]domain.RawTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = append(s.since, since)
	i := s.calls
	s.calls++
	if i >= len(s.batches) {
		i = len(s.batches) - 1
	}
	batch := s.batches[i]
	if batch == nil {
		return nil, fmt.Errorf("%w: feed reconnecting", adapters.ErrTransient)
	}
	return append([]domain.RawTrade(nil), batch...), nil
}

func TestRun_OrdersDedupesAndStops(t *testing.T) {
	repo := memory.NewRepository()
	ing := NewIngestor(Options{Repo: repo, Source: "wallet-a"})

	src := &stubSource{batches: [][]domain.RawTrade{
		{trade("t3", 3000), trade("t1", 1000), trade("t2", 2000)},
		nil, // transient failure
		{trade("t3", 3000), trade("t4", 4000)},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	sink := func(_ context.Context, sig *domain.CopySignal) error {
		got = append(got, sig.TradeID)
		if len(got) == 4 {
			cancel()
		}
		return nil
	}

	err := ing.Run(ctx, src, sink, time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, got)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, []int64{0, 3000, 3000}, src.since[:3])
}

// partialSource hands over a batch together with a transient error once,
// like a broker that drops mid-read, then serves the rest.
type partialSource struct {
	mu    sync.Mutex
	calls int
}

func (s *partialSource) Name() string { return "partial" }

func (s *partialSource) FetchTrades(context.Context, int64) ([]domain.RawTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls == 1 {
		return []domain.RawTrade{trade("t2", 2000), trade("t1", 1000)}, fmt.Errorf("%w: broker reset", adapters.ErrTransient)
	}
	return []domain.RawTrade{trade("t3", 3000)}, nil
}

func TestRun_IngestsTradesReturnedWithError(t *testing.T) {
	repo := memory.NewRepository()
	ing := NewIngestor(Options{Repo: repo, Source: "wallet-a"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	sink := func(_ context.Context, sig *domain.CopySignal) error {
		got = append(got, sig.TradeID)
		if len(got) == 3 {
			cancel()
		}
		return nil
	}

	err := ing.Run(ctx, &partialSource{}, sink, time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"t1", "t2", "t3"}, got)

	cur, err := repo.GetCursor(context.Background(), "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur.Position)
}

func TestRun_SinkErrorStops(t *testing.T) {
	ing := NewIngestor(Options{Repo: memory.NewRepository(), Source: "wallet-a"})
	src := &stubSource{batches: [][]domain.RawTrade{{trade("t1", 1000)}}}

	boom := errors.New("pipeline closed")
	err := ing.Run(context.Background(), src, func(context.Context, *domain.CopySignal) error { return boom }, time.Millisecond)
	assert.ErrorIs(t, err, boom)
}

// An at-least-once stream with arbitrary redelivery yields each trade exactly
// once, with gapless sequences.
func TestIngest_ExactlyOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")
		stream := rapid.SliceOfN(rapid.IntRange(0, n-1), 1, 60).Draw(t, "stream")

		ctx := context.Background()
		repo := memory.NewRepository()
		ing := NewIngestor(Options{Repo: repo, Source: "wallet-a"})

		seen := make(map[int]bool)
		for _, k := range stream {
			res, err := ing.Ingest(ctx, trade(fmt.Sprintf("t%d", k), int64(1000+k)))
			if err != nil {
				t.Fatalf("ingest: %v", err)
			}
			if res.Duplicate != seen[k] {
				t.Fatalf("trade %d: duplicate=%v, seen=%v", k, res.Duplicate, seen[k])
			}
			seen[k] = true
		}

		signals, err := repo.ListSignals(ctx, "wallet-a", 0, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(signals) != len(seen) {
			t.Fatalf("got %d signals, want %d", len(signals), len(seen))
		}
		for i, s := range signals {
			if s.Sequence != int64(i+1) {
				t.Fatalf("signal %d has sequence %d", i, s.Sequence)
			}
		}
	})
}
