package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/idhash"
	"copy-mirror/internal/storage"
	"copy-mirror/internal/storage/memory"
)

const instrument = "KXBTC15M-26JAN071845-45"

func makeFill(signalID string, seq int64, action domain.Action, status domain.FillStatus, size, price, fee float64) (*domain.SimOrder, *domain.SimFill) {
	order := &domain.SimOrder{
		OrderID:        idhash.ComputeOrderID(signalID, domain.PolicyRealistic, "run-1"),
		RunID:          "run-1",
		SignalID:       signalID,
		Sequence:       seq,
		Policy:         domain.PolicyRealistic,
		Venue:          domain.VenueTarget,
		InstrumentID:   instrument,
		Side:           domain.SideYes,
		Action:         action,
		RequestedPrice: price,
		RequestedSize:  size,
	}
	fill := &domain.SimFill{
		FillID:     idhash.ComputeFillID(order.OrderID),
		OrderID:    order.OrderID,
		Status:     status,
		FilledSize: size,
		AvgPrice:   price,
		Fee:        fee,
		CreatedAt:  1000 + seq,
	}
	if status == domain.FillMissed {
		fill.FilledSize = 0
		fill.MissedSize = size
		fill.AvgPrice = 0
	}
	return order, fill
}

func yesKey() domain.PositionKey {
	return domain.PositionKey{Venue: domain.VenueTarget, InstrumentID: instrument, Side: domain.SideYes}
}

func TestApplyTrade_AverageCost(t *testing.T) {
	pos := &domain.Position{}

	applyTrade(pos, domain.ActionBuy, 40, 0.56, 0)
	applyTrade(pos, domain.ActionBuy, 60, 0.58, 0)
	assert.InDelta(t, 100, pos.NetSize, 1e-12)
	assert.InDelta(t, 0.572, pos.AvgCost, 1e-12)

	// Reduction realizes against average cost.
	applyTrade(pos, domain.ActionSell, 40, 0.60, 0)
	assert.InDelta(t, 60, pos.NetSize, 1e-12)
	assert.InDelta(t, 0.572, pos.AvgCost, 1e-12)
	assert.InDelta(t, 40*0.028, pos.RealizedPnL, 1e-12)

	// Reversal closes 60 and opens 40 short at the fill price.
	applyTrade(pos, domain.ActionSell, 100, 0.50, 0)
	assert.InDelta(t, -40, pos.NetSize, 1e-12)
	assert.InDelta(t, 0.50, pos.AvgCost, 1e-12)
	assert.InDelta(t, 1.12-60*0.072, pos.RealizedPnL, 1e-12)

	// Covering the short at a lower price is a gain.
	applyTrade(pos, domain.ActionBuy, 40, 0.45, 0)
	assert.Equal(t, 0.0, pos.NetSize)
	assert.Equal(t, 0.0, pos.AvgCost)
	assert.InDelta(t, 1.12-4.32+2.0, pos.RealizedPnL, 1e-12)
	assert.Equal(t, 4, pos.FillCount)
}

func TestApplyTrade_FeeReducesRealized(t *testing.T) {
	pos := &domain.Position{}
	applyTrade(pos, domain.ActionBuy, 100, 0.5, 0.35)

	assert.InDelta(t, -0.35, pos.RealizedPnL, 1e-12)
	assert.InDelta(t, 0.35, pos.Fees, 1e-12)
	assert.InDelta(t, 0.5, pos.AvgCost, 1e-12, "fees are not folded into cost")
}

func TestLedger_ApplyScenario(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	l := New(Options{Repo: repo, StartingBankroll: 200})

	order, fill := makeFill("sig-1", 1, domain.ActionBuy, domain.FillFilled, 100, 0.572, 0)
	fill.Levels = []domain.FillLevel{{Level: 0, Price: 0.56, Size: 40}, {Level: 1, Price: 0.58, Size: 60}}

	pos, err := l.Apply(ctx, order, fill)
	require.NoError(t, err)
	assert.Equal(t, 100.0, pos.NetSize)
	assert.InDelta(t, 0.572, pos.AvgCost, 1e-12)
	assert.Equal(t, int64(1), pos.LastSequence)

	_, err = l.Apply(ctx, order, fill)
	assert.ErrorIs(t, err, ErrFillAlreadyApplied)

	stored, err := repo.GetPosition(ctx, yesKey())
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FillCount, "second application must not change the position")
	assert.Equal(t, 100.0, stored.NetSize)

	_, err = repo.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
}

func TestLedger_MissedFillRecordsOnly(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	l := New(Options{Repo: repo})

	order, fill := makeFill("sig-1", 1, domain.ActionBuy, domain.FillMissed, 100, 0.55, 0)
	pos, err := l.Apply(ctx, order, fill)
	require.NoError(t, err)
	assert.Nil(t, pos)

	_, err = repo.GetFill(ctx, fill.FillID)
	require.NoError(t, err)
	_, err = repo.GetPosition(ctx, yesKey())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLedger_MismatchedFill(t *testing.T) {
	l := New(Options{Repo: memory.NewRepository()})
	order, _ := makeFill("sig-1", 1, domain.ActionBuy, domain.FillFilled, 10, 0.5, 0)
	_, fill := makeFill("sig-2", 2, domain.ActionBuy, domain.FillFilled, 10, 0.5, 0)

	_, err := l.Apply(context.Background(), order, fill)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestLedger_ApplyAllAtomic(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	l := New(Options{Repo: repo})

	o1, f1 := makeFill("sig-1", 1, domain.ActionBuy, domain.FillFilled, 10, 0.5, 0)
	o2, f2 := makeFill("sig-2", 2, domain.ActionBuy, domain.FillMissed, 10, 0.5, 0)
	boom := errors.New("status write failed")

	_, err := l.ApplyAll(ctx, []Entry{{o1, f1}, {o2, f2}}, func(context.Context, storage.Tx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = repo.GetFill(ctx, f1.FillID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "failed hook must roll back every fill")

	status := &domain.SignalStatus{SignalID: "sig-1", State: domain.SignalMapped, UpdatedAt: 1}
	positions, err := l.ApplyAll(ctx, []Entry{{o1, f1}, {o2, f2}}, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutSignalStatus(ctx, status)
	})
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, 10.0, positions[0].NetSize)
	assert.Nil(t, positions[1])

	st, err := repo.GetSignalStatus(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalMapped, st.State)
}

func TestLedger_Settle(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	l := New(Options{Repo: repo, StartingBankroll: 200})

	order, fill := makeFill("sig-1", 1, domain.ActionBuy, domain.FillFilled, 100, 0.572, 0.4)
	_, err := l.Apply(ctx, order, fill)
	require.NoError(t, err)

	outcome := &domain.Outcome{InstrumentID: instrument, Result: domain.SideNo, ResolvedAt: 5000}

	// A failing hook rolls back the whole settlement.
	hookErr := errors.New("learner failed")
	_, err = l.Settle(ctx, outcome, func(context.Context, storage.Tx, []Settlement) error { return hookErr })
	assert.ErrorIs(t, err, hookErr)
	_, err = repo.GetOutcome(ctx, instrument)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	var seen []Settlement
	settled, err := l.Settle(ctx, outcome, func(_ context.Context, _ storage.Tx, s []Settlement) error {
		seen = s
		return nil
	})
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, settled, seen)
	assert.InDelta(t, -57.2, settled[0].PnL, 1e-9)
	assert.Equal(t, 100.0, settled[0].Size)
	assert.InDelta(t, -57.2-0.4, settled[0].Position.RealizedPnL, 1e-9)
	assert.True(t, settled[0].Position.Settled)

	equity, err := l.Equity(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 200-57.6, equity, 1e-9)

	_, err = l.Settle(ctx, outcome, nil)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	late, lateFill := makeFill("sig-2", 2, domain.ActionBuy, domain.FillFilled, 10, 0.5, 0)
	_, err = l.Apply(ctx, late, lateFill)
	assert.ErrorIs(t, err, ErrSettled)
}

func TestLedger_MarkAndSummary(t *testing.T) {
	ctx := context.Background()
	l := New(Options{Repo: memory.NewRepository(), StartingBankroll: 100})

	order, fill := makeFill("sig-1", 1, domain.ActionBuy, domain.FillFilled, 50, 0.40, 0)
	_, err := l.Apply(ctx, order, fill)
	require.NoError(t, err)

	require.NoError(t, l.Mark(ctx, yesKey(), 0.60))

	s, err := l.Summary(ctx, domain.VenueTarget)
	require.NoError(t, err)
	assert.InDelta(t, 10, s.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 20, s.Exposure, 1e-9)
	assert.Equal(t, 1, s.OpenPositions)

	equity, err := l.Equity(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 110, equity, 1e-9)

	require.NoError(t, l.Mark(ctx, domain.PositionKey{Venue: domain.VenueTarget, InstrumentID: "none", Side: domain.SideYes}, 0.5))
}

func TestLedger_ConcurrentFillsSameKey(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	l := New(Options{Repo: repo})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, fill := makeFill(fmt.Sprintf("sig-%d", i), int64(i), domain.ActionBuy, domain.FillFilled, 2, 0.5, 0)
			if _, err := l.Apply(ctx, order, fill); err != nil {
				t.Errorf("apply %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	pos, err := repo.GetPosition(ctx, yesKey())
	require.NoError(t, err)
	assert.InDelta(t, 100, pos.NetSize, 1e-9)
	assert.Equal(t, 50, pos.FillCount)
	assert.Equal(t, 0, l.locks.size(), "lock entries are released")
}

// Replaying a fill stream with duplicates yields the same positions as applying each fill once.
func TestLedger_IdempotentReplay(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "n")
		type pair struct {
			order *domain.SimOrder
			fill  *domain.SimFill
		}
		unique := make([]pair, n)
		for i := range unique {
			action := rapid.SampledFrom([]domain.Action{domain.ActionBuy, domain.ActionSell}).Draw(t, fmt.Sprintf("action%d", i))
			size := float64(rapid.IntRange(1, 100).Draw(t, fmt.Sprintf("size%d", i)))
			price := float64(rapid.IntRange(1, 99).Draw(t, fmt.Sprintf("price%d", i))) / 100
			o, f := makeFill(fmt.Sprintf("sig-%d", i), int64(i+1), action, domain.FillFilled, size, price, 0)
			unique[i] = pair{o, f}
		}

		// Each fill appears 1-3 times, in stream order.
		var stream []pair
		for i, p := range unique {
			copies := rapid.IntRange(1, 3).Draw(t, fmt.Sprintf("copies%d", i))
			for c := 0; c < copies; c++ {
				stream = append(stream, p)
			}
		}

		ctx := context.Background()
		once := New(Options{Repo: memory.NewRepository()})
		for _, p := range unique {
			if _, err := once.Apply(ctx, p.order, p.fill); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}

		replayRepo := memory.NewRepository()
		replay := New(Options{Repo: replayRepo})
		for _, p := range stream {
			if _, err := replay.Apply(ctx, p.order, p.fill); err != nil && !errors.Is(err, ErrFillAlreadyApplied) {
				t.Fatalf("replay: %v", err)
			}
		}

		want, err := once.Position(ctx, yesKey())
		if err != nil {
			t.Fatalf("position: %v", err)
		}
		got, err := replay.Position(ctx, yesKey())
		if err != nil {
			t.Fatalf("position: %v", err)
		}
		if *want != *got {
			t.Fatalf("replay diverged:\nwant %+v\ngot  %+v", want, got)
		}
	})
}
