package mapping

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"copy-mirror/internal/domain"
)

const minute = int64(60_000)

// sourceExpiry is 2026-01-07 18:45 ET.
var sourceExpiry = time.Date(2026, time.January, 7, 23, 45, 0, 0, time.UTC).UnixMilli()

type stubCatalog struct {
	instruments []domain.Instrument
	err         error
	block       bool
}

func (c *stubCatalog) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.instruments, c.err
}

func scenarioSignal() *domain.CopySignal {
	return &domain.CopySignal{
		SignalID:        "sig-1",
		Wallet:          "W",
		InstrumentRef:   "BTC-UP-15M-T1",
		InstrumentTitle: "Bitcoin Up or Down",
		Side:            domain.SideYes,
		Action:          domain.ActionBuy,
		Price:           0.55,
		Size:            100,
		Timestamp:       sourceExpiry - 10*minute,
		ExpiresAt:       sourceExpiry,
		Strike:          100,
	}
}

func TestScore_Scenario(t *testing.T) {
	sig := scenarioSignal()
	inst := domain.Instrument{
		ID:        "KXBTC15M-26JAN071857-57",
		ExpiresAt: sourceExpiry + 12*minute,
		Strike:    250,
	}

	score, f := Score(SourceFeatures(sig), TargetFeatures(inst), DefaultWindow)

	assert.InDelta(t, 0.82, score, 1e-9)
	assert.Equal(t, 1.0, f.UnderlyingMatch)
	assert.Equal(t, 1.0, f.ContractTypeMatch)
	assert.InDelta(t, 0.6, f.TimeProximity, 1e-9)
	assert.InDelta(t, 0.4, f.StrikeSimilarity, 1e-9)
}

func TestScore_NeutralWhenMissing(t *testing.T) {
	src := Features{Underlying: domain.UnderlyingETH, ContractType: domain.ContractUpDown1H}
	tgt := Features{Underlying: domain.UnderlyingETH, ContractType: domain.ContractUpDown1H}

	score, f := Score(src, tgt, DefaultWindow)
	assert.Equal(t, 0.5, f.TimeProximity)
	assert.Equal(t, 0.5, f.StrikeSimilarity)
	assert.InDelta(t, 0.4+0.15+0.2+0.05, score, 1e-9)
}

func TestScore_FarExpiryIsZero(t *testing.T) {
	src := Features{ExpiresAt: sourceExpiry}
	tgt := Features{ExpiresAt: sourceExpiry + 90*minute}

	_, f := Score(src, tgt, DefaultWindow)
	assert.Equal(t, 0.0, f.TimeProximity)
	assert.Equal(t, 0.0, f.UnderlyingMatch, "unknown underlying never matches")
}

func TestTargetFeatures_Ticker(t *testing.T) {
	tests := []struct {
		ticker   string
		want     Features
		wantTime time.Time
	}{
		{
			ticker:   "KXBTC15M-26JAN071845-45",
			want:     Features{Underlying: domain.UnderlyingBTC, ContractType: domain.ContractUpDown15M},
			wantTime: time.Date(2026, time.January, 7, 23, 45, 0, 0, time.UTC),
		},
		{
			ticker:   "KXETHD-26JUL0317-T3450.5",
			want:     Features{Underlying: domain.UnderlyingETH, ContractType: domain.ContractAboveBelow, Strike: 3450.5},
			wantTime: time.Date(2026, time.July, 3, 21, 0, 0, 0, time.UTC), // EDT
		},
		{
			ticker:   "KXSOL-26MAR0112-B180",
			want:     Features{Underlying: domain.UnderlyingSOL, ContractType: domain.ContractRange, Strike: 180},
			wantTime: time.Date(2026, time.March, 1, 17, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.ticker, func(t *testing.T) {
			got := TargetFeatures(domain.Instrument{ID: tt.ticker})
			assert.Equal(t, tt.want.Underlying, got.Underlying)
			assert.Equal(t, tt.want.ContractType, got.ContractType)
			assert.Equal(t, tt.want.Strike, got.Strike)
			assert.Equal(t, tt.wantTime.UnixMilli(), got.ExpiresAt)
		})
	}
}

func TestTargetFeatures_ListingOverridesTicker(t *testing.T) {
	got := TargetFeatures(domain.Instrument{ID: "KXBTC15M-26JAN071845-45", ExpiresAt: 42, Strike: 7})
	assert.Equal(t, int64(42), got.ExpiresAt)
	assert.Equal(t, 7.0, got.Strike)
}

func TestSourceFeatures_Slug(t *testing.T) {
	sig := &domain.CopySignal{
		InstrumentRef:   "eth-updown-15m-1767830400",
		InstrumentTitle: "Ethereum Up or Down - January 7, 7:00PM-7:15PM ET",
	}

	got := SourceFeatures(sig)
	assert.Equal(t, domain.UnderlyingETH, got.Underlying)
	assert.Equal(t, domain.ContractUpDown15M, got.ContractType)
	assert.Equal(t, int64(1767830400_000)+15*minute, got.ExpiresAt)
}

func TestSourceFeatures_TitleStrike(t *testing.T) {
	sig := &domain.CopySignal{
		InstrumentRef:   "bitcoin-above-on-january-7",
		InstrumentTitle: "Will Bitcoin be above $96,500 on January 7?",
	}

	got := SourceFeatures(sig)
	assert.Equal(t, domain.UnderlyingBTC, got.Underlying)
	assert.Equal(t, domain.ContractAboveBelow, got.ContractType)
	assert.Equal(t, 96500.0, got.Strike)
	assert.Equal(t, int64(0), got.ExpiresAt)
}

func TestSelect_TieBreaks(t *testing.T) {
	sig := scenarioSignal()
	sig.Strike = 0

	t.Run("equal score and distance picks smaller id", func(t *testing.T) {
		a := domain.Instrument{ID: "KXBTC15M-C", ExpiresAt: sourceExpiry + 3*minute}
		b := domain.Instrument{ID: "KXBTC15M-B", ExpiresAt: sourceExpiry - 3*minute}

		d := Select(sig, []domain.Instrument{a, b}, DefaultWindow, 0.5)
		require.True(t, d.Mapped())
		assert.Equal(t, "KXBTC15M-B", d.Mapping.TargetInstrument)
		assert.Equal(t, 2, d.Mapping.CandidateCount)
	})

	t.Run("equal score picks nearer expiry", func(t *testing.T) {
		// Both are outside the window, so time proximity is 0 for each.
		far := domain.Instrument{ID: "KXBTC15M-A", ExpiresAt: sourceExpiry + 50*minute}
		near := domain.Instrument{ID: "KXBTC15M-Z", ExpiresAt: sourceExpiry + 40*minute}

		d := Select(sig, []domain.Instrument{far, near}, DefaultWindow, 0)
		require.True(t, d.Mapped())
		assert.Equal(t, "KXBTC15M-Z", d.Mapping.TargetInstrument)
	})

	t.Run("unknown expiry falls back to id", func(t *testing.T) {
		s := scenarioSignal()
		s.ExpiresAt = 0
		a := domain.Instrument{ID: "KXBTC15M-B"}
		b := domain.Instrument{ID: "KXBTC15M-A"}

		d := Select(s, []domain.Instrument{a, b}, DefaultWindow, 0.5)
		require.True(t, d.Mapped())
		assert.Equal(t, "KXBTC15M-A", d.Mapping.TargetInstrument)
	})

	t.Run("higher score wins over id", func(t *testing.T) {
		other := domain.Instrument{ID: "KXBTC15M-A", ExpiresAt: sourceExpiry - 6*minute}
		closer := domain.Instrument{ID: "KXBTC15M-Z", ExpiresAt: sourceExpiry + 3*minute}

		d := Select(sig, []domain.Instrument{other, closer}, DefaultWindow, 0.5)
		require.True(t, d.Mapped())
		assert.Equal(t, "KXBTC15M-Z", d.Mapping.TargetInstrument)
	})
}

func TestSelect_Unmapped(t *testing.T) {
	sig := scenarioSignal()

	t.Run("low confidence", func(t *testing.T) {
		eth := domain.Instrument{ID: "KXETHD-26JAN071900-T3000"}
		d := Select(sig, []domain.Instrument{eth}, DefaultWindow, 0.7)
		assert.Equal(t, domain.SignalUnmapped, d.State)
		assert.Equal(t, domain.ReasonLowConfidence, d.Reason)
		assert.Nil(t, d.Mapping)
		assert.Less(t, d.BestScore, 0.7)
	})

	t.Run("only expired or resolved candidates", func(t *testing.T) {
		expired := domain.Instrument{ID: "KXBTC15M-1", ExpiresAt: sig.Timestamp - 1}
		resolved := domain.Instrument{ID: "KXBTC15M-2", ExpiresAt: sourceExpiry, ResolvedAt: sig.Timestamp}
		d := Select(sig, []domain.Instrument{expired, resolved}, DefaultWindow, 0.7)
		assert.Equal(t, domain.ReasonNoCandidates, d.Reason)
	})
}

func TestMapper_DataUnavailable(t *testing.T) {
	t.Run("catalog error", func(t *testing.T) {
		m := NewMapper(Options{Catalog: &stubCatalog{err: errors.New("connection refused")}})
		d, err := m.Map(context.Background(), scenarioSignal(), 0.7)
		require.NoError(t, err)
		assert.Equal(t, domain.SignalUnmapped, d.State)
		assert.Equal(t, domain.ReasonDataUnavailable, d.Reason)
	})

	t.Run("catalog timeout", func(t *testing.T) {
		m := NewMapper(Options{Catalog: &stubCatalog{block: true}, Timeout: 20 * time.Millisecond})
		d, err := m.Map(context.Background(), scenarioSignal(), 0.7)
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonDataUnavailable, d.Reason)
	})

	t.Run("caller cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		m := NewMapper(Options{Catalog: &stubCatalog{block: true}})
		_, err := m.Map(ctx, scenarioSignal(), 0.7)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMapper_Map(t *testing.T) {
	inst := domain.Instrument{ID: "KXBTC15M-26JAN071845-45", Strike: 100}
	m := NewMapper(Options{Catalog: &stubCatalog{instruments: []domain.Instrument{inst}}})

	d, err := m.Map(context.Background(), scenarioSignal(), 0.7)
	require.NoError(t, err)
	require.True(t, d.Mapped())
	assert.Equal(t, "sig-1", d.Mapping.SignalID)
	assert.Equal(t, sourceExpiry, d.Mapping.TargetExpiresAt)
	assert.InDelta(t, 1.0, d.Mapping.Score, 1e-9)
	assert.NotEmpty(t, d.Mapping.MappingID)
}

// With a unique best candidate the selection never depends on listing order.
func TestSelect_OrderIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "n")
		instruments := make([]domain.Instrument, n)
		for i := range instruments {
			offset := rapid.Int64Range(-40, 40).Draw(t, fmt.Sprintf("offset%d", i))
			strike := rapid.Float64Range(1, 200).Draw(t, fmt.Sprintf("strike%d", i))
			series := rapid.SampledFrom([]string{"KXBTC15M", "KXETH15M", "KXBTCD"}).Draw(t, fmt.Sprintf("series%d", i))
			instruments[i] = domain.Instrument{
				ID:        fmt.Sprintf("%s-%02d", series, i),
				ExpiresAt: sourceExpiry + offset*minute,
				Strike:    strike,
			}
		}

		sig := scenarioSignal()
		want := Select(sig, instruments, DefaultWindow, 0)

		shuffled := rapid.Permutation(instruments).Draw(t, "shuffled")
		got := Select(sig, shuffled, DefaultWindow, 0)

		if want.Mapped() != got.Mapped() {
			t.Fatalf("mapped mismatch: %v vs %v", want.Mapped(), got.Mapped())
		}
		if want.Mapped() && want.Mapping.TargetInstrument != got.Mapping.TargetInstrument {
			t.Fatalf("selected %s, then %s after shuffle", want.Mapping.TargetInstrument, got.Mapping.TargetInstrument)
		}
		if want.BestScore < 0 || want.BestScore > 1 {
			t.Fatalf("score out of range: %v", want.BestScore)
		}
	})
}
