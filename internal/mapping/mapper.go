// Package mapping pairs source signals with target venue instruments.
package mapping

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/idhash"
	"copy-mirror/internal/logging"
	"copy-mirror/internal/observability"
)

// Score weights.
const (
	WeightUnderlying = 0.40
	WeightTime       = 0.30
	WeightContract   = 0.20
	WeightStrike     = 0.10
)

// scoreEpsilon is the resolution at which two scores are considered tied.
const scoreEpsilon = 1e-9

// DefaultWindow is the expiry distance at which time proximity reaches zero.
const DefaultWindow = 30 * time.Minute

// DefaultTimeout bounds a catalog fetch.
const DefaultTimeout = 5 * time.Second

// Catalog lists currently listed target instruments.
type Catalog interface {
	ListInstruments(ctx context.Context) ([]domain.Instrument, error)
}

// Decision is the result of mapping one signal.
type Decision struct {
	State      domain.SignalState // MAPPED or UNMAPPED
	Reason     string             // set when UNMAPPED
	Mapping    *domain.MarketMapping
	Instrument *domain.Instrument // selected candidate, nil when unmapped
	BestScore  float64
}

// Mapped reports whether a target instrument was selected.
func (d *Decision) Mapped() bool {
	return d.State == domain.SignalMapped
}

// Options configures a Mapper.
type Options struct {
	Catalog Catalog
	Window  time.Duration // default DefaultWindow
	Timeout time.Duration // default DefaultTimeout
	Logger  logrus.FieldLogger
	Metrics observability.Sink
}

// Mapper scores candidates and selects a target instrument per signal.
type Mapper struct {
	catalog Catalog
	window  time.Duration
	timeout time.Duration
	logger  logrus.FieldLogger
	metrics observability.Sink
}

// NewMapper creates a Mapper.
func NewMapper(opts Options) *Mapper {
	m := &Mapper{
		catalog: opts.Catalog,
		window:  opts.Window,
		timeout: opts.Timeout,
		logger:  logging.OrDiscard(opts.Logger),
		metrics: observability.OrNop(opts.Metrics),
	}
	if m.window <= 0 {
		m.window = DefaultWindow
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	return m
}

// Map selects the best target instrument for sig. A signal that cannot be
// mapped yields an UNMAPPED decision, not an error; the only error returned is
// cancellation of ctx itself.
func (m *Mapper) Map(ctx context.Context, sig *domain.CopySignal, minConfidence float64) (*Decision, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.timeout)
	instruments, err := m.catalog.ListInstruments(fetchCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.WithError(err).WithField("signal_id", sig.SignalID).Warn("catalog unavailable")
		return m.unmapped(domain.ReasonDataUnavailable, 0), nil
	}

	d := Select(sig, instruments, m.window, minConfidence)
	m.metrics.MappingResult(string(d.State), d.Reason, d.BestScore)
	if d.Mapped() {
		m.logger.WithFields(logrus.Fields{
			"signal_id": sig.SignalID,
			"target":    d.Mapping.TargetInstrument,
			"score":     d.Mapping.Score,
		}).Debug("signal mapped")
	}
	return d, nil
}

func (m *Mapper) unmapped(reason string, best float64) *Decision {
	m.metrics.MappingResult(string(domain.SignalUnmapped), reason, best)
	return &Decision{State: domain.SignalUnmapped, Reason: reason, BestScore: best}
}

type candidate struct {
	inst     domain.Instrument
	score    float64
	features domain.MappingFeatures
	distance int64 // |expiry delta| ms, MaxInt64 if unknown
}

// Select scores every live candidate and applies the selection rule:
// highest score, then nearer expiry, then lexicographically smaller id.
// The result does not depend on the order of instruments.
func Select(sig *domain.CopySignal, instruments []domain.Instrument, window time.Duration, minConfidence float64) *Decision {
	src := SourceFeatures(sig)

	cands := make([]candidate, 0, len(instruments))
	for _, inst := range instruments {
		tgt := TargetFeatures(inst)
		if !isLive(inst, tgt, sig.Timestamp) {
			continue
		}
		score, features := Score(src, tgt, window)
		cands = append(cands, candidate{
			inst:     inst,
			score:    score,
			features: features,
			distance: expiryDistance(src.ExpiresAt, tgt.ExpiresAt),
		})
	}

	if len(cands) == 0 {
		return &Decision{State: domain.SignalUnmapped, Reason: domain.ReasonNoCandidates}
	}

	sort.Slice(cands, func(i, j int) bool {
		return better(cands[i], cands[j])
	})
	best := cands[0]

	if best.score < minConfidence {
		return &Decision{State: domain.SignalUnmapped, Reason: domain.ReasonLowConfidence, BestScore: best.score}
	}

	inst := best.inst
	expiresAt := TargetFeatures(inst).ExpiresAt
	if inst.ExpiresAt == 0 {
		inst.ExpiresAt = expiresAt
	}
	return &Decision{
		State:      domain.SignalMapped,
		Instrument: &inst,
		BestScore:  best.score,
		Mapping: &domain.MarketMapping{
			MappingID:        idhash.ComputeMappingID(sig.SignalID, inst.ID),
			SignalID:         sig.SignalID,
			SourceInstrument: sig.InstrumentRef,
			TargetInstrument: inst.ID,
			Score:            best.score,
			Features:         best.features,
			TargetExpiresAt:  expiresAt,
			CandidateCount:   len(cands),
			CreatedAt:        sig.Timestamp,
		},
	}
}

func better(a, b candidate) bool {
	if math.Abs(a.score-b.score) > scoreEpsilon {
		return a.score > b.score
	}
	if a.distance != b.distance {
		return a.distance < b.distance
	}
	return a.inst.ID < b.inst.ID
}

// isLive reports whether an instrument can still trade at ts.
func isLive(inst domain.Instrument, f Features, ts int64) bool {
	if inst.ResolvedAt != 0 && inst.ResolvedAt <= ts {
		return false
	}
	if f.ExpiresAt != 0 && f.ExpiresAt <= ts {
		return false
	}
	return true
}

func expiryDistance(a, b int64) int64 {
	if a == 0 || b == 0 {
		return math.MaxInt64
	}
	d := a - b
	if d < 0 {
		d = -d
	}
	return d
}

// Score computes the weighted match score of a target against a source.
// Binary features require a known, equal value on both sides. A missing
// expiry or strike on either side scores the neutral 0.5.
func Score(src, tgt Features, window time.Duration) (float64, domain.MappingFeatures) {
	var f domain.MappingFeatures

	if src.Underlying != domain.UnderlyingUnknown && src.Underlying == tgt.Underlying {
		f.UnderlyingMatch = 1
	}
	if src.ContractType != domain.ContractUnknown && src.ContractType == tgt.ContractType {
		f.ContractTypeMatch = 1
	}

	if src.ExpiresAt == 0 || tgt.ExpiresAt == 0 || window <= 0 {
		f.TimeProximity = 0.5
	} else {
		delta := float64(expiryDistance(src.ExpiresAt, tgt.ExpiresAt))
		f.TimeProximity = clamp01(1 - delta/float64(window.Milliseconds()))
	}

	if src.Strike <= 0 || tgt.Strike <= 0 {
		f.StrikeSimilarity = 0.5
	} else {
		f.StrikeSimilarity = clamp01(1 - math.Abs(src.Strike-tgt.Strike)/math.Max(src.Strike, tgt.Strike))
	}

	score := WeightUnderlying*f.UnderlyingMatch +
		WeightTime*f.TimeProximity +
		WeightContract*f.ContractTypeMatch +
		WeightStrike*f.StrikeSimilarity

	return clamp01(round9(score)), f
}

func round9(v float64) float64 {
	return math.Round(v/scoreEpsilon) * scoreEpsilon
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
