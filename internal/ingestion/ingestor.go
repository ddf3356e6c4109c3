// Package ingestion turns raw source trades into deduplicated, checkpointed
// CopySignals.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/idhash"
	"copy-mirror/internal/logging"
	"copy-mirror/internal/observability"
	"copy-mirror/internal/storage"
)

// ErrInvalidTrade is returned for a raw trade that cannot become a signal.
var ErrInvalidTrade = errors.New("invalid trade")

// sequenceAttempts bounds retries when a concurrent writer takes the next
// sequence of the source first.
const sequenceAttempts = 5

// Rejection reasons reported to metrics.
const (
	RejectMissingID = "missing_id"
	RejectPrice     = "price"
	RejectSize      = "size"
	RejectSide      = "side"
	RejectAction    = "action"
	RejectTimestamp = "timestamp"
)

// TradeSource yields raw trades with timestamp >= since. Delivery is
// at-least-once: the same trade may be returned by several calls.
type TradeSource interface {
	Name() string
	FetchTrades(ctx context.Context, since int64) ([]domain.RawTrade, error)
}

// Publisher receives accepted signals after they are committed.
type Publisher interface {
	Publish(ctx context.Context, sig *domain.CopySignal) error
}

// Sink receives each accepted signal, in ingest order.
type Sink func(ctx context.Context, sig *domain.CopySignal) error

// IngestResult is the outcome of ingesting one raw trade.
type IngestResult struct {
	Signal    *domain.CopySignal
	Duplicate bool // already ingested; nothing was written
}

// Options configures an Ingestor.
type Options struct {
	Repo      storage.Repository
	Source    string // cursor key
	Publisher Publisher
	Now       func() time.Time
	Logger    logrus.FieldLogger
	Metrics   observability.Sink
}

// Ingestor persists each new signal together with its cursor advance.
type Ingestor struct {
	repo      storage.Repository
	source    string
	publisher Publisher
	now       func() time.Time
	logger    logrus.FieldLogger
	metrics   observability.Sink
}

// NewIngestor creates an Ingestor for one source.
func NewIngestor(opts Options) *Ingestor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ingestor{
		repo:      opts.Repo,
		source:    opts.Source,
		publisher: opts.Publisher,
		now:       now,
		logger:    logging.OrDiscard(opts.Logger).WithField("source", opts.Source),
		metrics:   observability.OrNop(opts.Metrics),
	}
}

// Source returns the cursor key of this ingestor.
func (i *Ingestor) Source() string {
	return i.source
}

// Normalize validates a raw trade and converts it to a CopySignal without a sequence.
func (i *Ingestor) Normalize(raw domain.RawTrade) (*domain.CopySignal, error) {
	if reason := validate(raw); reason != "" {
		return nil, fmt.Errorf("%w: %s (trade %q)", ErrInvalidTrade, reason, raw.TradeID)
	}

	wallet := strings.ToLower(strings.TrimSpace(raw.Wallet))
	return &domain.CopySignal{
		SignalID:        idhash.ComputeSignalID(wallet, raw.TradeID, raw.FillIndex, raw.TxHash),
		Source:          i.source,
		Wallet:          wallet,
		TradeID:         raw.TradeID,
		InstrumentRef:   strings.TrimSpace(raw.InstrumentRef),
		InstrumentTitle: strings.TrimSpace(raw.InstrumentTitle),
		Side:            domain.Side(strings.ToUpper(string(raw.Side))),
		Action:          domain.Action(strings.ToUpper(string(raw.Action))),
		Price:           raw.Price,
		Size:            raw.Size,
		Timestamp:       raw.Timestamp,
		ExpiresAt:       raw.ExpiresAt,
		Strike:          raw.Strike,
	}, nil
}

func validate(raw domain.RawTrade) string {
	switch {
	case raw.TradeID == "" || strings.TrimSpace(raw.Wallet) == "":
		return RejectMissingID
	case math.IsNaN(raw.Price) || raw.Price <= 0 || raw.Price > 1:
		return RejectPrice
	case math.IsNaN(raw.Size) || math.IsInf(raw.Size, 0) || raw.Size <= 0:
		return RejectSize
	case !domain.Side(strings.ToUpper(string(raw.Side))).IsValid():
		return RejectSide
	case !domain.Action(strings.ToUpper(string(raw.Action))).IsValid():
		return RejectAction
	case raw.Timestamp <= 0:
		return RejectTimestamp
	}
	return ""
}

// Ingest persists raw as a new signal and advances the cursor past it in one
// transaction. A trade whose signal_id exists is a no-op reported as Duplicate.
func (i *Ingestor) Ingest(ctx context.Context, raw domain.RawTrade) (IngestResult, error) {
	sig, err := i.Normalize(raw)
	if err != nil {
		i.metrics.SignalRejected(i.source, validate(raw))
		return IngestResult{}, err
	}
	sig.IngestedAt = i.now().UnixMilli()

	var duplicate bool
	for attempt := 1; ; attempt++ {
		err = i.repo.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			duplicate = false
			if _, err := tx.GetSignal(ctx, sig.SignalID); err == nil {
				duplicate = true
				return nil
			} else if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("get signal: %w", err)
			}

			cur, err := tx.GetCursor(ctx, i.source)
			if errors.Is(err, storage.ErrNotFound) {
				cur = &domain.Cursor{Source: i.source}
			} else if err != nil {
				return fmt.Errorf("get cursor: %w", err)
			}

			sig.Sequence = cur.Position + 1
			if err := tx.InsertSignal(ctx, sig); err != nil {
				return fmt.Errorf("insert signal: %w", err)
			}

			next := &domain.Cursor{
				Source:        i.source,
				Position:      sig.Sequence,
				LastSignalID:  sig.SignalID,
				LastTimestamp: max(cur.LastTimestamp, sig.Timestamp),
				UpdatedAt:     sig.IngestedAt,
			}
			if err := tx.PutCursor(ctx, next); err != nil {
				return fmt.Errorf("put cursor: %w", err)
			}
			return nil
		})
		if !errors.Is(err, storage.ErrSequenceConflict) || attempt == sequenceAttempts {
			break
		}
		i.logger.WithFields(logrus.Fields{
			"signal_id": sig.SignalID,
			"attempt":   attempt,
		}).Debug("sequence taken by a concurrent ingest, retrying")
	}
	if errors.Is(err, storage.ErrDuplicateKey) {
		// Lost a race with a concurrent ingest of the same trade.
		duplicate, err = true, nil
	}
	if err != nil {
		return IngestResult{}, err
	}

	if duplicate {
		i.metrics.SignalDuplicate(i.source)
		i.logger.WithField("signal_id", sig.SignalID).Debug("duplicate trade ignored")
		return IngestResult{Signal: sig, Duplicate: true}, nil
	}

	i.metrics.SignalIngested(i.source)
	i.logger.WithFields(logrus.Fields{
		"signal_id": sig.SignalID,
		"sequence":  sig.Sequence,
		"wallet":    sig.Wallet,
		"ref":       sig.InstrumentRef,
	}).Debug("signal ingested")

	if i.publisher != nil {
		if err := i.publisher.Publish(ctx, sig); err != nil {
			i.logger.WithError(err).WithField("signal_id", sig.SignalID).Warn("publish signal failed")
		}
	}
	return IngestResult{Signal: sig}, nil
}

// Resume returns the last committed cursor, or a zero cursor for a new source.
func (i *Ingestor) Resume(ctx context.Context) (*domain.Cursor, error) {
	cur, err := i.repo.GetCursor(ctx, i.source)
	if errors.Is(err, storage.ErrNotFound) {
		return &domain.Cursor{Source: i.source}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return cur, nil
}
