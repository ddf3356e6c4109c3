package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"copy-mirror/internal/adapters"
)

// DefaultPollInterval is the wait between source fetches.
const DefaultPollInterval = 2 * time.Second

// Run polls src from the last committed cursor until ctx is cancelled,
// ingesting each batch in deterministic order and passing accepted signals
// to sink. Transient source errors are logged and retried on the next tick.
func (i *Ingestor) Run(ctx context.Context, src TradeSource, sink Sink, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	cur, err := i.Resume(ctx)
	if err != nil {
		return err
	}
	since := cur.LastTimestamp

	i.logger.WithFields(logrus.Fields{
		"adapter":  src.Name(),
		"position": cur.Position,
		"since":    since,
		"poll":     poll,
	}).Info("ingestion started")

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		next, err := i.poll(ctx, src, since, sink)
		since = next
		switch {
		case err == nil:
		case errors.Is(err, adapters.ErrTransient):
			i.metrics.AdapterError("fetch_trades")
			i.logger.WithError(err).Warn("source fetch failed, retrying")
		default:
			return err
		}

		select {
		case <-ctx.Done():
			i.logger.Info("ingestion stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll fetches and ingests one batch. Returns the resume timestamp for the
// next fetch. Trades returned together with a fetch error are ingested
// before the error is reported.
func (i *Ingestor) poll(ctx context.Context, src TradeSource, since int64, sink Sink) (int64, error) {
	trades, fetchErr := src.FetchTrades(ctx, since)
	if len(trades) == 0 {
		return since, fetchErr
	}
	SortTrades(trades)

	for _, raw := range trades {
		res, err := i.Ingest(ctx, raw)
		if errors.Is(err, ErrInvalidTrade) {
			i.logger.WithError(err).Warn("trade rejected")
			continue
		}
		if err != nil {
			return since, err
		}

		since = max(since, raw.Timestamp)
		if res.Duplicate {
			continue
		}
		if sink != nil {
			if err := sink(ctx, res.Signal); err != nil {
				return since, err
			}
		}
	}
	return since, fetchErr
}
