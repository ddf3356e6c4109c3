package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/simulation"
	"copy-mirror/internal/storage"
)

const (
	recorderBuffer    = 4096
	recorderBatchSize = 500
	recorderFlush     = time.Second
)

// recorder ships fill records to the analytics store in batches. Add never
// blocks: when the buffer is full the record is dropped.
type recorder struct {
	store  storage.AnalyticsStore
	logger logrus.FieldLogger

	ch      chan *domain.FillRecord
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newRecorder(store storage.AnalyticsStore, logger logrus.FieldLogger) *recorder {
	r := &recorder{
		store:  store,
		logger: logger,
		ch:     make(chan *domain.FillRecord, recorderBuffer),
		done:   make(chan struct{}),
	}
	if store == nil {
		close(r.done)
		return r
	}
	go r.loop()
	return r
}

func (r *recorder) add(rec *domain.FillRecord) {
	if r.store == nil {
		return
	}
	select {
	case r.ch <- rec:
	default:
		if n := r.dropped.Add(1); n%1000 == 1 {
			r.logger.WithField("dropped", n).Warn("analytics buffer full, dropping fill records")
		}
	}
}

// close flushes buffered records and stops the loop. add must not be called afterwards.
func (r *recorder) close() {
	r.once.Do(func() {
		if r.store != nil {
			close(r.ch)
		}
	})
	<-r.done
}

func (r *recorder) loop() {
	defer close(r.done)

	ticker := time.NewTicker(recorderFlush)
	defer ticker.Stop()

	batch := make([]*domain.FillRecord, 0, recorderBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.InsertFillRecords(ctx, batch); err != nil {
			r.logger.WithError(err).WithField("records", len(batch)).Warn("analytics insert failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-r.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= recorderBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func fillRecord(sig *domain.CopySignal, m *domain.MarketMapping, res simulation.Result) *domain.FillRecord {
	return &domain.FillRecord{
		RunID:           res.Order.RunID,
		SignalID:        sig.SignalID,
		OrderID:         res.Order.OrderID,
		Wallet:          sig.Wallet,
		Policy:          res.Order.Policy,
		InstrumentID:    res.Order.InstrumentID,
		Side:            res.Order.Side,
		Action:          res.Order.Action,
		MappingScore:    m.Score,
		DelayMs:         res.Order.DelayMs,
		RequestedSize:   res.Order.RequestedSize,
		FilledSize:      res.Fill.FilledSize,
		ReferencePrice:  res.Order.RequestedPrice,
		AvgPrice:        res.Fill.AvgPrice,
		SlippageBps:     res.Fill.SlippageBps,
		ShortfallBps:    res.Fill.ShortfallBps,
		Fee:             res.Fill.Fee,
		Status:          res.Fill.Status,
		SignalTimestamp: sig.Timestamp,
	}
}
