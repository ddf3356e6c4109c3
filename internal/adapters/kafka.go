package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/logging"
)

// KafkaSourceConfig configures a KafkaSource.
type KafkaSourceConfig struct {
	Name      string
	Brokers   []string
	GroupID   string
	Topic     string
	BatchSize int           // max messages per FetchTrades call
	MaxWait   time.Duration // how long FetchTrades waits for the first message
}

// messageReader is the consumer-group side of *kafka.Reader.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes JSON raw trades from a topic. Offsets of a batch are
// committed on the following FetchTrades call, after the caller has ingested
// it, so a crash redelivers rather than loses trades.
type KafkaSource struct {
	name      string
	reader    messageReader
	batchSize int
	maxWait   time.Duration
	pending   []kafka.Message
	logger    logrus.FieldLogger
}

// NewKafkaSource creates a KafkaSource.
func NewKafkaSource(cfg KafkaSourceConfig, logger logrus.FieldLogger) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	wait := cfg.MaxWait
	if wait <= 0 {
		wait = time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "kafka:" + cfg.Topic
	}
	return &KafkaSource{
		name:      name,
		reader:    reader,
		batchSize: batch,
		maxWait:   wait,
		logger:    logging.OrDiscard(logger),
	}
}

// Name returns the source name.
func (s *KafkaSource) Name() string { return s.name }

// FetchTrades commits the previous batch and reads up to BatchSize messages.
// since is ignored: the consumer group offset is the resume point, and a
// late trade older than the cursor is still new. Malformed messages are
// skipped. A fetch error after some messages were read ends the batch early
// without an error, so the caller ingests what was read before the offsets
// are committed. ErrTransient is returned only when nothing was read.
func (s *KafkaSource) FetchTrades(ctx context.Context, _ int64) ([]domain.RawTrade, error) {
	if len(s.pending) > 0 {
		if err := s.reader.CommitMessages(ctx, s.pending...); err != nil {
			return nil, fmt.Errorf("%w: kafka commit: %v", ErrTransient, err)
		}
		s.pending = s.pending[:0]
	}

	var out []domain.RawTrade
	for len(s.pending) < s.batchSize {
		waitCtx, cancel := context.WithTimeout(ctx, s.maxWait)
		msg, err := s.reader.FetchMessage(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if len(s.pending) == 0 {
				return nil, fmt.Errorf("%w: kafka fetch: %v", ErrTransient, err)
			}
			s.logger.WithError(err).WithField("read", len(s.pending)).Warn("kafka fetch failed mid-batch, returning partial batch")
			break
		}
		s.pending = append(s.pending, msg)

		var t domain.RawTrade
		if err := json.Unmarshal(msg.Value, &t); err != nil {
			s.logger.WithError(err).WithField("offset", msg.Offset).Warn("skip malformed trade message")
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Close closes the reader.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

// KafkaPublisher publishes accepted signals as JSON, keyed by wallet so one
// wallet's signals stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a KafkaPublisher.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

type signalMessage struct {
	SignalID      string  `json:"signal_id"`
	Source        string  `json:"source"`
	Sequence      int64   `json:"sequence"`
	Wallet        string  `json:"wallet"`
	TradeID       string  `json:"trade_id"`
	InstrumentRef string  `json:"instrument_ref"`
	Side          string  `json:"side"`
	Action        string  `json:"action"`
	Price         float64 `json:"price"`
	Size          float64 `json:"size"`
	Timestamp     int64   `json:"timestamp"`
}

// Publish writes one signal.
func (p *KafkaPublisher) Publish(ctx context.Context, sig *domain.CopySignal) error {
	value, err := json.Marshal(signalMessage{
		SignalID:      sig.SignalID,
		Source:        sig.Source,
		Sequence:      sig.Sequence,
		Wallet:        sig.Wallet,
		TradeID:       sig.TradeID,
		InstrumentRef: sig.InstrumentRef,
		Side:          string(sig.Side),
		Action:        string(sig.Action),
		Price:         sig.Price,
		Size:          sig.Size,
		Timestamp:     sig.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(sig.Wallet), Value: value}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
