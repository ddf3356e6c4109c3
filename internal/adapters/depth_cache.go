package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/logging"
)

// DefaultDepthTTL is how long a cached depth snapshot stays valid.
const DefaultDepthTTL = 5 * time.Second

// DepthFetcher returns depth snapshots.
type DepthFetcher interface {
	GetDepth(ctx context.Context, instrumentID string, asOf int64) (*domain.OrderBook, error)
}

// CachedDepth serves depth snapshots from Redis when a cached snapshot is
// within TTL of the requested asOf, and fetches from the venue otherwise.
// Cache failures fall through to the venue.
type CachedDepth struct {
	next   DepthFetcher
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger logrus.FieldLogger
}

// NewCachedDepth wraps next with a Redis cache.
func NewCachedDepth(next DepthFetcher, client *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *CachedDepth {
	if ttl <= 0 {
		ttl = DefaultDepthTTL
	}
	return &CachedDepth{
		next:   next,
		client: client,
		ttl:    ttl,
		prefix: "depth:",
		logger: logging.OrDiscard(logger),
	}
}

// GetDepth implements DepthFetcher.
func (c *CachedDepth) GetDepth(ctx context.Context, instrumentID string, asOf int64) (*domain.OrderBook, error) {
	key := c.prefix + instrumentID

	if book, ok := c.lookup(ctx, key, asOf); ok {
		return book, nil
	}

	book, err := c.next.GetDepth(ctx, instrumentID, asOf)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(book)
	if err == nil {
		err = c.client.Set(ctx, key, data, c.ttl).Err()
	}
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Debug("depth cache write failed")
	}
	return book, nil
}

func (c *CachedDepth) lookup(ctx context.Context, key string, asOf int64) (*domain.OrderBook, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Debug("depth cache read failed")
		return nil, false
	}

	var book domain.OrderBook
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, false
	}
	// A snapshot newer than asOf would leak future liquidity into the simulation.
	if book.AsOf > asOf || asOf-book.AsOf > c.ttl.Milliseconds() {
		return nil, false
	}
	return &book, true
}

// Ping checks the Redis connection.
func (c *CachedDepth) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
