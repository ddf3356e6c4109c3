package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/logging"
)

// WSSourceConfig configures WebSocket feed behavior.
type WSSourceConfig struct {
	Name    string
	URL     string
	Wallets []string
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// MaxBuffered caps trades held between FetchTrades calls.
	MaxBuffered int
}

// DefaultWSSourceConfig returns default WebSocket configuration.
func DefaultWSSourceConfig() WSSourceConfig {
	return WSSourceConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxBuffered:       10000,
	}
}

// ErrSourceClosed is returned by FetchTrades after Close.
var ErrSourceClosed = errors.New("source closed")

type wsSubscribe struct {
	Type    string   `json:"type"`
	Wallets []string `json:"wallets"`
	Since   int64    `json:"since,omitempty"`
}

type wsMessage struct {
	Type   string            `json:"type"`
	Trade  *domain.RawTrade  `json:"trade,omitempty"`
	Trades []domain.RawTrade `json:"trades,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// WSSource receives pushed trades over a WebSocket and buffers them until
// FetchTrades drains them. After a reconnect it resubscribes from the last
// seen timestamp, so trades may be delivered twice but are not skipped.
type WSSource struct {
	cfg    WSSourceConfig
	logger logrus.FieldLogger

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	mu       sync.Mutex
	buffer   []domain.RawTrade
	lastSeen int64
	dropped  int
	online   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWSSource connects to the feed and subscribes to the configured wallets.
func NewWSSource(ctx context.Context, cfg WSSourceConfig, logger logrus.FieldLogger) (*WSSource, error) {
	def := DefaultWSSourceConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = def.MaxBuffered
	}
	if cfg.Name == "" {
		cfg.Name = "ws"
	}

	s := &WSSource{
		cfg:    cfg,
		logger: logging.OrDiscard(logger).WithField("source", cfg.Name),
		done:   make(chan struct{}),
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

// Name returns the source name.
func (s *WSSource) Name() string { return s.cfg.Name }

// FetchTrades drains buffered trades with timestamp >= since. While the feed
// is disconnected and nothing is buffered it returns ErrTransient.
func (s *WSSource) FetchTrades(_ context.Context, since int64) ([]domain.RawTrade, error) {
	if s.closed.Load() {
		return nil, ErrSourceClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) == 0 && !s.online {
		return nil, fmt.Errorf("%w: feed disconnected", ErrTransient)
	}

	out := make([]domain.RawTrade, 0, len(s.buffer))
	for _, t := range s.buffer {
		if t.Timestamp >= since {
			out = append(out, t)
		}
	}
	s.buffer = s.buffer[:0]

	if s.dropped > 0 {
		// Force a resubscribe from the last buffered timestamp now that the buffer has room.
		s.logger.WithField("dropped", s.dropped).Warn("trade buffer overflowed, resubscribing")
		s.dropped = 0
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connMu.Unlock()
	}
	return out, nil
}

// Close closes the WebSocket connection.
func (s *WSSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	return nil
}

// connect dials and sends the subscription.
func (s *WSSource) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.mu.Lock()
	since := s.lastSeen
	s.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(wsSubscribe{Type: "subscribe", Wallets: s.cfg.Wallets, Since: since}); err != nil {
		conn.Close()
		return fmt.Errorf("write subscribe: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.mu.Lock()
	s.online = true
	s.mu.Unlock()
	return nil
}

// readLoop reads messages and reconnects with exponential backoff on failure.
func (s *WSSource) readLoop() {
	defer s.wg.Done()

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.WithError(err).Warn("feed read failed, reconnecting")
			if !s.reconnect() {
				return
			}
			continue
		}

		s.handleMessage(message)
	}
}

// reconnect retries connect until it succeeds or the source closes.
func (s *WSSource) reconnect() bool {
	s.mu.Lock()
	s.online = false
	s.mu.Unlock()

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectDelay
	b.MaxInterval = s.cfg.MaxReconnectDelay
	b.MaxElapsedTime = 0

	for {
		select {
		case <-s.done:
			return false
		case <-time.After(b.NextBackOff()):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.connect(ctx)
		cancel()
		if err == nil {
			s.logger.Info("feed reconnected")
			return true
		}
		s.logger.WithError(err).Debug("reconnect attempt failed")
	}
}

func (s *WSSource) handleMessage(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.WithError(err).Debug("skip malformed feed message")
		return
	}

	switch msg.Type {
	case "trade":
		if msg.Trade != nil {
			s.push(*msg.Trade)
		}
	case "trades":
		for _, t := range msg.Trades {
			s.push(t)
		}
	case "error":
		s.logger.WithField("error", msg.Error).Warn("feed reported error")
	}
}

func (s *WSSource) push(t domain.RawTrade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) >= s.cfg.MaxBuffered {
		s.dropped++
		return
	}
	s.buffer = append(s.buffer, t)
	if t.Timestamp > s.lastSeen && s.dropped == 0 {
		s.lastSeen = t.Timestamp
	}
}

// pingLoop sends periodic ping frames.
func (s *WSSource) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				s.conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.connMu.Unlock()
		}
	}
}
