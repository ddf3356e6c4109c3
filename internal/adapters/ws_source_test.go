package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"copy-mirror/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedServer upgrades each connection, reports its subscribe request and
// runs serve on it.
func feedServer(t *testing.T, subs chan<- wsSubscribe, serve func(n int, c *websocket.Conn)) string {
	t.Helper()
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		var sub wsSubscribe
		if err := json.Unmarshal(msg, &sub); err != nil {
			t.Errorf("unmarshal subscribe: %v", err)
			return
		}
		subs <- sub

		serve(int(conns.Add(1)), c)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func drainUntil(t *testing.T, src *WSSource, since int64, want int) []domain.RawTrade {
	t.Helper()
	var got []domain.RawTrade
	deadline := time.Now().Add(3 * time.Second)
	for len(got) < want {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: got %d trades, want %d", len(got), want)
		}
		trades, err := src.FetchTrades(context.Background(), since)
		if err != nil && !errors.Is(err, ErrTransient) {
			t.Fatalf("FetchTrades: %v", err)
		}
		got = append(got, trades...)
		time.Sleep(10 * time.Millisecond)
	}
	return got
}

func holdOpen(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func TestWSSource_SubscribeAndReceive(t *testing.T) {
	subs := make(chan wsSubscribe, 4)
	url := feedServer(t, subs, func(_ int, c *websocket.Conn) {
		c.WriteJSON(wsMessage{Type: "trade", Trade: &domain.RawTrade{TradeID: "t1", Timestamp: 1000}})
		c.WriteJSON(wsMessage{Type: "trades", Trades: []domain.RawTrade{
			{TradeID: "t2", Timestamp: 500},
			{TradeID: "t3", Timestamp: 2000},
		}})
		c.WriteMessage(websocket.TextMessage, []byte("not json"))
		holdOpen(c)
	})

	src, err := NewWSSource(context.Background(), WSSourceConfig{Name: "feed", URL: url, Wallets: []string{"0xa"}}, nil)
	if err != nil {
		t.Fatalf("NewWSSource: %v", err)
	}
	defer src.Close()

	sub := <-subs
	if sub.Type != "subscribe" || len(sub.Wallets) != 1 || sub.Wallets[0] != "0xa" {
		t.Errorf("unexpected subscribe: %+v", sub)
	}
	if sub.Since != 0 {
		t.Errorf("expected since 0, got %d", sub.Since)
	}

	got := drainUntil(t, src, 1000, 2)
	if got[0].TradeID != "t1" || got[1].TradeID != "t3" {
		t.Errorf("unexpected trades: %+v", got)
	}
	if src.Name() != "feed" {
		t.Errorf("expected name feed, got %s", src.Name())
	}
}

func TestWSSource_ResubscribesFromLastSeen(t *testing.T) {
	subs := make(chan wsSubscribe, 4)
	url := feedServer(t, subs, func(n int, c *websocket.Conn) {
		if n == 1 {
			c.WriteJSON(wsMessage{Type: "trade", Trade: &domain.RawTrade{TradeID: "t1", Timestamp: 1000}})
			time.Sleep(50 * time.Millisecond)
			return // drop the connection
		}
		c.WriteJSON(wsMessage{Type: "trade", Trade: &domain.RawTrade{TradeID: "t2", Timestamp: 2000}})
		holdOpen(c)
	})

	cfg := WSSourceConfig{URL: url, ReconnectDelay: 10 * time.Millisecond, MaxReconnectDelay: 50 * time.Millisecond}
	src, err := NewWSSource(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("NewWSSource: %v", err)
	}
	defer src.Close()

	<-subs
	got := drainUntil(t, src, 0, 2)
	if got[1].TradeID != "t2" {
		t.Errorf("expected t2 after reconnect, got %+v", got)
	}

	select {
	case sub := <-subs:
		if sub.Since != 1000 {
			t.Errorf("expected resubscribe since 1000, got %d", sub.Since)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for resubscribe")
	}
}

func TestWSSource_Close(t *testing.T) {
	subs := make(chan wsSubscribe, 1)
	url := feedServer(t, subs, func(_ int, c *websocket.Conn) { holdOpen(c) })

	src, err := NewWSSource(context.Background(), WSSourceConfig{URL: url}, nil)
	if err != nil {
		t.Fatalf("NewWSSource: %v", err)
	}

	if err := src.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("double Close: %v", err)
	}

	if _, err := src.FetchTrades(context.Background(), 0); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("expected ErrSourceClosed, got %v", err)
	}
}

func TestWSSource_DialFailure(t *testing.T) {
	_, err := NewWSSource(context.Background(), WSSourceConfig{URL: "ws://127.0.0.1:1"}, nil)
	if err == nil {
		t.Fatal("expected dial error")
	}
}
