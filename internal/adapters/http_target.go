package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"copy-mirror/internal/domain"
)

// HTTPTargetConfig configures the target venue REST client.
type HTTPTargetConfig struct {
	BaseURL    string
	APIKey     string
	RatePerSec float64 // request rate limit, <= 0 disables
	Timeout    time.Duration
	Retry      RetryPolicy
	HTTPClient *http.Client
}

// HTTPTarget is a JSON REST client for a binary-contract venue. Prices on the
// wire are integer cents; the book lists resting bids for both sides, and
// asks on one side are the complement of bids on the other.
type HTTPTarget struct {
	base    string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	retry   RetryPolicy
}

// NewHTTPTarget creates an HTTPTarget.
func NewHTTPTarget(cfg HTTPTargetConfig) *HTTPTarget {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
	}
	return &HTTPTarget{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		limiter: limiter,
		retry:   cfg.Retry,
	}
}

type marketJSON struct {
	Ticker      string    `json:"ticker"`
	Title       string    `json:"title"`
	Status      string    `json:"status"`
	CloseTime   time.Time `json:"close_time"`
	FloorStrike float64   `json:"floor_strike"`
	Result      string    `json:"result"`
	SettledTime time.Time `json:"settlement_time"`
}

type marketsResponse struct {
	Markets []marketJSON `json:"markets"`
	Cursor  string       `json:"cursor"`
}

type marketResponse struct {
	Market marketJSON `json:"market"`
}

type orderbookResponse struct {
	Orderbook struct {
		Yes [][2]float64 `json:"yes"` // [price cents, size] bids
		No  [][2]float64 `json:"no"`
	} `json:"orderbook"`
}

type orderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Side          string `json:"side"`
	Action        string `json:"action"`
	Type          string `json:"type"`
	Count         int64  `json:"count"`
	YesPrice      int64  `json:"yes_price,omitempty"`
	NoPrice       int64  `json:"no_price,omitempty"`
}

type orderResponse struct {
	Order struct {
		OrderID      string  `json:"order_id"`
		Status       string  `json:"status"`
		FilledCount  float64 `json:"fill_count"`
		AvgFillCents float64 `json:"avg_fill_price"`
	} `json:"order"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ListInstruments pages through open markets.
func (c *HTTPTarget) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	var out []domain.Instrument
	cursor := ""
	for {
		q := url.Values{"status": {"open"}, "limit": {"1000"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var resp marketsResponse
		if err := c.get(ctx, "/markets?"+q.Encode(), &resp); err != nil {
			return nil, fmt.Errorf("list markets: %w", err)
		}
		for _, m := range resp.Markets {
			out = append(out, m.instrument())
		}
		if resp.Cursor == "" || len(resp.Markets) == 0 {
			break
		}
		cursor = resp.Cursor
	}
	return out, nil
}

func (m marketJSON) instrument() domain.Instrument {
	inst := domain.Instrument{ID: m.Ticker, Title: m.Title, Strike: m.FloorStrike}
	if !m.CloseTime.IsZero() {
		inst.ExpiresAt = m.CloseTime.UnixMilli()
	}
	if m.Result != "" && !m.SettledTime.IsZero() {
		inst.ResolvedAt = m.SettledTime.UnixMilli()
	}
	return inst
}

// GetDepth fetches the current book. The venue serves only the live book, so
// the snapshot is stamped with asOf; callers wait until asOf before fetching.
func (c *HTTPTarget) GetDepth(ctx context.Context, instrumentID string, asOf int64) (*domain.OrderBook, error) {
	var resp orderbookResponse
	if err := c.get(ctx, "/markets/"+url.PathEscape(instrumentID)+"/orderbook", &resp); err != nil {
		return nil, fmt.Errorf("get orderbook %s: %w", instrumentID, err)
	}

	yesBids := levels(resp.Orderbook.Yes)
	noBids := levels(resp.Orderbook.No)
	return &domain.OrderBook{
		InstrumentID: instrumentID,
		AsOf:         asOf,
		Yes:          domain.BookSide{Bids: yesBids, Asks: complement(noBids)},
		No:           domain.BookSide{Bids: noBids, Asks: complement(yesBids)},
	}, nil
}

// levels converts [cents, size] pairs to bids sorted by price descending.
func levels(raw [][2]float64) []domain.DepthLevel {
	out := make([]domain.DepthLevel, 0, len(raw))
	for _, l := range raw {
		if l[1] <= 0 {
			continue
		}
		out = append(out, domain.DepthLevel{Price: l[0] / 100, Size: l[1]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	return out
}

// complement turns bids on one side into asks on the other: a NO bid at p is
// a YES ask at 1-p. Result is sorted by price ascending.
func complement(bids []domain.DepthLevel) []domain.DepthLevel {
	out := make([]domain.DepthLevel, len(bids))
	for i, b := range bids {
		out[i] = domain.DepthLevel{Price: roundCents(1 - b.Price), Size: b.Size}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

func roundCents(p float64) float64 {
	return float64(int64(p*100+0.5)) / 100
}

// SubmitOrder places a limit order. A venue-side rejection (4xx with an error
// body) is returned as a non-accepted ack.
func (c *HTTPTarget) SubmitOrder(ctx context.Context, o domain.LiveOrder) (*domain.OrderAck, error) {
	req := orderRequest{
		Ticker:        o.InstrumentID,
		ClientOrderID: o.ClientOrderID,
		Side:          strings.ToLower(string(o.Side)),
		Action:        strings.ToLower(string(o.Action)),
		Type:          "limit",
		Count:         o.Size,
	}
	if o.Side == domain.SideYes {
		req.YesPrice = o.PriceCents
	} else {
		req.NoPrice = o.PriceCents
	}

	var resp orderResponse
	err := c.do(ctx, http.MethodPost, "/portfolio/orders", req, &resp)
	var rej *rejectionError
	if errors.As(err, &rej) {
		return &domain.OrderAck{ClientOrderID: o.ClientOrderID, Accepted: false, Reason: rej.msg}, nil
	}
	if err != nil {
		return nil, err
	}

	return &domain.OrderAck{
		ClientOrderID: o.ClientOrderID,
		VenueOrderID:  resp.Order.OrderID,
		Accepted:      true,
		FilledSize:    resp.Order.FilledCount,
		AvgPrice:      resp.Order.AvgFillCents / 100,
	}, nil
}

// Resolve returns the settlement of a market, or ErrNotResolved.
func (c *HTTPTarget) Resolve(ctx context.Context, instrumentID string) (*domain.Outcome, error) {
	var resp marketResponse
	if err := c.get(ctx, "/markets/"+url.PathEscape(instrumentID), &resp); err != nil {
		return nil, fmt.Errorf("get market %s: %w", instrumentID, err)
	}

	var side domain.Side
	switch strings.ToLower(resp.Market.Result) {
	case "yes":
		side = domain.SideYes
	case "no":
		side = domain.SideNo
	default:
		return nil, ErrNotResolved
	}

	resolvedAt := resp.Market.SettledTime
	if resolvedAt.IsZero() {
		resolvedAt = resp.Market.CloseTime
	}
	return &domain.Outcome{InstrumentID: instrumentID, Result: side, ResolvedAt: resolvedAt.UnixMilli()}, nil
}

// rejectionError is a 4xx answer from the venue. It is not retried.
type rejectionError struct {
	status int
	msg    string
}

func (e *rejectionError) Error() string {
	return fmt.Sprintf("venue rejected request (%d): %s", e.status, e.msg)
}

func (c *HTTPTarget) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// do performs one request with rate limiting and transient-error retries.
func (c *HTTPTarget) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	_, err := Retry(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.once(ctx, method, path, payload, out)
	})
	return err
}

func (c *HTTPTarget) once(ctx context.Context, method, path string, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: http request: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, path)
	case resp.StatusCode >= 400:
		return &rejectionError{status: resp.StatusCode, msg: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
