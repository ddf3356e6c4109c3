package adapters

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"copy-mirror/internal/domain"
)

// StaticSource serves a fixed list of trades. Used for SIM replays and tests.
type StaticSource struct {
	name   string
	trades []domain.RawTrade
}

// NewStaticSource creates a StaticSource.
func NewStaticSource(name string, trades []domain.RawTrade) *StaticSource {
	return &StaticSource{name: name, trades: append([]domain.RawTrade(nil), trades...)}
}

// Name returns the source name.
func (s *StaticSource) Name() string { return s.name }

// FetchTrades returns every trade with timestamp >= since.
func (s *StaticSource) FetchTrades(_ context.Context, since int64) ([]domain.RawTrade, error) {
	var out []domain.RawTrade
	for _, t := range s.trades {
		if t.Timestamp >= since {
			out = append(out, t)
		}
	}
	return out, nil
}

// ReadTrades decodes JSON lines of raw trades. Blank lines are skipped.
func ReadTrades(r io.Reader) ([]domain.RawTrade, error) {
	var out []domain.RawTrade
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var t domain.RawTrade
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, t)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// StaticTarget is an in-memory venue with timestamped depth snapshots and
// known outcomes. Submitted orders are accepted and recorded.
type StaticTarget struct {
	mu          sync.Mutex
	instruments []domain.Instrument
	books       map[string][]domain.OrderBook // sorted by AsOf
	outcomes    map[string]domain.Outcome
	orders      []domain.LiveOrder
	depthCalls  int
	depthErr    error
}

// NewStaticTarget creates an empty StaticTarget.
func NewStaticTarget() *StaticTarget {
	return &StaticTarget{
		books:    make(map[string][]domain.OrderBook),
		outcomes: make(map[string]domain.Outcome),
	}
}

// AddInstrument lists an instrument.
func (t *StaticTarget) AddInstrument(inst domain.Instrument) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instruments = append(t.instruments, inst)
}

// AddBook adds a depth snapshot.
func (t *StaticTarget) AddBook(book domain.OrderBook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	books := append(t.books[book.InstrumentID], book)
	sort.SliceStable(books, func(i, j int) bool { return books[i].AsOf < books[j].AsOf })
	t.books[book.InstrumentID] = books
}

// SetOutcome records the resolution of an instrument and marks it resolved in the listing.
func (t *StaticTarget) SetOutcome(o domain.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes[o.InstrumentID] = o
	for i := range t.instruments {
		if t.instruments[i].ID == o.InstrumentID {
			t.instruments[i].ResolvedAt = o.ResolvedAt
		}
	}
}

// FailDepth makes every GetDepth call fail with err; nil restores normal behavior.
func (t *StaticTarget) FailDepth(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.depthErr = err
}

// ListInstruments returns a copy of the listing.
func (t *StaticTarget) ListInstruments(context.Context) ([]domain.Instrument, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Instrument(nil), t.instruments...), nil
}

// GetDepth returns the latest snapshot with AsOf <= asOf, or the earliest
// snapshot if none precedes asOf. An instrument without snapshots has an empty book.
func (t *StaticTarget) GetDepth(_ context.Context, instrumentID string, asOf int64) (*domain.OrderBook, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.depthCalls++
	if t.depthErr != nil {
		return nil, t.depthErr
	}

	books := t.books[instrumentID]
	if len(books) == 0 {
		return &domain.OrderBook{InstrumentID: instrumentID, AsOf: asOf}, nil
	}
	i := sort.Search(len(books), func(i int) bool { return books[i].AsOf > asOf })
	if i > 0 {
		i--
	}
	b := cloneBook(books[i])
	return &b, nil
}

// DepthCalls returns the number of GetDepth calls so far.
func (t *StaticTarget) DepthCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.depthCalls
}

// SubmitOrder records and accepts the order at its limit price.
func (t *StaticTarget) SubmitOrder(_ context.Context, o domain.LiveOrder) (*domain.OrderAck, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders = append(t.orders, o)
	return &domain.OrderAck{
		ClientOrderID: o.ClientOrderID,
		VenueOrderID:  fmt.Sprintf("static-%d", len(t.orders)),
		Accepted:      true,
		FilledSize:    float64(o.Size),
		AvgPrice:      float64(o.PriceCents) / 100,
	}, nil
}

// Orders returns the submitted orders.
func (t *StaticTarget) Orders() []domain.LiveOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.LiveOrder(nil), t.orders...)
}

// Resolve returns the recorded outcome, or ErrNotResolved.
func (t *StaticTarget) Resolve(_ context.Context, instrumentID string) (*domain.Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.outcomes[instrumentID]
	if !ok {
		return nil, ErrNotResolved
	}
	return &o, nil
}

func cloneBook(b domain.OrderBook) domain.OrderBook {
	out := b
	out.Yes = domain.BookSide{
		Bids: append([]domain.DepthLevel(nil), b.Yes.Bids...),
		Asks: append([]domain.DepthLevel(nil), b.Yes.Asks...),
	}
	out.No = domain.BookSide{
		Bids: append([]domain.DepthLevel(nil), b.No.Bids...),
		Asks: append([]domain.DepthLevel(nil), b.No.Asks...),
	}
	return out
}

// VenueFixture is a recorded venue: listing, depth snapshots and outcomes.
type VenueFixture struct {
	Instruments []domain.Instrument `json:"instruments"`
	Books       []domain.OrderBook  `json:"books"`
	Outcomes    []struct {
		InstrumentID string      `json:"instrument_id"`
		Result       domain.Side `json:"result"`
		ResolvedAt   int64       `json:"resolved_at"`
	} `json:"outcomes"`
}

// LoadStaticTarget builds a StaticTarget from a JSON VenueFixture.
func LoadStaticTarget(r io.Reader) (*StaticTarget, error) {
	var fx VenueFixture
	if err := json.NewDecoder(r).Decode(&fx); err != nil {
		return nil, fmt.Errorf("decode venue fixture: %w", err)
	}
	t := NewStaticTarget()
	for _, inst := range fx.Instruments {
		t.AddInstrument(inst)
	}
	for _, b := range fx.Books {
		t.AddBook(b)
	}
	for _, o := range fx.Outcomes {
		if !o.Result.IsValid() {
			return nil, fmt.Errorf("outcome of %s: invalid result %q", o.InstrumentID, o.Result)
		}
		t.SetOutcome(domain.Outcome{InstrumentID: o.InstrumentID, Result: o.Result, ResolvedAt: o.ResolvedAt})
	}
	return t, nil
}
