package domain

// Policy identifies a fill simulation policy.
type Policy string

const (
	PolicyExact     Policy = "EXACT"
	PolicyRealistic Policy = "REALISTIC"
)

// Venue names used as ledger keys. The exact policy books on the baseline venue,
// the realistic policy on the target venue.
const (
	VenueBaseline = "baseline"
	VenueTarget   = "target"
)

// VenueFor returns the ledger venue a policy books to.
func VenueFor(p Policy) string {
	if p == PolicyExact {
		return VenueBaseline
	}
	return VenueTarget
}

// FillStatus is the outcome of simulating a SimOrder.
type FillStatus string

const (
	FillFilled  FillStatus = "FILLED"
	FillPartial FillStatus = "PARTIAL"
	FillMissed  FillStatus = "MISSED"
)

// DepthLevel is one price level of an order book.
type DepthLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookSide holds both sides of the book for one outcome token.
// Bids are sorted by price descending, asks ascending.
type BookSide struct {
	Bids []DepthLevel `json:"bids"`
	Asks []DepthLevel `json:"asks"`
}

// OrderBook is a depth snapshot of a binary market.
type OrderBook struct {
	InstrumentID string   `json:"instrument_id"`
	AsOf         int64    `json:"as_of"` // ms
	Yes          BookSide `json:"yes"`
	No           BookSide `json:"no"`
}

// Side returns the book for an outcome side.
func (b *OrderBook) Side(s Side) BookSide {
	if s == SideNo {
		return b.No
	}
	return b.Yes
}

// SimOrder is a simulated order derived from a signal, its mapping and a policy.
type SimOrder struct {
	OrderID        string
	RunID          string
	SignalID       string
	Sequence       int64 // signal ingest sequence
	Policy         Policy
	Venue          string
	InstrumentID   string
	Side           Side
	Action         Action
	RequestedPrice float64 // reference price
	RequestedSize  float64
	LimitPrice     float64 // price bound after slippage buffer
	DelayMs        int64
	SubmittedAt    int64 // ms, signal time + delay
}

// FillLevel is the portion of a fill taken at one book level.
type FillLevel struct {
	Level int     `json:"level"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// SimFill is the immutable result of simulating one SimOrder.
type SimFill struct {
	FillID      string
	OrderID     string
	Status      FillStatus
	FilledSize  float64
	MissedSize  float64
	AvgPrice    float64 // volume-weighted, 0 when missed
	SlippageBps float64 // VWAP against the reference price, 0 when missed

	// ShortfallBps is the cost of the whole requested size against the
	// reference price, with the missed remainder priced at the limit.
	ShortfallBps float64

	Fee       float64
	Levels    []FillLevel
	BookAsOf  int64 // ms, 0 for exact fills
	CreatedAt int64 // ms
}

// FillRate returns filled / requested size.
func (f *SimFill) FillRate() float64 {
	total := f.FilledSize + f.MissedSize
	if total <= 0 {
		return 0
	}
	return f.FilledSize / total
}
