package domain

// Side is the outcome token a trade is on.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// IsValid returns true if side is a known outcome side.
func (s Side) IsValid() bool {
	return s == SideYes || s == SideNo
}

// Opposite returns the other outcome side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Action is the direction of a trade on its side.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// IsValid returns true if action is BUY or SELL.
func (a Action) IsValid() bool {
	return a == ActionBuy || a == ActionSell
}

// Sign returns +1 for BUY and -1 for SELL.
func (a Action) Sign() float64 {
	if a == ActionSell {
		return -1
	}
	return 1
}

// RawTrade is one executed trade as reported by a source adapter.
// Delivery is at-least-once, so the same trade may arrive more than once.
type RawTrade struct {
	TradeID         string  `json:"trade_id"`
	FillIndex       int     `json:"fill_index"`        // position within a multi-fill trade
	TxHash          string  `json:"tx_hash,omitempty"` // settlement tx (optional)
	Wallet          string  `json:"wallet"`
	InstrumentRef   string  `json:"instrument_ref"`   // source market slug or ticker
	InstrumentTitle string  `json:"instrument_title"` // human readable question
	Side            Side    `json:"side"`
	Action          Action  `json:"action"`
	Price           float64 `json:"price"` // probability in (0, 1]
	Size            float64 `json:"size"`  // shares
	Timestamp       int64   `json:"timestamp"`
	ExpiresAt       int64   `json:"expires_at,omitempty"` // source market close (ms), 0 if unknown
	Strike          float64 `json:"strike,omitempty"`     // threshold, 0 if none
}

// CopySignal is a deduplicated, checkpointed source trade.
type CopySignal struct {
	SignalID        string // deterministic hash, see idhash.ComputeSignalID
	Source          string // source adapter name
	Sequence        int64  // ingest order within source, equals checkpointed cursor position
	Wallet          string
	TradeID         string
	InstrumentRef   string
	InstrumentTitle string
	Side            Side
	Action          Action
	Price           float64
	Size            float64
	Timestamp       int64 // source trade time (ms)
	ExpiresAt       int64 // source market close (ms), 0 if unknown
	Strike          float64
	IngestedAt      int64 // wall clock at ingest (ms)
}

// Cursor tracks ingestion progress per source.
type Cursor struct {
	Source        string
	Position      int64  // sequence of the last committed signal
	LastSignalID  string // signal committed together with Position
	LastTimestamp int64  // source timestamp of LastSignalID (ms), resume point
	UpdatedAt     int64  // ms
}
