package domain

// PositionKey identifies a ledger position.
type PositionKey struct {
	Venue        string
	InstrumentID string
	Side         Side
}

// String returns "venue|instrument|side".
func (k PositionKey) String() string {
	return k.Venue + "|" + k.InstrumentID + "|" + string(k.Side)
}

// Position is the running exposure for one key under average-cost accounting.
type Position struct {
	Venue         string
	InstrumentID  string
	Side          Side
	NetSize       float64 // signed, positive is long
	AvgCost       float64
	RealizedPnL   float64 // net of fees
	MarkPrice     float64
	UnrealizedPnL float64
	Fees          float64
	FillCount     int
	LastSequence  int64 // ingest sequence of the last applied fill
	Settled       bool
	UpdatedAt     int64 // ms
}

// Key returns the position key.
func (p *Position) Key() PositionKey {
	return PositionKey{Venue: p.Venue, InstrumentID: p.InstrumentID, Side: p.Side}
}

// Notional returns |net size| * average cost.
func (p *Position) Notional() float64 {
	n := p.NetSize * p.AvgCost
	if n < 0 {
		return -n
	}
	return n
}

// Outcome is the resolution of an instrument.
type Outcome struct {
	InstrumentID string
	Result       Side  // winning side
	ResolvedAt   int64 // ms
}

// Payout returns the settlement value per share of side.
func (o *Outcome) Payout(side Side) float64 {
	if side == o.Result {
		return 1.0
	}
	return 0.0
}
