package domain

// Underlying asset tracked by short-dated crypto markets.
type Underlying string

const (
	UnderlyingUnknown Underlying = ""
	UnderlyingBTC     Underlying = "BTC"
	UnderlyingETH     Underlying = "ETH"
	UnderlyingSOL     Underlying = "SOL"
	UnderlyingXRP     Underlying = "XRP"
)

// ContractType classifies the payoff shape of a binary market.
type ContractType string

const (
	ContractUnknown    ContractType = ""
	ContractUpDown15M  ContractType = "UP_DOWN_15M"
	ContractUpDown1H   ContractType = "UP_DOWN_1H"
	ContractAboveBelow ContractType = "ABOVE_BELOW"
	ContractRange      ContractType = "RANGE"
)

// Instrument is a listed market on the target venue.
type Instrument struct {
	ID         string  `json:"id"` // venue ticker
	Title      string  `json:"title"`
	ExpiresAt  int64   `json:"expires_at"` // close time (ms), 0 if unknown
	Strike     float64 `json:"strike,omitempty"`
	ResolvedAt int64   `json:"resolved_at,omitempty"` // 0 while open
}

// MappingFeatures holds the per-feature scores of a candidate.
type MappingFeatures struct {
	UnderlyingMatch   float64 `json:"underlying_match"`
	TimeProximity     float64 `json:"time_proximity"`
	ContractTypeMatch float64 `json:"contract_type_match"`
	StrikeSimilarity  float64 `json:"strike_similarity"`
}

// MarketMapping is the selected pairing of a signal with a target instrument.
type MarketMapping struct {
	MappingID        string
	SignalID         string
	SourceInstrument string
	TargetInstrument string
	Score            float64 // in [0, 1]
	Features         MappingFeatures
	TargetExpiresAt  int64 // ms, 0 if unknown
	CandidateCount   int
	CreatedAt        int64 // ms
}

// SignalState is the terminal state of a signal after mapping and simulation.
type SignalState string

const (
	SignalMapped        SignalState = "MAPPED"
	SignalUnmapped      SignalState = "UNMAPPED"
	SignalExpired       SignalState = "EXPIRED"
	SignalSkippedHalted SignalState = "SKIPPED_HALTED"

	// SignalDataUnavailable marks a mapped signal whose target depth could
	// not be fetched after retries. Only the baseline copy is applied.
	SignalDataUnavailable SignalState = "DATA_UNAVAILABLE"
)

// Reasons attached to an Unmapped state.
const (
	ReasonLowConfidence   = "LOW_CONFIDENCE"
	ReasonDataUnavailable = "DATA_UNAVAILABLE"
	ReasonNoCandidates    = "NO_CANDIDATES"
)

// SignalStatus records the terminal marker of a signal.
type SignalStatus struct {
	SignalID  string
	State     SignalState
	Reason    string // empty unless Unmapped or Expired
	UpdatedAt int64  // ms
}
