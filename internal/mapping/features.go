package mapping

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // ticker times are Eastern

	"copy-mirror/internal/domain"
)

// Features are the comparable attributes of an instrument on either venue.
type Features struct {
	Underlying   domain.Underlying
	ContractType domain.ContractType
	ExpiresAt    int64   // ms, 0 if unknown
	Strike       float64 // 0 if none
}

var underlyingAliases = map[string]domain.Underlying{
	"btc":      domain.UnderlyingBTC,
	"bitcoin":  domain.UnderlyingBTC,
	"xbt":      domain.UnderlyingBTC,
	"eth":      domain.UnderlyingETH,
	"ether":    domain.UnderlyingETH,
	"ethereum": domain.UnderlyingETH,
	"sol":      domain.UnderlyingSOL,
	"solana":   domain.UnderlyingSOL,
	"xrp":      domain.UnderlyingXRP,
	"ripple":   domain.UnderlyingXRP,
}

var (
	strikePattern = regexp.MustCompile(`\$([0-9][0-9,]*(?:\.[0-9]+)?)`)
	tokenSplit    = regexp.MustCompile(`[^a-z0-9]+`)
)

// SourceFeatures extracts features from a source signal's slug and title.
// Explicit expiry and strike fields on the signal take precedence over parsing.
func SourceFeatures(sig *domain.CopySignal) Features {
	tokens := tokenize(sig.InstrumentRef + " " + sig.InstrumentTitle)

	f := Features{
		Underlying:   underlyingOf(tokens),
		ContractType: contractTypeOf(tokens),
		ExpiresAt:    sig.ExpiresAt,
		Strike:       sig.Strike,
	}

	if f.ExpiresAt == 0 {
		f.ExpiresAt = slugExpiry(sig.InstrumentRef, f.ContractType)
	}
	if f.Strike == 0 {
		f.Strike = titleStrike(sig.InstrumentTitle)
	}
	return f
}

// TargetFeatures extracts features from a target venue instrument.
// Tickers follow SERIES-YYMONDDHHMM[-STRIKE], e.g. KXBTC15M-26JAN071845-45.
func TargetFeatures(inst domain.Instrument) Features {
	f := parseTicker(inst.ID)

	if f.Underlying == domain.UnderlyingUnknown {
		f.Underlying = underlyingOf(tokenize(inst.Title))
	}
	if f.ContractType == domain.ContractUnknown {
		f.ContractType = contractTypeOf(tokenize(inst.Title))
	}
	if inst.ExpiresAt != 0 {
		f.ExpiresAt = inst.ExpiresAt
	}
	if inst.Strike != 0 {
		f.Strike = inst.Strike
	} else if f.Strike == 0 {
		f.Strike = titleStrike(inst.Title)
	}
	return f
}

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range tokenSplit.Split(strings.ToLower(s), -1) {
		if tok != "" {
			out[tok] = true
		}
	}
	return out
}

func underlyingOf(tokens map[string]bool) domain.Underlying {
	// Iterate the fixed alias order so a title naming two assets resolves the same way every time.
	for _, alias := range []string{"btc", "bitcoin", "xbt", "eth", "ethereum", "ether", "sol", "solana", "xrp", "ripple"} {
		if tokens[alias] {
			return underlyingAliases[alias]
		}
	}
	return domain.UnderlyingUnknown
}

func contractTypeOf(tokens map[string]bool) domain.ContractType {
	switch {
	case tokens["between"] || tokens["range"]:
		return domain.ContractRange
	case tokens["above"] || tokens["below"] || tokens["greater"] || tokens["less"]:
		return domain.ContractAboveBelow
	case tokens["up"] || tokens["down"] || tokens["updown"]:
		if tokens["15m"] || tokens["15min"] {
			return domain.ContractUpDown15M
		}
		return domain.ContractUpDown1H
	}
	return domain.ContractUnknown
}

// window returns the length of an up/down contract.
func window(ct domain.ContractType) time.Duration {
	switch ct {
	case domain.ContractUpDown15M:
		return 15 * time.Minute
	case domain.ContractUpDown1H:
		return time.Hour
	}
	return 0
}

// slugExpiry reads a trailing unix-seconds window start from slugs like
// btc-updown-15m-1767830400 and adds the contract window.
func slugExpiry(ref string, ct domain.ContractType) int64 {
	idx := strings.LastIndexAny(ref, "-_")
	if idx < 0 || idx == len(ref)-1 {
		return 0
	}
	tail := ref[idx+1:]
	if len(tail) != 10 {
		return 0
	}
	start, err := strconv.ParseInt(tail, 10, 64)
	if err != nil {
		return 0
	}
	return (time.Unix(start, 0).Add(window(ct))).UnixMilli()
}

func titleStrike(title string) float64 {
	m := strikePattern.FindStringSubmatch(title)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0
	}
	return v
}

var eastern = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March, "APR": time.April,
	"MAY": time.May, "JUN": time.June, "JUL": time.July, "AUG": time.August,
	"SEP": time.September, "OCT": time.October, "NOV": time.November, "DEC": time.December,
}

func parseTicker(ticker string) Features {
	var f Features
	parts := strings.Split(strings.ToUpper(ticker), "-")
	if len(parts) == 0 || parts[0] == "" {
		return f
	}

	series := strings.TrimPrefix(parts[0], "KX")
	for _, u := range []domain.Underlying{domain.UnderlyingBTC, domain.UnderlyingETH, domain.UnderlyingSOL, domain.UnderlyingXRP} {
		if strings.HasPrefix(series, string(u)) {
			f.Underlying = u
			switch strings.TrimPrefix(series, string(u)) {
			case "15M":
				f.ContractType = domain.ContractUpDown15M
			case "1H", "H":
				f.ContractType = domain.ContractUpDown1H
			case "D":
				f.ContractType = domain.ContractAboveBelow
			case "":
				f.ContractType = domain.ContractRange
			}
			break
		}
	}

	if len(parts) > 1 {
		f.ExpiresAt = parseTickerTime(parts[1])
	}
	if len(parts) > 2 {
		f.Strike = parseTickerStrike(parts[2])
	}
	return f
}

// parseTickerTime parses YYMONDDHHMM or YYMONDDHH in Eastern time.
func parseTickerTime(s string) int64 {
	if len(s) != 11 && len(s) != 9 {
		return 0
	}
	yy, err := strconv.Atoi(s[0:2])
	if err != nil {
		return 0
	}
	month, ok := months[s[2:5]]
	if !ok {
		return 0
	}
	day, err := strconv.Atoi(s[5:7])
	if err != nil {
		return 0
	}
	hour, err := strconv.Atoi(s[7:9])
	if err != nil || hour > 23 {
		return 0
	}
	minute := 0
	if len(s) == 11 {
		if minute, err = strconv.Atoi(s[9:11]); err != nil || minute > 59 {
			return 0
		}
	}
	return time.Date(2000+yy, month, day, hour, minute, 0, 0, eastern).UnixMilli()
}

// parseTickerStrike reads T<threshold> or B<bucket> segments. Bare numbers
// are contract suffixes, not strikes.
func parseTickerStrike(s string) float64 {
	if len(s) < 2 || (s[0] != 'T' && s[0] != 'B') {
		return 0
	}
	v, err := strconv.ParseFloat(s[1:], 64)
	if err != nil {
		return 0
	}
	return v
}
