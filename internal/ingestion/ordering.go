package ingestion

import (
	"errors"
	"sort"

	"copy-mirror/internal/domain"
)

// ErrInvalidOrdering is returned when trades are not properly ordered.
var ErrInvalidOrdering = errors.New("trades are not in deterministic order")

// SortTrades orders trades by (timestamp ASC, trade_id ASC, fill_index ASC).
// Sources deliver at-least-once and may interleave retransmissions; this
// gives every batch the same order regardless of arrival order.
func SortTrades(trades []domain.RawTrade) {
	sort.SliceStable(trades, func(i, j int) bool {
		return compareTrades(&trades[i], &trades[j]) < 0
	})
}

// ValidateTradeOrdering checks that trades are strictly ordered.
// Returns ErrInvalidOrdering if not.
func ValidateTradeOrdering(trades []domain.RawTrade) error {
	for i := 1; i < len(trades); i++ {
		if compareTrades(&trades[i-1], &trades[i]) >= 0 {
			return ErrInvalidOrdering
		}
	}
	return nil
}

// compareTrades returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
//
// Order: (timestamp ASC, trade_id ASC, fill_index ASC)
func compareTrades(a, b *domain.RawTrade) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	if a.TradeID != b.TradeID {
		if a.TradeID < b.TradeID {
			return -1
		}
		return 1
	}
	if a.FillIndex != b.FillIndex {
		if a.FillIndex < b.FillIndex {
			return -1
		}
		return 1
	}
	return 0
}
