package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"

	"copy-mirror/internal/domain"
)

// ComputeMappingID computes a deterministic mapping id.
// Formula: SHA256(mapping|signal_id|target_instrument)
func ComputeMappingID(signalID, targetInstrument string) string {
	return sum("mapping|%s|%s", signalID, targetInstrument)
}

// ComputeOrderID computes a deterministic SimOrder id.
// Formula: SHA256(signal_id|policy|run_id)
// Returns hex-encoded hash (64 characters).
func ComputeOrderID(signalID string, policy domain.Policy, runID string) string {
	return sum("%s|%s|%s", signalID, string(policy), runID)
}

// ComputeFillID computes the fill id of an order. An order has exactly one fill.
// Formula: SHA256(fill|order_id)
func ComputeFillID(orderID string) string {
	return sum("fill|%s", orderID)
}

// ComputeClientOrderID derives a compact venue client order id from a SimOrder id.
// The first 16 bytes of SHA256(live|order_id) encoded in base58.
func ComputeClientOrderID(orderID string) string {
	hash := sha256.Sum256([]byte("live|" + orderID))
	return base58.Encode(hash[:16])
}

func sum(format string, args ...any) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf(format, args...)))
	return hex.EncodeToString(hash[:])
}
