package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// signalIDLen is the number of hex characters kept for a signal_id.
const signalIDLen = 32

// ComputeSignalID computes a deterministic signal_id using SHA256.
// Formula: SHA256(trade_id|fill_index|tx_hash) when the source reports a tx hash,
// otherwise SHA256(wallet|trade_id|fill_index).
// Returns the first 32 hex characters.
func ComputeSignalID(wallet, tradeID string, fillIndex int, txHash string) string {
	var data string
	if txHash != "" {
		data = fmt.Sprintf("%s|%d|%s", tradeID, fillIndex, txHash)
	} else {
		data = fmt.Sprintf("%s|%s|%d", wallet, tradeID, fillIndex)
	}

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])[:signalIDLen]
}
