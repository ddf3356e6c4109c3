package reporting

import (
	"fmt"
	"strings"
)

// RenderCSV renders latency rows as CSV string.
func RenderCSV(rows []LatencyRow) string {
	var sb strings.Builder

	// Header
	sb.WriteString("run_id,delay_ms,signals,filled,partial,missed,expired,unavailable,")
	sb.WriteString("fill_rate,avg_slippage_bps,avg_shortfall_bps,realized_pnl\n")

	// Rows
	for _, r := range rows {
		sb.WriteString(fmt.Sprintf("%s,%d,%d,%d,%d,%d,%d,%d,%.6f,%.6f,%.6f,%.6f\n",
			r.RunID,
			r.DelayMs,
			r.Signals,
			r.Filled,
			r.Partial,
			r.Missed,
			r.Expired,
			r.Unavailable,
			r.FillRate,
			r.AvgSlippageBps,
			r.AvgShortfallBps,
			r.RealizedPnL,
		))
	}

	return sb.String()
}
