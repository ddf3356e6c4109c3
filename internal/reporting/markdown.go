package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	// Header
	sb.WriteString("# Latency Sweep Report\n\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))
	params := "static"
	if r.Adaptive {
		params = "adaptive"
	}
	sb.WriteString(fmt.Sprintf("Seed: %d | Parameters: %s\n\n", r.Seed, params))

	// Data Summary
	sb.WriteString("## Data Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Trades | %d |\n", r.DataSummary.TotalTrades))
	sb.WriteString(fmt.Sprintf("| Wallets | %d |\n", r.DataSummary.Wallets))
	sb.WriteString(fmt.Sprintf("| Source Instruments | %d |\n", r.DataSummary.Instruments))
	sb.WriteString(fmt.Sprintf("| Date Range Start (ms) | %d |\n", r.DataSummary.DateRangeStart))
	sb.WriteString(fmt.Sprintf("| Date Range End (ms) | %d |\n", r.DataSummary.DateRangeEnd))
	sb.WriteString("\n")

	// Latency
	sb.WriteString("## Fill Quality by Delay\n\n")
	if len(r.Latency) > 0 {
		sb.WriteString("| Delay (ms) | Signals | Filled | Partial | Missed | Expired | Unavailable | FillRate | Slippage (bps) | Shortfall (bps) | Realized PnL |\n")
		sb.WriteString("|------------|---------|--------|---------|--------|---------|-------------|----------|----------------|-----------------|--------------|\n")
		for _, l := range r.Latency {
			sb.WriteString(fmt.Sprintf("| %d | %d | %d | %d | %d | %d | %d | %.4f | %.2f | %.2f | %.4f |\n",
				l.DelayMs, l.Signals, l.Filled, l.Partial, l.Missed, l.Expired, l.Unavailable,
				l.FillRate, l.AvgSlippageBps, l.AvgShortfallBps, l.RealizedPnL))
		}
	} else {
		sb.WriteString("No sweep results available.\n")
	}
	sb.WriteString("\n")

	// Degradation
	sb.WriteString("## Degradation vs Shortest Delay\n\n")
	if len(r.Degradation) > 0 {
		sb.WriteString("| Delay (ms) | Baseline (ms) | ΔFillRate | ΔSlippage (bps) | ΔShortfall (bps) | ΔPnL | PnL Degradation% |\n")
		sb.WriteString("|------------|---------------|-----------|-----------------|------------------|------|------------------|\n")
		for _, d := range r.Degradation {
			sb.WriteString(fmt.Sprintf("| %d | %d | %+.4f | %+.2f | %+.2f | %+.4f | %.2f |\n",
				d.DelayMs, d.BaselineDelayMs, d.FillRateDelta, d.SlippageDeltaBps, d.ShortfallDeltaBps, d.PnLDelta, d.PnLDegradationPct))
		}
	} else {
		sb.WriteString("Only one delay was replayed.\n")
	}
	sb.WriteString("\n")

	return sb.String()
}
