// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives pipeline measurements. Implementations must never block.
type Sink interface {
	SignalIngested(source string)
	SignalDuplicate(source string)
	SignalRejected(source, reason string)
	MappingResult(state, reason string, score float64)
	Fill(policy, status string, fillRate, shortfallBps float64)
	Expired()
	PnL(venue string, realized, unrealized float64)
	Equity(equity float64)
	Mode(mode string)
	BreakerTripped(reason string)
	LearnerParam(name string, value float64)
	SafetyBoundViolation(name string)
	AdapterError(op string)
	LiveOrder(result string)
}

// Metrics holds all Prometheus metrics for the mirror.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion metrics
	SignalsIngested  *prometheus.CounterVec
	SignalDuplicates *prometheus.CounterVec
	SignalsRejected  *prometheus.CounterVec

	// Mapping metrics
	MappingResults    *prometheus.CounterVec
	MappingConfidence prometheus.Histogram

	// Simulation metrics
	FillsTotal   *prometheus.CounterVec
	FillRate     *prometheus.HistogramVec
	ShortfallBps *prometheus.HistogramVec
	Expirations  prometheus.Counter

	// Ledger metrics
	RealizedPnL   *prometheus.GaugeVec
	UnrealizedPnL *prometheus.GaugeVec
	LedgerEquity  prometheus.Gauge

	// Control metrics
	ModeInfo        *prometheus.GaugeVec
	BreakerTrips    *prometheus.CounterVec
	LearnerParams   *prometheus.GaugeVec
	BoundViolations *prometheus.CounterVec

	// Adapter metrics
	AdapterErrors *prometheus.CounterVec
	LiveOrders    *prometheus.CounterVec
}

var modes = []string{"SIM", "SHADOW", "LIVE", "HALTED"}

// NewMetrics creates a new Metrics instance registered on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "copy_mirror"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Ingestion metrics
		SignalsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "signals_ingested_total",
			Help:      "Total number of new signals committed",
		}, []string{"source"}),
		SignalDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "signal_duplicates_total",
			Help:      "Total number of redelivered events ignored",
		}, []string{"source"}),
		SignalsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "signals_rejected_total",
			Help:      "Total number of malformed events dropped",
		}, []string{"source", "reason"}),

		// Mapping metrics
		MappingResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mapping",
			Name:      "results_total",
			Help:      "Mapping results by terminal state and reason",
		}, []string{"state", "reason"}),
		MappingConfidence: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mapping",
			Name:      "confidence",
			Help:      "Best candidate score per signal",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),

		// Simulation metrics
		FillsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "fills_total",
			Help:      "Simulated fills by policy and status",
		}, []string{"policy", "status"}),
		FillRate: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "fill_rate",
			Help:      "Filled size over requested size",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"policy"}),
		ShortfallBps: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "shortfall_bps",
			Help:      "Implementation shortfall over requested size in basis points",
			Buckets:   []float64{0, 10, 25, 50, 100, 200, 400, 800},
		}, []string{"policy"}),
		Expirations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "expired_total",
			Help:      "Signals whose instrument resolved before simulation completed",
		}),

		// Ledger metrics
		RealizedPnL: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "realized_pnl",
			Help:      "Realized P&L by venue",
		}, []string{"venue"}),
		UnrealizedPnL: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "unrealized_pnl",
			Help:      "Unrealized P&L by venue",
		}, []string{"venue"}),
		LedgerEquity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "equity",
			Help:      "Target venue equity used by the circuit breaker",
		}),

		// Control metrics
		ModeInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "mode",
			Help:      "1 for the current execution mode, 0 otherwise",
		}, []string{"mode"}),
		BreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker trips by reason",
		}, []string{"reason"}),
		LearnerParams: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "learner",
			Name:      "param",
			Help:      "Current value of each adaptive parameter",
		}, []string{"name"}),
		BoundViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "learner",
			Name:      "bound_violations_total",
			Help:      "Learner proposals clamped to their bounds",
		}, []string{"name"}),

		// Adapter metrics
		AdapterErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "errors_total",
			Help:      "Adapter call failures by operation",
		}, []string{"op"}),
		LiveOrders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "live_orders_total",
			Help:      "Live orders by result",
		}, []string{"result"}),
	}
}

// Compile-time interface check.
var _ Sink = (*Metrics)(nil)

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SignalIngested(source string) {
	m.SignalsIngested.WithLabelValues(source).Inc()
}

func (m *Metrics) SignalDuplicate(source string) {
	m.SignalDuplicates.WithLabelValues(source).Inc()
}

func (m *Metrics) SignalRejected(source, reason string) {
	m.SignalsRejected.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) MappingResult(state, reason string, score float64) {
	m.MappingResults.WithLabelValues(state, reason).Inc()
	m.MappingConfidence.Observe(score)
}

func (m *Metrics) Fill(policy, status string, fillRate, shortfallBps float64) {
	m.FillsTotal.WithLabelValues(policy, status).Inc()
	m.FillRate.WithLabelValues(policy).Observe(fillRate)
	m.ShortfallBps.WithLabelValues(policy).Observe(shortfallBps)
}

func (m *Metrics) Expired() {
	m.Expirations.Inc()
}

func (m *Metrics) PnL(venue string, realized, unrealized float64) {
	m.RealizedPnL.WithLabelValues(venue).Set(realized)
	m.UnrealizedPnL.WithLabelValues(venue).Set(unrealized)
}

func (m *Metrics) Equity(equity float64) {
	m.LedgerEquity.Set(equity)
}

func (m *Metrics) Mode(mode string) {
	for _, md := range modes {
		v := 0.0
		if md == mode {
			v = 1
		}
		m.ModeInfo.WithLabelValues(md).Set(v)
	}
}

func (m *Metrics) BreakerTripped(reason string) {
	m.BreakerTrips.WithLabelValues(reason).Inc()
}

func (m *Metrics) LearnerParam(name string, value float64) {
	m.LearnerParams.WithLabelValues(name).Set(value)
}

func (m *Metrics) SafetyBoundViolation(name string) {
	m.BoundViolations.WithLabelValues(name).Inc()
}

func (m *Metrics) AdapterError(op string) {
	m.AdapterErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) LiveOrder(result string) {
	m.LiveOrders.WithLabelValues(result).Inc()
}

// Nop is a Sink that records nothing.
type Nop struct{}

var _ Sink = Nop{}

func (Nop) SignalIngested(string) {}
func (Nop) SignalDuplicate(string) {}
func (Nop) SignalRejected(string, string) {}
func (Nop) MappingResult(string, string, float64) {}
func (Nop) Fill(string, string, float64, float64) {}
func (Nop) Expired() {}
func (Nop) PnL(string, float64, float64) {}
func (Nop) Equity(float64) {}
func (Nop) Mode(string) {}
func (Nop) BreakerTripped(string) {}
func (Nop) LearnerParam(string, float64) {}
func (Nop) SafetyBoundViolation(string) {}
func (Nop) AdapterError(string) {}
func (Nop) LiveOrder(string) {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
