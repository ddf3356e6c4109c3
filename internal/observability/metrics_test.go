package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics("test")

	m.SignalIngested("ws")
	m.SignalIngested("ws")
	m.SignalDuplicate("ws")
	m.Fill("REALISTIC", "PARTIAL", 0.4, 120)
	m.Mode("HALTED")

	if got := testutil.ToFloat64(m.SignalsIngested.WithLabelValues("ws")); got != 2 {
		t.Errorf("signals ingested = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SignalDuplicates.WithLabelValues("ws")); got != 1 {
		t.Errorf("duplicates = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FillsTotal.WithLabelValues("REALISTIC", "PARTIAL")); got != 1 {
		t.Errorf("fills = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ModeInfo.WithLabelValues("HALTED")); got != 1 {
		t.Errorf("HALTED mode gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ModeInfo.WithLabelValues("SHADOW")); got != 0 {
		t.Errorf("SHADOW mode gauge = %v, want 0", got)
	}
}

func TestMetrics_MissedFillsCountTowardShortfall(t *testing.T) {
	m := NewMetrics("test")
	m.Fill("REALISTIC", "MISSED", 0, 600)

	if got := testutil.CollectAndCount(m.ShortfallBps); got != 1 {
		t.Errorf("shortfall series = %v, want 1", got)
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := NewMetrics("dup")
	b := NewMetrics("dup")
	a.Expired()
	if got := testutil.ToFloat64(b.Expirations); got != 0 {
		t.Errorf("registries leaked: %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("handler")
	m.LearnerParam("max_qty_scale", 0.3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `handler_learner_param{name="max_qty_scale"} 0.3`) {
		t.Errorf("metric not exposed:\n%s", body)
	}
}

func TestOrNop(t *testing.T) {
	if _, ok := OrNop(nil).(Nop); !ok {
		t.Error("OrNop(nil) must return Nop")
	}
}
