package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/execution"
	"copy-mirror/internal/observability"
	"copy-mirror/internal/pipeline"
)

type stubOperator struct {
	mode      domain.Mode
	statusErr error
	resumeErr error
	phrases   []string
}

func (o *stubOperator) Status(context.Context) (pipeline.Status, error) {
	if o.statusErr != nil {
		return pipeline.Status{}, o.statusErr
	}
	return pipeline.Status{RunID: "run-1", Mode: execution.ModeStatus{Mode: o.mode}, Equity: 200}, nil
}

func (o *stubOperator) Resume(context.Context) error {
	if o.resumeErr != nil {
		return o.resumeErr
	}
	o.mode = domain.ModeShadow
	return nil
}

func (o *stubOperator) EnterLive(confirmation string) error {
	o.phrases = append(o.phrases, confirmation)
	if confirmation != execution.ConfirmationPhrase {
		return execution.ErrNotConfirmed
	}
	o.mode = domain.ModeLive
	return nil
}

func (o *stubOperator) ExitLive() error {
	if o.mode != domain.ModeLive {
		return execution.ErrInvalidTransition
	}
	o.mode = domain.ModeShadow
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	var ready error = errors.New("postgres down")
	srv := NewServer(Options{
		Operator: &stubOperator{mode: domain.ModeShadow},
		Ready:    func(context.Context) error { return ready },
	})

	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "postgres down")

	ready = nil
	rec = do(t, srv.Handler(), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus(t *testing.T) {
	op := &stubOperator{mode: domain.ModeHalted}
	srv := NewServer(Options{Operator: op})

	rec := do(t, srv.Handler(), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, "HALTED", got["mode"].(map[string]any)["mode"])

	op.statusErr = errors.New("boom")
	rec = do(t, srv.Handler(), http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResume(t *testing.T) {
	op := &stubOperator{mode: domain.ModeHalted}
	srv := NewServer(Options{Operator: op})

	rec := do(t, srv.Handler(), http.MethodPost, "/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ModeShadow, op.mode)

	op.resumeErr = execution.ErrInvalidTransition
	rec = do(t, srv.Handler(), http.MethodPost, "/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLiveConfirmAndExit(t *testing.T) {
	op := &stubOperator{mode: domain.ModeShadow}
	srv := NewServer(Options{Operator: op})

	rec := do(t, srv.Handler(), http.MethodPost, "/live/confirm", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, op.phrases)

	rec = do(t, srv.Handler(), http.MethodPost, "/live/confirm", `{"confirmation":"yes"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, domain.ModeShadow, op.mode)

	rec = do(t, srv.Handler(), http.MethodPost, "/live/confirm", `{"confirmation":"I UNDERSTAND THE RISKS"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ModeLive, op.mode)

	rec = do(t, srv.Handler(), http.MethodPost, "/live/exit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ModeShadow, op.mode)

	rec = do(t, srv.Handler(), http.MethodPost, "/live/exit", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	m := observability.NewMetrics("test")
	m.SignalIngested("ws")
	srv := NewServer(Options{Operator: &stubOperator{}, Metrics: m.Handler()})

	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_ingestion_signals_ingested_total")

	srv = NewServer(Options{Operator: &stubOperator{}})
	rec = do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

var _ Operator = (*pipeline.Pipeline)(nil)
