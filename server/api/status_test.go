package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfkit/orchestrator/server/api/middleware"
	"github.com/sfkit/orchestrator/x/pipeline"
)

type staticStatus struct {
	st pipeline.Status
}

func (s staticStatus) Status() pipeline.Status { return s.st }

func newTestServer(src StatusSource, gatherer prometheus.Gatherer) *Server {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	s := NewServer(cfg, zerolog.Nop())
	s.Use(middleware.Recover(zerolog.Nop()))
	s.Use(middleware.RequestID())
	s.Use(middleware.Logger(zerolog.Nop()))
	NewStatusHandler(src, gatherer, map[string]string{"version": "test"}).RegisterMux(s.Router)
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(staticStatus{}, nil)
	rec := get(t, s.Handler(), "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyFollowsStage(t *testing.T) {
	tests := []struct {
		stage pipeline.Stage
		code  int
	}{
		{pipeline.StagePending, http.StatusServiceUnavailable},
		{pipeline.StageSync, http.StatusOK},
		{pipeline.StageCompute, http.StatusOK},
		{pipeline.StageDone, http.StatusOK},
		{pipeline.StageFailed, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.stage.String(), func(t *testing.T) {
			s := newTestServer(staticStatus{st: pipeline.Status{Stage: tt.stage, Error: "boom"}}, nil)
			rec := get(t, s.Handler(), "/ready")
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestReadyFailedCarriesRequestID(t *testing.T) {
	s := newTestServer(staticStatus{st: pipeline.Status{Stage: pipeline.StageFailed, Error: "stalled"}}, nil)
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "failed", body.Error.Code)
	assert.Equal(t, "stalled", body.Error.Message)
	assert.Equal(t, "req-42", body.Error.RequestID)
	assert.Equal(t, "req-42", rec.Header().Get(middleware.RequestIDHeader))
}

func TestStatusReportsRun(t *testing.T) {
	st := pipeline.Status{RunID: "run-1", Protocol: "dti", Role: 2, Stage: pipeline.StageDataSharing}
	s := newTestServer(staticStatus{st: st}, nil)
	rec := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Run   pipeline.Status   `json:"run"`
		Build map[string]string `json:"build"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.Run.RunID)
	assert.Equal(t, 2, body.Run.Role)
	assert.Equal(t, pipeline.StageDataSharing, body.Run.Stage)
	assert.Equal(t, "test", body.Build["version"])
}

func TestMetricsRouteOnlyWithGatherer(t *testing.T) {
	s := newTestServer(staticStatus{}, nil)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/metrics").Code)

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "sfkit_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s = newTestServer(staticStatus{}, reg)
	rec := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sfkit_test_total 1")
}

func TestRecoverReturns500(t *testing.T) {
	s := newTestServer(staticStatus{}, nil)
	s.Router.HandleFunc("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })
	assert.Equal(t, http.StatusInternalServerError, get(t, s.Handler(), "/panic").Code)
}

func TestCompression(t *testing.T) {
	s := newTestServer(staticStatus{st: pipeline.Status{RunID: "run-gz"}}, nil)
	s.EnableCompression()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "run-gz")
}

func TestServerStartAndShutdown(t *testing.T) {
	s := newTestServer(staticStatus{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer addrCancel()
	addr, err := s.Addr(addrCtx)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
