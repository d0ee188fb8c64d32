package server

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
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-costintel/internal/scheduler"
)

type fakeReadiness struct{ err error }

func (f fakeReadiness) Ready(context.Context) error { return f.err }

type fakeStats struct{}

func (fakeStats) Stats() scheduler.Stats {
	return scheduler.Stats{StateName: "idle", Successes: 3}
}

func newTestServer(t *testing.T, readyErr error) http.Handler {
	t.Helper()
	srv, err := NewServer(Config{Port: 0}, fakeReadiness{err: readyErr}, fakeStats{}, zap.NewNop())
	require.NoError(t, err)
	return srv.Handler()
}

func TestNewServerRequiresReadiness(t *testing.T) {
	_, err := NewServer(Config{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReadyz(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(t, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	newTestServer(t, errors.New("database is locked")).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, "database is locked", body["error"])
}

func TestInfoIncludesRetrainStats(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(t, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Version string          `json:"version"`
		Retrain scheduler.Stats `json:"retrain"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, Version, body.Version)
	assert.Equal(t, "idle", body.Retrain.StateName)
	assert.Equal(t, int64(3), body.Retrain.Successes)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, nil)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "costintel_http_requests_total"))
}

func TestStopBeforeStart(t *testing.T) {
	srv, err := NewServer(Config{}, fakeReadiness{}, nil, nil)
	require.NoError(t, err)
	assert.False(t, srv.IsRunning())
	assert.Error(t, srv.Stop())
}
