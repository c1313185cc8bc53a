package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumigraph/lumigraph/internal/storage"
)

type fakeHealthChecker struct{ err error }

func (f *fakeHealthChecker) HealthCheck(ctx context.Context) error { return f.err }

type fakePatternReader struct {
	patterns map[string]*storage.SqlPattern
}

func (f *fakePatternReader) GetBySqlHash(ctx context.Context, sqlHash string) (*storage.SqlPattern, error) {
	p, ok := f.patterns[sqlHash]
	if !ok {
		return nil, errors.Join(storage.ErrPatternNotFound, errors.New(sqlHash))
	}

	return p, nil
}

func newTestServer(db HealthChecker, patterns PatternReader) *Server {
	cfg := LoadServerConfig()

	return NewServer(&cfg, db, patterns)
}

func TestHandlePing(t *testing.T) {
	s := newTestServer(&fakeHealthChecker{}, &fakePatternReader{})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestHandleReady_HealthyAndUnhealthy(t *testing.T) {
	healthy := newTestServer(&fakeHealthChecker{}, &fakePatternReader{})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	healthy.httpServer.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	unhealthy := newTestServer(&fakeHealthChecker{err: errors.New("connection refused")}, &fakePatternReader{})

	req2 := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w2 := httptest.NewRecorder()
	unhealthy.httpServer.Handler.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusServiceUnavailable, w2.Code)
}

func TestHandleGetPattern_FoundAndNotFound(t *testing.T) {
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	pattern := &storage.SqlPattern{
		SqlHash:            "abc123",
		SourceDatabaseName: "analytics",
		ExecutionCount:     42,
		LLMStatus:          storage.LLMStatusCompletedSuccess,
		LoadedToGraph:      true,
		FirstSeenAt:        now,
		LastSeenAt:         now,
	}

	s := newTestServer(&fakeHealthChecker{}, &fakePatternReader{patterns: map[string]*storage.SqlPattern{"abc123": pattern}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/patterns/abc123", nil)
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var got PatternResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "abc123", got.SqlHash)
	assert.Equal(t, "analytics", got.SourceDatabaseName)
	assert.True(t, got.LoadedToGraph)

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/patterns/missing", nil)
	w2 := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusNotFound, w2.Code)
}
