package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/equity-ingest/internal/cache"
	"github.com/JakeFAU/equity-ingest/internal/config"
	"github.com/JakeFAU/equity-ingest/internal/market"
	"github.com/JakeFAU/equity-ingest/internal/orchestrator"
	memorystore "github.com/JakeFAU/equity-ingest/internal/storage/memory"
)

func TestServer_RunJob_StartsInBackground(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner(market.JobDailyPrices)
	server := newTestServer(runner, cache.New(), nil, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/daily-prices/run", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "daily-prices")
	server.Wait()
	require.Equal(t, []market.JobName{market.JobDailyPrices}, runner.started())
}

func TestServer_RunJob_UnknownJob(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner(market.JobDailyPrices)
	server := newTestServer(runner, cache.New(), nil, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/monthly-prices/run", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	server.Wait()
	require.Empty(t, runner.started())
}

func TestServer_RunJob_RunsThroughOrchestrator(t *testing.T) {
	t.Parallel()

	runs := memorystore.NewRunStore()
	orch := orchestrator.New(runs, nil, fixedClock{now: time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)}, &seqIDs{}, orchestrator.Config{}, zap.NewNop())
	done := make(chan struct{})
	orch.Register(orchestrator.Job{
		Name:   market.JobFundamentals,
		Family: "fundamentals",
		Run: func(context.Context) error {
			close(done)
			return nil
		},
	})
	server := newTestServer(orch, cache.New(), nil, config.Config{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/fundamentals/run", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-done
	server.Wait()

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/fundamentals/last-run", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"succeeded"`)
	require.Contains(t, rec.Body.String(), "run-1")
}

func TestServer_LastRun(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner(market.JobWeeklyPrices, market.JobFundamentals)
	runner.last[market.JobWeeklyPrices] = market.RunRecord{
		ID:       "run-7",
		Job:      market.JobWeeklyPrices,
		Status:   market.RunStatusFailed,
		Attempts: 8,
		Error:    "boom",
	}
	runner.lastErr[market.JobFundamentals] = errors.New("db down")
	server := newTestServer(runner, cache.New(), nil, config.Config{})

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantBody string
	}{
		{"recorded", "/v1/jobs/weekly-prices/last-run", http.StatusOK, `"attempts":8`},
		{"never ran", "/v1/jobs/daily-prices/last-run", http.StatusNotFound, "job not found"},
		{"store error", "/v1/jobs/fundamentals/last-run", http.StatusInternalServerError, "failed to load"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			require.Equal(t, tt.wantCode, rec.Code)
			require.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestServer_LastRun_NoRunsRecorded(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner(market.JobDailyPrices)
	server := newTestServer(runner, cache.New(), nil, config.Config{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/daily-prices/last-run", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "no runs recorded")
}

func TestServer_ClearCache(t *testing.T) {
	t.Parallel()

	c := cache.New()
	c.Put("https://example.com/a", []byte("a"))
	c.Put("https://example.com/b", []byte("b"))
	server := newTestServer(newFakeRunner(), c, nil, config.Config{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/cache/clear", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"cleared":2}`, rec.Body.String())
	require.Equal(t, 0, c.Len())
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ok := newTestServer(newFakeRunner(), cache.New(), func(context.Context) error { return nil }, config.Config{})
	rec := httptest.NewRecorder()
	ok.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	down := newTestServer(newFakeRunner(), cache.New(), func(context.Context) error { return errors.New("ping failed") }, config.Config{})
	rec = httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeRunner(), cache.New(), nil, config.Config{})
	server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := newTestServer(newFakeRunner(), cache.New(), nil, cfg)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/cache/clear", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/cache/clear", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeRunner(), cache.New(), nil, config.Config{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

func newTestServer(runner JobRunner, c CacheClearer, ready ReadinessCheck, cfg config.Config) *Server {
	return NewServer(context.Background(), runner, c, ready, cfg, zap.NewNop())
}

type fakeRunner struct {
	mu      sync.Mutex
	jobs    map[market.JobName]bool
	runs    []market.JobName
	last    map[market.JobName]market.RunRecord
	lastErr map[market.JobName]error
}

func newFakeRunner(names ...market.JobName) *fakeRunner {
	r := &fakeRunner{
		jobs:    make(map[market.JobName]bool),
		last:    make(map[market.JobName]market.RunRecord),
		lastErr: make(map[market.JobName]error),
	}
	for _, n := range names {
		r.jobs[n] = true
	}
	return r
}

func (r *fakeRunner) Lookup(name market.JobName) (orchestrator.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.jobs[name] {
		return orchestrator.Job{}, false
	}
	return orchestrator.Job{Name: name}, true
}

func (r *fakeRunner) RunByName(_ context.Context, name market.JobName) (orchestrator.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, name)
	return orchestrator.Result{Job: name, Outcome: orchestrator.OutcomeSucceeded, Attempts: 1}, nil
}

func (r *fakeRunner) LastRun(_ context.Context, name market.JobName) (market.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lastErr[name]; err != nil {
		return market.RunRecord{}, err
	}
	run, ok := r.last[name]
	if !ok {
		return market.RunRecord{}, fmt.Errorf("runs for %s: %w", name, market.ErrNotFound)
	}
	return run, nil
}

func (r *fakeRunner) started() []market.JobName {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]market.JobName(nil), r.runs...)
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
