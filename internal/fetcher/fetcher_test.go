package fetcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/equity-ingest/internal/cache"
)

type scriptedTransport struct {
	mu        sync.Mutex
	responses []scriptedResult
	requests  []Request
}

type scriptedResult struct {
	resp Response
	err  error
}

func (s *scriptedTransport) Get(_ context.Context, req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return Response{}, errors.New("no scripted response")
	}
	next := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return next.resp, next.err
}

func (s *scriptedTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fakeSessions struct {
	mu          sync.Mutex
	cookies     []string
	err         error
	acquired    int
	invalidated int
}

func (f *fakeSessions) Cookie(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		f.acquired++
		return "", f.err
	}
	idx := f.acquired
	if idx >= len(f.cookies) {
		idx = len(f.cookies) - 1
	}
	f.acquired++
	return f.cookies[idx], nil
}

func (f *fakeSessions) Invalidate(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
}

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

type fakeBlobStore struct {
	paths []string
	types []string
}

func (f *fakeBlobStore) PutObject(_ context.Context, path, contentType string, _ []byte) (string, error) {
	f.paths = append(f.paths, path)
	f.types = append(f.types, contentType)
	return "mem://" + path, nil
}

type constHasher struct{}

func (constHasher) Hash([]byte) (string, error) { return "digest", nil }

var testSite = Site{
	BaseURL: "https://www.screener.in/",
	Referer: "https://www.screener.in/",
	Accept:  "text/html",
}

func newTestFetcher(transport Transport, sessions SessionProvider) (*Fetcher, *recordingSleeper, *cache.Cache) {
	c := cache.New()
	f := New(transport, sessions, c, testSite, Config{UserAgent: "test-agent", AcceptLanguage: "en-US"}, zap.NewNop())
	sleeper := &recordingSleeper{}
	f.sleep = sleeper.sleep
	return f, sleeper, c
}

func ok(body string) scriptedResult {
	return scriptedResult{resp: Response{StatusCode: http.StatusOK, Body: []byte(body)}}
}

func status(code int) scriptedResult {
	return scriptedResult{resp: Response{StatusCode: code}}
}

func TestFetchWithRetryCacheHitSkipsNetwork(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []scriptedResult{ok("network")}}
	f, _, c := newTestFetcher(transport, nil)
	c.Put("https://www.screener.in/company/TCS/", []byte("cached"))

	body, err := f.FetchWithRetry(context.Background(), "https://www.screener.in/company/TCS/", 3, time.Second)
	require.NoError(t, err)
	require.Equal(t, "cached", string(body))
	require.Zero(t, transport.calls())
}

func TestFetchWithRetryLinearDelaysThenSuccess(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []scriptedResult{
		{err: errors.New("connection reset")},
		status(http.StatusBadGateway),
		ok("<html>ok</html>"),
	}}
	f, sleeper, c := newTestFetcher(transport, nil)

	body, err := f.FetchWithRetry(context.Background(), "https://www.screener.in/company/INFY/", 5, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "<html>ok</html>", string(body))
	require.Equal(t, 3, transport.calls())
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.delays)

	cached, hit := c.Get("https://www.screener.in/company/INFY/")
	require.True(t, hit)
	require.Equal(t, body, cached)
}

func TestFetchWithRetryExhaustion(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []scriptedResult{status(http.StatusInternalServerError)}}
	f, sleeper, c := newTestFetcher(transport, nil)

	body, err := f.FetchWithRetry(context.Background(), "https://www.screener.in/company/X/", 3, 3*time.Second)
	require.Nil(t, body)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)

	require.Equal(t, 3, transport.calls())
	require.Equal(t, []time.Duration{3 * time.Second, 6 * time.Second}, sleeper.delays)
	require.Zero(t, c.Len())
}

func TestFetchWithRetryDelaysNonDecreasing(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []scriptedResult{{err: errors.New("timeout")}}}
	f, sleeper, _ := newTestFetcher(transport, nil)

	_, err := f.FetchWithRetry(context.Background(), "https://www.screener.in/company/Y/", 6, 500*time.Millisecond)
	require.Error(t, err)
	require.Len(t, sleeper.delays, 5)
	for i := 1; i < len(sleeper.delays); i++ {
		require.GreaterOrEqual(t, sleeper.delays[i], sleeper.delays[i-1])
	}
}

func TestFetchWithRetrySendsBrowserHeadersAndCookie(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []scriptedResult{ok("a"), ok("b")}}
	sessions := &fakeSessions{cookies: []string{"csrftoken=abc; sessionid=xyz"}}
	f, _, _ := newTestFetcher(transport, sessions)

	_, err := f.FetchWithRetry(context.Background(), "https://www.screener.in/company/A/", 1, 0)
	require.NoError(t, err)
	_, err = f.FetchWithRetry(context.Background(), "https://www.screener.in/company/B/", 1, 0)
	require.NoError(t, err)

	require.Equal(t, 1, sessions.acquired, "cookie is acquired once and reused")
	h := transport.requests[0].Header
	require.Equal(t, "test-agent", h.Get("User-Agent"))
	require.Equal(t, "en-US", h.Get("Accept-Language"))
	require.Equal(t, "text/html", h.Get("Accept"))
	require.Equal(t, "https://www.screener.in/", h.Get("Referer"))
	require.Equal(t, "csrftoken=abc; sessionid=xyz", h.Get("Cookie"))
}

func TestFetchWithRetryProceedsWithoutCookieOnSessionFailure(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []scriptedResult{ok("body")}}
	sessions := &fakeSessions{err: errors.New("browser crashed")}
	f, _, _ := newTestFetcher(transport, sessions)

	body, err := f.FetchWithRetry(context.Background(), "https://www.screener.in/company/C/", 1, 0)
	require.NoError(t, err)
	require.Equal(t, "body", string(body))
	require.Empty(t, transport.requests[0].Header.Get("Cookie"))
}

func TestFetchWithRetryRefreshesSessionAfterRepeatedAuthFailures(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []scriptedResult{
		status(http.StatusForbidden),
		status(http.StatusUnauthorized),
		ok("fresh"),
	}}
	sessions := &fakeSessions{cookies: []string{"old=1", "new=2"}}
	f, _, _ := newTestFetcher(transport, sessions)

	body, err := f.FetchWithRetry(context.Background(), "https://www.screener.in/company/D/", 3, time.Second)
	require.NoError(t, err)
	require.Equal(t, "fresh", string(body))
	require.Equal(t, 1, sessions.invalidated)
	require.Equal(t, 2, sessions.acquired)
	require.Equal(t, "old=1", transport.requests[1].Header.Get("Cookie"))
	require.Equal(t, "new=2", transport.requests[2].Header.Get("Cookie"))
}

func TestFetchWithRetryCountsAuthFailuresAcrossCalls(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []scriptedResult{status(http.StatusForbidden)}}
	sessions := &fakeSessions{cookies: []string{"expired=1"}}
	f, _, _ := newTestFetcher(transport, sessions)

	for i := 0; i < 10; i++ {
		_, err := f.FetchWithRetry(context.Background(), "https://www.nseindia.com/api/quote-equity?symbol=TCS", 1, time.Second)
		require.ErrorIs(t, err, ErrRetriesExhausted)
	}
	require.Equal(t, 10, transport.calls())
	require.Equal(t, 5, sessions.invalidated)
	require.Equal(t, 5, sessions.acquired)
}

func TestFetchWithRetrySuccessResetsAuthFailureCount(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []scriptedResult{
		status(http.StatusForbidden),
		ok("a"),
		status(http.StatusForbidden),
		ok("b"),
	}}
	sessions := &fakeSessions{cookies: []string{"sid=1"}}
	f, _, _ := newTestFetcher(transport, sessions)

	for _, symbol := range []string{"A", "B", "C", "D"} {
		_, _ = f.FetchWithRetry(context.Background(), "https://www.nseindia.com/api/quote-equity?symbol="+symbol, 1, time.Second)
	}
	require.Equal(t, 4, transport.calls())
	require.Zero(t, sessions.invalidated)
}

func TestFetchWithRetryStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []scriptedResult{{err: errors.New("down")}}}
	f, _, _ := newTestFetcher(transport, nil)
	f.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := f.FetchWithRetry(ctx, "https://www.screener.in/company/E/", 5, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, 1, transport.calls())
}

func TestFetchWithRetryArchivesFreshBodies(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []scriptedResult{ok("{}")}}
	c := cache.New()
	site := Site{BaseURL: "https://www.nseindia.com/", Accept: "application/json"}
	f := New(transport, nil, c, site, Config{}, zap.NewNop())
	blobs := &fakeBlobStore{}
	f.WithArchive(blobs, constHasher{}, "raw")
	f.clock = fixedClock{t: time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)}

	_, err := f.FetchWithRetry(context.Background(), "https://www.nseindia.com/api/quote-equity?symbol=TCS", 1, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"raw/www.nseindia.com/2024-03-04/digest.json"}, blobs.paths)
	require.Equal(t, []string{"application/json"}, blobs.types)

	_, err = f.FetchWithRetry(context.Background(), "https://www.nseindia.com/api/quote-equity?symbol=TCS", 1, 0)
	require.NoError(t, err)
	require.Len(t, blobs.paths, 1, "cache hits are not archived again")
}

func TestLinearBackoff(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Duration(0), LinearBackoff(0, 3))
	require.Equal(t, time.Duration(0), LinearBackoff(time.Second, 0))
	require.Equal(t, 2500*time.Millisecond, LinearBackoff(2500*time.Millisecond, 1))
	require.Equal(t, 9*time.Second, LinearBackoff(3*time.Second, 3))
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	f := New(&scriptedTransport{}, nil, nil, Site{}, Config{}, nil)
	require.Equal(t, defaultAttemptTimeout, f.cfg.AttemptTimeout)
	require.Equal(t, defaultAuthThreshold, f.cfg.AuthFailureThreshold)
}

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }
