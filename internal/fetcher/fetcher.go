// Package fetcher performs cached, session-aware HTTP GETs with linear retry.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/equity-ingest/internal/clock/system"
	"github.com/JakeFAU/equity-ingest/internal/market"
	"github.com/JakeFAU/equity-ingest/internal/metrics"
)

const (
	defaultAttemptTimeout = 15 * time.Second
	defaultAuthThreshold  = 2
)

// ErrRetriesExhausted marks a fetch that failed on every attempt.
var ErrRetriesExhausted = errors.New("retries exhausted")

var tracer = otel.Tracer("github.com/JakeFAU/equity-ingest/internal/fetcher")

// Request is a single GET issued by a Transport.
type Request struct {
	URL    string
	Header http.Header
}

// Response is what a Transport observed. Non-2xx statuses are not transport errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs one HTTP GET.
type Transport interface {
	Get(ctx context.Context, req Request) (Response, error)
}

// SessionProvider hands out session cookies per site.
type SessionProvider interface {
	Cookie(ctx context.Context, siteURL string) (string, error)
	Invalidate(siteURL string)
}

// Cache is the response cache consulted before any network call.
type Cache interface {
	Get(url string) ([]byte, bool)
	Put(url string, body []byte)
}

// Site describes the remote a Fetcher talks to.
type Site struct {
	// BaseURL is the landing page visited for session cookies.
	BaseURL string
	Referer string
	Accept  string
	// Header carries any additional per-site request headers.
	Header http.Header
}

// Config controls request headers and per-attempt behavior.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	AttemptTimeout time.Duration
	// AuthFailureThreshold is how many consecutive 401/403 responses, counted
	// across calls, trigger a session refresh.
	AuthFailureThreshold int
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// AuthFailure reports whether the status suggests a stale or missing session.
func (e *StatusError) AuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Fetcher issues GETs against one Site.
type Fetcher struct {
	transport Transport
	sessions  SessionProvider
	cache     Cache
	site      Site
	cfg       Config
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	archive       market.BlobStore
	hasher        market.Hasher
	clock         market.Clock
	archivePrefix string

	mu           sync.Mutex
	cookie       string
	cookieLoaded bool
	authFailures int
}

// New builds a Fetcher. sessions may be nil for sites that need no cookie.
func New(transport Transport, sessions SessionProvider, cache Cache, site Site, cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.AuthFailureThreshold <= 0 {
		cfg.AuthFailureThreshold = defaultAuthThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		transport: transport,
		sessions:  sessions,
		cache:     cache,
		site:      site,
		cfg:       cfg,
		logger:    logger.Named("fetcher").With(zap.String("site", site.BaseURL)),
		sleep:     sleepContext,
		clock:     system.New(),
	}
}

// WithArchive stores every freshly fetched body under prefix in store.
func (f *Fetcher) WithArchive(store market.BlobStore, hasher market.Hasher, prefix string) *Fetcher {
	f.archive = store
	f.hasher = hasher
	f.archivePrefix = prefix
	return f
}

// LinearBackoff is the wait before attempt+1: base multiplied by the attempt just failed.
func LinearBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 0 {
		return 0
	}
	return base * time.Duration(attempt)
}

// FetchWithRetry returns the body for rawURL, trying at most maxAttempts times.
// A cached body is returned without touching the network. When every attempt
// fails the error wraps ErrRetriesExhausted and callers treat the result as absent.
func (f *Fetcher) FetchWithRetry(ctx context.Context, rawURL string, maxAttempts int, baseDelay time.Duration) ([]byte, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if f.cache != nil {
		if body, ok := f.cache.Get(rawURL); ok {
			return body, nil
		}
	}

	ctx, span := tracer.Start(ctx, "fetcher.FetchWithRetry")
	defer span.End()
	span.SetAttributes(attribute.String("url", rawURL), attribute.Int("max_attempts", maxAttempts))

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, err := f.attempt(ctx, rawURL, f.sessionCookie(ctx))
		if err == nil {
			f.clearAuthFailures()
			if f.cache != nil {
				f.cache.Put(rawURL, body)
			}
			f.archiveBody(ctx, rawURL, body)
			span.SetAttributes(attribute.Int("attempts", attempt))
			return body, nil
		}
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, ctxErr.Error())
			return nil, fmt.Errorf("fetch %s: %w", rawURL, ctxErr)
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.AuthFailure() {
			f.recordAuthFailure()
		}

		f.logger.Warn("fetch attempt failed",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)
		if attempt == maxAttempts {
			break
		}
		if err := f.sleep(ctx, LinearBackoff(baseDelay, attempt)); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
	}

	f.logger.Error("fetch failed after retries",
		zap.String("url", rawURL),
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)
	span.SetStatus(codes.Error, "retries exhausted")
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, rawURL, maxAttempts, lastErr)
}

// recordAuthFailure refreshes the session once the consecutive 401/403 count
// reaches the threshold.
func (f *Fetcher) recordAuthFailure() {
	f.mu.Lock()
	f.authFailures++
	refresh := f.authFailures >= f.cfg.AuthFailureThreshold
	if refresh {
		f.authFailures = 0
	}
	f.mu.Unlock()
	if refresh {
		f.resetSession()
	}
}

func (f *Fetcher) clearAuthFailures() {
	f.mu.Lock()
	f.authFailures = 0
	f.mu.Unlock()
}

func (f *Fetcher) attempt(ctx context.Context, rawURL, cookie string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
	defer cancel()

	resp, err := f.transport.Get(attemptCtx, Request{URL: rawURL, Header: f.headers(cookie)})
	if err != nil {
		metrics.ObserveFetch(rawURL, "error", 0)
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveFetch(rawURL, "status_"+strconv.Itoa(resp.StatusCode), 0)
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	metrics.ObserveFetch(rawURL, "success", len(resp.Body))
	return resp.Body, nil
}

func (f *Fetcher) headers(cookie string) http.Header {
	h := http.Header{}
	for k, values := range f.site.Header {
		for _, v := range values {
			h.Add(k, v)
		}
	}
	if f.cfg.UserAgent != "" {
		h.Set("User-Agent", f.cfg.UserAgent)
	}
	if f.cfg.AcceptLanguage != "" {
		h.Set("Accept-Language", f.cfg.AcceptLanguage)
	}
	if f.site.Accept != "" {
		h.Set("Accept", f.site.Accept)
	}
	if f.site.Referer != "" {
		h.Set("Referer", f.site.Referer)
	}
	if cookie != "" {
		h.Set("Cookie", cookie)
	}
	return h
}

// sessionCookie acquires the site cookie once and reuses it, empty or not,
// until resetSession forces another browser visit.
func (f *Fetcher) sessionCookie(ctx context.Context) string {
	if f.sessions == nil || f.site.BaseURL == "" {
		return ""
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cookieLoaded {
		return f.cookie
	}
	cookie, err := f.sessions.Cookie(ctx, f.site.BaseURL)
	if err != nil {
		f.logger.Warn("continuing without session cookie", zap.Error(err))
	}
	f.cookie = cookie
	f.cookieLoaded = true
	return cookie
}

func (f *Fetcher) resetSession() {
	if f.sessions == nil {
		return
	}
	f.logger.Info("repeated authentication failures, refreshing session")
	f.sessions.Invalidate(f.site.BaseURL)
	f.mu.Lock()
	f.cookie = ""
	f.cookieLoaded = false
	f.mu.Unlock()
}

func (f *Fetcher) archiveBody(ctx context.Context, rawURL string, body []byte) {
	if f.archive == nil || f.hasher == nil {
		return
	}
	digest, err := f.hasher.Hash([]byte(rawURL))
	if err != nil {
		f.logger.Warn("hash archive key", zap.Error(err))
		return
	}
	ext, contentType := "html", "text/html; charset=utf-8"
	if strings.Contains(f.site.Accept, "json") {
		ext, contentType = "json", "application/json"
	}
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	objectPath := path.Join(f.archivePrefix, host, f.clock.Now().UTC().Format("2006-01-02"), digest+"."+ext)
	uri, err := f.archive.PutObject(ctx, objectPath, contentType, body)
	if err != nil {
		f.logger.Warn("archive response", zap.String("url", rawURL), zap.Error(err))
		return
	}
	f.logger.Debug("archived response", zap.String("url", rawURL), zap.String("uri", uri))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
