// Package session acquires anti-bot session cookies by driving a headless browser.
//
// Some sources only answer API or page requests that carry cookies minted by a real
// browser visit. The Manager visits a site's landing page once, serializes the cookie
// jar into a Cookie header value and hands it out until told to invalidate it.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/JakeFAU/equity-ingest/internal/metrics"
)

const defaultNavigationTimeout = 20 * time.Second

// ErrNoSession is returned alongside an empty cookie when acquisition fails.
// It is a warning: callers continue without a cookie.
var ErrNoSession = errors.New("session cookie unavailable")

// Config controls the browser used for cookie acquisition.
type Config struct {
	UserAgent string
	// SiteUserAgents overrides UserAgent per site, keyed by SiteOf. Cookies
	// must be minted under the same agent the fetcher later sends.
	SiteUserAgents    map[string]string
	NavigationTimeout time.Duration
	// MaxParallel bounds concurrent browser tabs. Zero means one.
	MaxParallel int
	// Stealth injects evasion scripts before any page script runs.
	Stealth bool
	// ExecPath overrides the Chrome binary chromedp would discover.
	ExecPath string
}

type browseFunc func(ctx context.Context, siteURL string) ([]*network.Cookie, error)

// Manager caches one cookie header per site for its lifetime.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	limiter chan struct{}
	browse  browseFunc

	allocOnce   sync.Once
	allocator   context.Context
	allocCancel context.CancelFunc

	mu      sync.Mutex
	cookies map[string]string
}

// New creates a Manager. The browser is launched lazily on the first cache miss.
func New(cfg Config, logger *zap.Logger) *Manager {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		logger:  logger.Named("session"),
		limiter: make(chan struct{}, cfg.MaxParallel),
		cookies: make(map[string]string),
	}
	m.browse = m.browseChrome
	return m
}

// Cookie returns the Cookie header value for the site that owns siteURL.
// On failure it returns an empty string together with an error wrapping ErrNoSession;
// nothing is cached in that case so the next call tries again.
func (m *Manager) Cookie(ctx context.Context, siteURL string) (string, error) {
	site := SiteOf(siteURL)
	if v, ok := m.cached(site); ok {
		return v, nil
	}

	if err := m.acquire(ctx); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	defer m.release()

	// Another caller may have filled the slot while we waited.
	if v, ok := m.cached(site); ok {
		return v, nil
	}

	start := time.Now()
	cookies, err := m.browse(ctx, site)
	if err != nil {
		metrics.ObserveSession(site, "error")
		m.logger.Warn("session acquisition failed",
			zap.String("site", site),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %s: %w", ErrNoSession, site, err)
	}

	header := HeaderValue(cookies)
	if header == "" {
		metrics.ObserveSession(site, "empty")
		m.logger.Warn("site returned no cookies", zap.String("site", site))
		return "", fmt.Errorf("%w: %s returned no cookies", ErrNoSession, site)
	}

	m.mu.Lock()
	m.cookies[site] = header
	m.mu.Unlock()

	metrics.ObserveSession(site, "success")
	m.logger.Info("session cookie acquired",
		zap.String("site", site),
		zap.Int("cookies", len(cookies)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return header, nil
}

// Invalidate forgets the cookie for the site that owns siteURL.
func (m *Manager) Invalidate(siteURL string) {
	site := SiteOf(siteURL)
	m.mu.Lock()
	_, had := m.cookies[site]
	delete(m.cookies, site)
	m.mu.Unlock()
	if had {
		m.logger.Info("session cookie invalidated", zap.String("site", site))
	}
}

// Close shuts down the browser if one was started.
func (m *Manager) Close() {
	if m.allocCancel != nil {
		m.allocCancel()
	}
}

func (m *Manager) cached(site string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cookies[site]
	return v, ok
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (m *Manager) release() {
	select {
	case <-m.limiter:
	default:
	}
}

func (m *Manager) startAllocator() {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
	)
	if m.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
	}
	if m.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(m.cfg.UserAgent))
	}
	m.allocator, m.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
}

func (m *Manager) browseChrome(ctx context.Context, siteURL string) ([]*network.Cookie, error) {
	m.allocOnce.Do(m.startAllocator)

	taskCtx, taskCancel := chromedp.NewContext(m.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, m.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var cookies []*network.Cookie
	err := chromedp.Run(taskCtx,
		m.setupAction(m.userAgent(siteURL)),
		chromedp.Navigate(siteURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().WithURLs([]string{siteURL}).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return cookies, nil
}

func (m *Manager) userAgent(siteURL string) string {
	if ua, ok := m.cfg.SiteUserAgents[SiteOf(siteURL)]; ok && ua != "" {
		return ua
	}
	return m.cfg.UserAgent
}

func (m *Manager) setupAction(userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if m.cfg.Stealth {
			if _, err := page.AddScriptToEvaluateOnNewDocument(stealth.JS).Do(ctx); err != nil {
				return fmt.Errorf("inject stealth script: %w", err)
			}
		}
		return nil
	})
}

// HeaderValue serializes cookies as "name=value; name=value".
func HeaderValue(cookies []*network.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// SiteOf reduces a URL to its "scheme://host/" site key.
func SiteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + strings.ToLower(u.Host) + "/"
}
