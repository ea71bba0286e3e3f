// Package collyfetcher implements fetcher.Transport using gocolly, for HTML pages.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/equity-ingest/internal/fetcher"
)

// Config controls collector behavior.
type Config struct {
	Timeout time.Duration
	// MaxBodySize caps response bodies in bytes. Zero keeps colly's default.
	MaxBodySize int
}

// Transport issues single GETs through a cloned Colly collector.
type Transport struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport sharing one pooled HTTP transport across requests.
func New(cfg Config) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	// Session cookies are supplied explicitly by the caller.
	c.DisableCookies()
	return &Transport{cfg: cfg, baseCollector: c}
}

// Get fetches req.URL with exactly the headers given. Non-2xx statuses are
// returned as responses, not errors.
func (t *Transport) Get(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	var (
		result   fetcher.Response
		fetchErr error
	)
	collector := t.buildCollector()
	configureCollectorHooks(collector, &result, &fetchErr)

	if err := runCollector(ctx, collector, req, &fetchErr); err != nil {
		return fetcher.Response{}, err
	}
	return result, nil
}

func (t *Transport) buildCollector() *colly.Collector {
	collector := t.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	if t.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = t.cfg.MaxBodySize
	}
	collector.SetRequestTimeout(t.cfg.Timeout)
	return collector
}

func configureCollectorHooks(hooks collectorHooks, result *fetcher.Response, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = fetcher.Response{
			StatusCode: r.StatusCode,
			Header:     headers,
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, req fetcher.Request, fetchErr *error) error {
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(http.MethodGet, req.URL, nil, nil, header)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
