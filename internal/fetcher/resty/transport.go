// Package restyfetcher implements fetcher.Transport using go-resty, for JSON APIs.
package restyfetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/equity-ingest/internal/fetcher"
)

// Config controls the underlying resty client.
type Config struct {
	Timeout time.Duration
}

// Transport issues single GETs through a shared resty client.
type Transport struct {
	client *resty.Client
}

// New builds a Transport. Retries are left to the caller.
func New(cfg Config) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	return &Transport{client: client}
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(client *resty.Client) *Transport {
	return &Transport{client: client}
}

// Get fetches req.URL. Non-2xx statuses are returned as responses, not errors.
func (t *Transport) Get(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	r := t.client.R().SetContext(ctx)
	for key, values := range req.Header {
		for _, v := range values {
			r.Header.Add(key, v)
		}
	}
	resp, err := r.Get(req.URL)
	if err != nil {
		return fetcher.Response{}, fmt.Errorf("resty get %s: %w", req.URL, err)
	}
	return fetcher.Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header().Clone(),
		Body:       resp.Body(),
	}, nil
}
