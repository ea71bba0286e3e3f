// Package ingest implements the price and fundamentals ingestion jobs.
package ingest

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Fetcher retrieves a body with bounded retries. See fetcher.Fetcher.
type Fetcher interface {
	FetchWithRetry(ctx context.Context, rawURL string, maxAttempts int, baseDelay time.Duration) ([]byte, error)
}

// Pacer spaces consecutive requests to one host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Summary counts per-company outcomes of one job run.
type Summary struct {
	Total   int `json:"total"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Company outcome labels used in logs and metrics.
const (
	outcomeUpdated = "updated"
	outcomeInvalid = "invalid_symbol"
	outcomeFresh   = "fresh"
	outcomeFailed  = "failed"
)

const symbolPlaceholder = "{symbol}"

// SymbolURL substitutes the escaped symbol into a URL template containing "{symbol}".
func SymbolURL(template, symbol string) string {
	return strings.ReplaceAll(template, symbolPlaceholder, url.QueryEscape(symbol))
}
