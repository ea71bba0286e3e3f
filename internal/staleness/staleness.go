// Package staleness decides whether stored fundamentals are due for a refresh.
package staleness

import (
	"time"

	"github.com/JakeFAU/equity-ingest/internal/market"
)

// DefaultWindow is how long fundamentals stay fresh.
const DefaultWindow = 24 * time.Hour

// ShouldRefresh reports whether a record last updated at lastUpdated needs refetching.
// A record with no timestamp is always stale; one updated exactly window ago is stale.
func ShouldRefresh(lastUpdated *time.Time, now time.Time, window time.Duration) bool {
	if lastUpdated == nil || lastUpdated.IsZero() {
		return true
	}
	return now.Sub(*lastUpdated) >= window
}

// Guard binds the freshness rule to a clock and window.
type Guard struct {
	clock  market.Clock
	window time.Duration
}

// NewGuard returns a Guard; a non-positive window falls back to DefaultWindow.
func NewGuard(clock market.Clock, window time.Duration) Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return Guard{clock: clock, window: window}
}

// ShouldRefresh applies the rule to a stored fundamentals record.
func (g Guard) ShouldRefresh(f market.Fundamentals) bool {
	return ShouldRefresh(f.LastUpdated, g.clock.Now(), g.window)
}

// Window returns the configured freshness window.
func (g Guard) Window() time.Duration {
	return g.window
}
