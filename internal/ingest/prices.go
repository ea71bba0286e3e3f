package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/equity-ingest/internal/extract"
	"github.com/JakeFAU/equity-ingest/internal/market"
	"github.com/JakeFAU/equity-ingest/internal/metrics"
	"github.com/JakeFAU/equity-ingest/internal/upsert"
)

// PricesConfig locates the index listing and quote endpoints.
type PricesConfig struct {
	IndexURL string
	// QuoteURL is a template containing "{symbol}".
	QuoteURL       string
	Exchange       string
	IndexAttempts  int
	IndexBaseDelay time.Duration
	QuoteAttempts  int
	QuoteBaseDelay time.Duration
}

// Prices refreshes companies, current prices and price history from an index listing.
type Prices struct {
	fetcher Fetcher
	engine  *upsert.Engine
	pacer   Pacer
	clock   market.Clock
	cfg     PricesConfig
	logger  *zap.Logger
}

// NewPrices builds the price job.
func NewPrices(fetcher Fetcher, engine *upsert.Engine, pacer Pacer, clock market.Clock, cfg PricesConfig, logger *zap.Logger) *Prices {
	if cfg.IndexAttempts <= 0 {
		cfg.IndexAttempts = 3
	}
	if cfg.QuoteAttempts <= 0 {
		cfg.QuoteAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prices{
		fetcher: fetcher,
		engine:  engine,
		pacer:   pacer,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("prices"),
	}
}

// Run walks the index listing in order. A missing listing or a persistence
// failure fails the run; a missing quote falls back to the listing values.
func (p *Prices) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	body, err := p.fetcher.FetchWithRetry(ctx, p.cfg.IndexURL, p.cfg.IndexAttempts, p.cfg.IndexBaseDelay)
	if err != nil {
		return summary, fmt.Errorf("fetch index listing: %w", err)
	}
	rows, err := extract.ParseIndexListing(body)
	if err != nil {
		return summary, fmt.Errorf("parse index listing: %w", err)
	}
	summary.Total = len(rows)
	p.logger.Info("index listing fetched", zap.Int("constituents", len(rows)))

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("prices run interrupted: %w", err)
		}
		if err := market.ValidateSymbol(row.Symbol); err != nil {
			p.logger.Warn("skipping listing row", zap.String("symbol", row.Symbol), zap.Error(err))
			metrics.ObserveCompany("prices", outcomeInvalid)
			summary.Skipped++
			continue
		}

		quoteURL := SymbolURL(p.cfg.QuoteURL, row.Symbol)
		if err := p.pacer.Wait(ctx, quoteURL); err != nil {
			return summary, err
		}
		if err := p.ingestOne(ctx, row, quoteURL); err != nil {
			metrics.ObserveCompany("prices", outcomeFailed)
			return summary, err
		}
		metrics.ObserveCompany("prices", outcomeUpdated)
		summary.Updated++
	}

	p.logger.Info("prices run finished",
		zap.Int("total", summary.Total),
		zap.Int("updated", summary.Updated),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, nil
}

func (p *Prices) ingestOne(ctx context.Context, row extract.IndexConstituent, quoteURL string) error {
	company, err := p.engine.UpsertCompany(ctx, row.Symbol, market.CompanyAttrs{
		Name:     row.Name,
		Sector:   row.Sector,
		Exchange: p.cfg.Exchange,
	})
	if err != nil {
		return err
	}

	body, err := p.fetcher.FetchWithRetry(ctx, quoteURL, p.cfg.QuoteAttempts, p.cfg.QuoteBaseDelay)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("fetch quote %s: %w", row.Symbol, ctxErr)
		}
		p.logger.Warn("quote unavailable, using listing values", zap.String("symbol", row.Symbol), zap.Error(err))
		body = nil
	}

	quote := extract.ResolveQuote(body, row)
	if quote.Source == extract.SourceNone {
		p.logger.Warn("no price available, recording zero", zap.String("symbol", row.Symbol))
	}

	if err := p.engine.AppendHistoricalPoint(ctx, company.ID, quote.LastPrice, p.clock.Now()); err != nil {
		return err
	}
	return p.engine.RecordPriceSnapshot(ctx, company.ID, quote.LastPrice, quote.High52, quote.Low52)
}
