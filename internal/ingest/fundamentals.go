package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/equity-ingest/internal/extract"
	"github.com/JakeFAU/equity-ingest/internal/market"
	"github.com/JakeFAU/equity-ingest/internal/metrics"
	"github.com/JakeFAU/equity-ingest/internal/staleness"
	"github.com/JakeFAU/equity-ingest/internal/upsert"
)

// FundamentalsConfig locates company pages and bounds their fetches.
type FundamentalsConfig struct {
	// CompanyURL is a template containing "{symbol}".
	CompanyURL string
	Attempts   int
	BaseDelay  time.Duration
	Rules      []extract.Rule
}

// Fundamentals refreshes stale fundamentals for every known company.
type Fundamentals struct {
	store   market.Store
	fetcher Fetcher
	engine  *upsert.Engine
	guard   staleness.Guard
	pacer   Pacer
	cfg     FundamentalsConfig
	logger  *zap.Logger
}

// NewFundamentals builds the fundamentals job.
func NewFundamentals(
	store market.Store,
	fetcher Fetcher,
	engine *upsert.Engine,
	guard staleness.Guard,
	pacer Pacer,
	cfg FundamentalsConfig,
	logger *zap.Logger,
) *Fundamentals {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = extract.DefaultFundamentalRules
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fundamentals{
		store:   store,
		fetcher: fetcher,
		engine:  engine,
		guard:   guard,
		pacer:   pacer,
		cfg:     cfg,
		logger:  logger.Named("fundamentals"),
	}
}

// Run processes companies sequentially. Per-company failures are logged and
// counted; only failing to list companies or cancellation fails the run.
func (f *Fundamentals) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	companies, err := f.store.ListAllCompanies(ctx)
	if err != nil {
		return summary, fmt.Errorf("list companies: %w", err)
	}
	summary.Total = len(companies)

	for i, company := range companies {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("fundamentals run interrupted: %w", err)
		}
		log := f.logger.With(
			zap.String("symbol", company.Symbol),
			zap.String("progress", fmt.Sprintf("%d/%d", i+1, len(companies))),
		)

		outcome, err := f.refresh(ctx, company)
		metrics.ObserveCompany("fundamentals", outcome)
		switch outcome {
		case outcomeUpdated:
			summary.Updated++
			log.Info("fundamentals updated")
		case outcomeFresh:
			summary.Skipped++
			log.Debug("fundamentals fresh, skipping")
		case outcomeInvalid:
			summary.Skipped++
			log.Warn("skipping company with invalid symbol", zap.Error(err))
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return summary, fmt.Errorf("fundamentals run interrupted: %w", ctxErr)
			}
			summary.Failed++
			log.Error("fundamentals refresh failed", zap.Error(err))
		}
	}

	f.logger.Info("fundamentals run finished",
		zap.Int("total", summary.Total),
		zap.Int("updated", summary.Updated),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (f *Fundamentals) refresh(ctx context.Context, company market.Company) (string, error) {
	if err := market.ValidateSymbol(company.Symbol); err != nil {
		return outcomeInvalid, err
	}

	existing, err := f.store.FindFundamentalsByCompany(ctx, company.ID)
	switch {
	case errors.Is(err, market.ErrNotFound):
	case err != nil:
		return outcomeFailed, fmt.Errorf("load fundamentals: %w", err)
	case !f.guard.ShouldRefresh(existing):
		return outcomeFresh, nil
	}

	pageURL := SymbolURL(f.cfg.CompanyURL, company.Symbol)
	if err := f.pacer.Wait(ctx, pageURL); err != nil {
		return outcomeFailed, err
	}
	body, err := f.fetcher.FetchWithRetry(ctx, pageURL, f.cfg.Attempts, f.cfg.BaseDelay)
	if err != nil {
		return outcomeFailed, fmt.Errorf("fetch company page: %w", err)
	}
	values, err := extract.Fundamentals(body, f.cfg.Rules)
	if err != nil {
		return outcomeFailed, err
	}
	if values.Known() == 0 {
		f.logger.Warn("no fundamentals found on page", zap.String("symbol", company.Symbol))
	}
	if _, err := f.engine.UpsertFundamentals(ctx, company.ID, values); err != nil {
		return outcomeFailed, err
	}
	return outcomeUpdated, nil
}
