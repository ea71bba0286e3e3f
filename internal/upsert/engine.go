// Package upsert applies idempotent writes for companies, fundamentals and prices.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/equity-ingest/internal/market"
)

// Engine writes through a market.Store.
type Engine struct {
	store  market.Store
	clock  market.Clock
	logger *zap.Logger
}

// New builds an Engine.
func New(store market.Store, clock market.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, clock: clock, logger: logger.Named("upsert")}
}

// UpsertCompany creates the company on first sighting. For a known symbol only the
// sector is updated; name and exchange keep their first-seen values.
func (e *Engine) UpsertCompany(ctx context.Context, symbol string, attrs market.CompanyAttrs) (market.Company, error) {
	if err := market.ValidateSymbol(symbol); err != nil {
		return market.Company{}, err
	}

	existing, err := e.store.FindCompanyBySymbol(ctx, symbol)
	switch {
	case errors.Is(err, market.ErrNotFound):
		created, err := e.store.SaveCompany(ctx, market.Company{
			Symbol:   symbol,
			Name:     attrs.Name,
			Sector:   attrs.Sector,
			Exchange: attrs.Exchange,
		})
		if err != nil {
			return market.Company{}, fmt.Errorf("create company %s: %w", symbol, err)
		}
		e.logger.Info("company created", zap.String("symbol", symbol), zap.Int64("company_id", created.ID))
		return created, nil
	case err != nil:
		return market.Company{}, fmt.Errorf("find company %s: %w", symbol, err)
	}

	if existing.Sector == attrs.Sector {
		return existing, nil
	}
	existing.Sector = attrs.Sector
	updated, err := e.store.SaveCompany(ctx, existing)
	if err != nil {
		return market.Company{}, fmt.Errorf("update company %s: %w", symbol, err)
	}
	return updated, nil
}

// UpsertFundamentals replaces all ten metrics for companyID and stamps LastUpdated.
// An unknown company yields market.ErrCompanyNotFound.
func (e *Engine) UpsertFundamentals(ctx context.Context, companyID int64, values market.FundamentalValues) (market.Fundamentals, error) {
	record, err := e.store.FindFundamentalsByCompany(ctx, companyID)
	switch {
	case errors.Is(err, market.ErrNotFound):
		record = market.Fundamentals{CompanyID: companyID}
	case err != nil:
		return market.Fundamentals{}, fmt.Errorf("find fundamentals for company %d: %w", companyID, err)
	}

	record.Apply(values)
	now := e.clock.Now()
	record.LastUpdated = &now

	saved, err := e.store.SaveFundamentals(ctx, record)
	if err != nil {
		return market.Fundamentals{}, fmt.Errorf("save fundamentals for company %d: %w", companyID, err)
	}
	return saved, nil
}

// RecordPriceSnapshot overwrites the current price for companyID.
func (e *Engine) RecordPriceSnapshot(ctx context.Context, companyID int64, price, high52, low52 decimal.Decimal) error {
	err := e.store.SaveCurrentPrice(ctx, market.Price{
		CompanyID:   companyID,
		Current:     price,
		High52:      high52,
		Low52:       low52,
		LastUpdated: e.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("save price for company %d: %w", companyID, err)
	}
	return nil
}

// AppendHistoricalPoint inserts a new observation. Same-day duplicates are kept.
func (e *Engine) AppendHistoricalPoint(ctx context.Context, companyID int64, price decimal.Decimal, date time.Time) error {
	err := e.store.AppendHistoricalPrice(ctx, market.HistoricalPrice{
		CompanyID: companyID,
		Price:     price,
		Date:      date,
	})
	if err != nil {
		return fmt.Errorf("append history for company %d: %w", companyID, err)
	}
	return nil
}
