package upsert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/equity-ingest/internal/market"
	"github.com/JakeFAU/equity-ingest/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

type countingStore struct {
	*memory.Store
	calls int
}

func (c *countingStore) FindCompanyBySymbol(ctx context.Context, symbol string) (market.Company, error) {
	c.calls++
	return c.Store.FindCompanyBySymbol(ctx, symbol)
}

func newEngine() (*Engine, *memory.Store, *fakeClock) {
	store := memory.NewStore()
	clock := &fakeClock{now: time.Date(2024, 6, 10, 9, 45, 0, 0, time.UTC)}
	return New(store, clock, zap.NewNop()), store, clock
}

func dec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestUpsertCompanyCreatesThenUpdatesSectorOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, store, _ := newEngine()

	created, err := engine.UpsertCompany(ctx, "TCS", market.CompanyAttrs{Name: "Tata Consultancy Services", Sector: "IT", Exchange: "NSE"})
	require.NoError(t, err)
	require.Equal(t, "Tata Consultancy Services", created.Name)

	updated, err := engine.UpsertCompany(ctx, "TCS", market.CompanyAttrs{Name: "Renamed", Sector: "Technology", Exchange: "BSE"})
	require.NoError(t, err)
	require.Equal(t, created.ID, updated.ID)
	require.Equal(t, "Technology", updated.Sector)
	require.Equal(t, "Tata Consultancy Services", updated.Name)
	require.Equal(t, "NSE", updated.Exchange)

	all, err := store.ListAllCompanies(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestUpsertCompanyRejectsInvalidSymbolBeforeStore(t *testing.T) {
	t.Parallel()

	store := &countingStore{Store: memory.NewStore()}
	engine := New(store, &fakeClock{}, nil)

	for _, symbol := range []string{"NIFTY 500", "m&m", ""} {
		_, err := engine.UpsertCompany(context.Background(), symbol, market.CompanyAttrs{})
		require.ErrorIs(t, err, market.ErrInvalidSymbol)
	}
	require.Zero(t, store.calls)
}

func TestUpsertFundamentalsCreateThenMutate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, store, clock := newEngine()
	company, err := engine.UpsertCompany(ctx, "INFY", market.CompanyAttrs{Sector: "IT"})
	require.NoError(t, err)

	first, err := engine.UpsertFundamentals(ctx, company.ID, market.FundamentalValues{
		market.MetricPERatio: dec("24.5"),
		market.MetricROE:     dec("31.2"),
	})
	require.NoError(t, err)
	require.NotNil(t, first.LastUpdated)
	require.Equal(t, clock.now, *first.LastUpdated)

	clock.now = clock.now.Add(25 * time.Hour)
	second, err := engine.UpsertFundamentals(ctx, company.ID, market.FundamentalValues{
		market.MetricPERatio: dec("26"),
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, clock.now, *second.LastUpdated)

	stored, err := store.FindFundamentalsByCompany(ctx, company.ID)
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(26).Equal(stored.PERatio.Decimal))
	require.False(t, stored.ROE.Valid, "every metric is rewritten on each refresh")
}

func TestUpsertFundamentalsUnknownCompany(t *testing.T) {
	t.Parallel()

	engine, _, _ := newEngine()
	_, err := engine.UpsertFundamentals(context.Background(), 404, market.FundamentalValues{})
	require.ErrorIs(t, err, market.ErrCompanyNotFound)
}

func TestRecordPriceSnapshotOverwrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, store, clock := newEngine()
	company, err := engine.UpsertCompany(ctx, "RELIANCE", market.CompanyAttrs{Sector: "Energy"})
	require.NoError(t, err)

	require.NoError(t, engine.RecordPriceSnapshot(ctx, company.ID, decimal.NewFromInt(2900), decimal.NewFromInt(3000), decimal.NewFromInt(2200)))
	clock.now = clock.now.Add(24 * time.Hour)
	require.NoError(t, engine.RecordPriceSnapshot(ctx, company.ID, decimal.NewFromInt(2950), decimal.NewFromInt(3000), decimal.NewFromInt(2200)))

	p, ok := store.CurrentPrice(company.ID)
	require.True(t, ok)
	require.True(t, decimal.NewFromInt(2950).Equal(p.Current))
	require.Equal(t, clock.now, p.LastUpdated)
}

func TestAppendHistoricalPointKeepsEveryCall(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, store, clock := newEngine()
	company, err := engine.UpsertCompany(ctx, "RELIANCE", market.CompanyAttrs{})
	require.NoError(t, err)

	require.NoError(t, engine.AppendHistoricalPoint(ctx, company.ID, decimal.NewFromInt(1), clock.now))
	require.NoError(t, engine.AppendHistoricalPoint(ctx, company.ID, decimal.NewFromInt(1), clock.now))
	require.Len(t, store.History(company.ID), 2)

	err = engine.AppendHistoricalPoint(ctx, 404, decimal.NewFromInt(1), clock.now)
	require.True(t, errors.Is(err, market.ErrCompanyNotFound))
}
