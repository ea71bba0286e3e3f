// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/equity-ingest/internal/market"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the stores use; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Connect opens a pool using cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Store implements market.Store on Postgres.
type Store struct {
	pool Pool
}

// NewStore wraps an existing pool.
func NewStore(pool Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const companyColumns = `id, symbol, name, sector, exchange, created_at, updated_at`

// FindCompanyBySymbol returns market.ErrNotFound for unknown symbols.
func (s *Store) FindCompanyBySymbol(ctx context.Context, symbol string) (market.Company, error) {
	var c market.Company
	err := pgxscan.Get(ctx, s.pool, &c, `SELECT `+companyColumns+` FROM companies WHERE symbol = $1`, symbol)
	if pgxscan.NotFound(err) {
		return market.Company{}, fmt.Errorf("company %q: %w", symbol, market.ErrNotFound)
	}
	if err != nil {
		return market.Company{}, fmt.Errorf("select company %q: %w", symbol, err)
	}
	return c, nil
}

// SaveCompany inserts when ID is zero and updates otherwise.
func (s *Store) SaveCompany(ctx context.Context, c market.Company) (market.Company, error) {
	if c.ID == 0 {
		err := s.pool.QueryRow(ctx, `
INSERT INTO companies (symbol, name, sector, exchange)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at, updated_at`,
			c.Symbol, c.Name, c.Sector, c.Exchange,
		).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return market.Company{}, fmt.Errorf("insert company %q: %w", c.Symbol, err)
		}
		return c, nil
	}

	err := s.pool.QueryRow(ctx, `
UPDATE companies
SET symbol = $2, name = $3, sector = $4, exchange = $5, updated_at = now()
WHERE id = $1
RETURNING created_at, updated_at`,
		c.ID, c.Symbol, c.Name, c.Sector, c.Exchange,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Company{}, fmt.Errorf("company id %d: %w", c.ID, market.ErrNotFound)
	}
	if err != nil {
		return market.Company{}, fmt.Errorf("update company %q: %w", c.Symbol, err)
	}
	return c, nil
}

// ListAllCompanies returns companies ordered by ID.
func (s *Store) ListAllCompanies(ctx context.Context) ([]market.Company, error) {
	var companies []market.Company
	if err := pgxscan.Select(ctx, s.pool, &companies, `SELECT `+companyColumns+` FROM companies ORDER BY id`); err != nil {
		return nil, fmt.Errorf("select companies: %w", err)
	}
	return companies, nil
}

const fundamentalsColumns = `id, company_id, pe_ratio, pb_ratio, roe, roce, debt_to_equity, dividend_yield,
sales_growth_3yr, profit_growth_3yr, sales_growth_5yr, profit_growth_5yr, last_updated`

// FindFundamentalsByCompany returns market.ErrNotFound when no record exists yet.
func (s *Store) FindFundamentalsByCompany(ctx context.Context, companyID int64) (market.Fundamentals, error) {
	var f market.Fundamentals
	err := pgxscan.Get(ctx, s.pool, &f, `SELECT `+fundamentalsColumns+` FROM fundamentals WHERE company_id = $1`, companyID)
	if pgxscan.NotFound(err) {
		return market.Fundamentals{}, fmt.Errorf("fundamentals for company %d: %w", companyID, market.ErrNotFound)
	}
	if err != nil {
		return market.Fundamentals{}, fmt.Errorf("select fundamentals for company %d: %w", companyID, err)
	}
	return f, nil
}

// SaveFundamentals upserts the single record per company.
func (s *Store) SaveFundamentals(ctx context.Context, f market.Fundamentals) (market.Fundamentals, error) {
	err := s.pool.QueryRow(ctx, `
INSERT INTO fundamentals (
	company_id, pe_ratio, pb_ratio, roe, roce, debt_to_equity, dividend_yield,
	sales_growth_3yr, profit_growth_3yr, sales_growth_5yr, profit_growth_5yr, last_updated
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (company_id) DO UPDATE SET
	pe_ratio = EXCLUDED.pe_ratio,
	pb_ratio = EXCLUDED.pb_ratio,
	roe = EXCLUDED.roe,
	roce = EXCLUDED.roce,
	debt_to_equity = EXCLUDED.debt_to_equity,
	dividend_yield = EXCLUDED.dividend_yield,
	sales_growth_3yr = EXCLUDED.sales_growth_3yr,
	profit_growth_3yr = EXCLUDED.profit_growth_3yr,
	sales_growth_5yr = EXCLUDED.sales_growth_5yr,
	profit_growth_5yr = EXCLUDED.profit_growth_5yr,
	last_updated = EXCLUDED.last_updated
RETURNING id`,
		f.CompanyID,
		f.PERatio, f.PBRatio, f.ROE, f.ROCE, f.DebtToEquity, f.DividendYield,
		f.SalesGrowth3Y, f.ProfitGrowth3Y, f.SalesGrowth5Y, f.ProfitGrowth5Y,
		f.LastUpdated,
	).Scan(&f.ID)
	if err != nil {
		return market.Fundamentals{}, mapCompanyFK(err, f.CompanyID, "upsert fundamentals")
	}
	return f, nil
}

// SaveCurrentPrice overwrites the snapshot; last_updated never moves backwards.
func (s *Store) SaveCurrentPrice(ctx context.Context, p market.Price) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO prices (company_id, current_price, high_52w, low_52w, last_updated)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (company_id) DO UPDATE SET
	current_price = EXCLUDED.current_price,
	high_52w = EXCLUDED.high_52w,
	low_52w = EXCLUDED.low_52w,
	last_updated = GREATEST(prices.last_updated, EXCLUDED.last_updated)`,
		p.CompanyID, p.Current, p.High52, p.Low52, p.LastUpdated,
	)
	if err != nil {
		return mapCompanyFK(err, p.CompanyID, "upsert price")
	}
	return nil
}

// AppendHistoricalPrice inserts unconditionally.
func (s *Store) AppendHistoricalPrice(ctx context.Context, point market.HistoricalPrice) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO historical_prices (company_id, price, date)
VALUES ($1, $2, $3)`,
		point.CompanyID, point.Price, point.Date,
	)
	if err != nil {
		return mapCompanyFK(err, point.CompanyID, "insert historical price")
	}
	return nil
}

func mapCompanyFK(err error, companyID int64, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
		return fmt.Errorf("%s: company id %d: %w", op, companyID, market.ErrCompanyNotFound)
	}
	return fmt.Errorf("%s for company %d: %w", op, companyID, err)
}
