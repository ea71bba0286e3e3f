// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/equity-ingest/internal/market"
)

// Store implements market.Store with maps guarded by a RWMutex.
type Store struct {
	mu           sync.RWMutex
	nextID       int64
	companies    map[int64]market.Company
	bySymbol     map[string]int64
	fundamentals map[int64]market.Fundamentals
	prices       map[int64]market.Price
	history      []market.HistoricalPrice
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		companies:    make(map[int64]market.Company),
		bySymbol:     make(map[string]int64),
		fundamentals: make(map[int64]market.Fundamentals),
		prices:       make(map[int64]market.Price),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// FindCompanyBySymbol returns market.ErrNotFound for unknown symbols.
func (s *Store) FindCompanyBySymbol(_ context.Context, symbol string) (market.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySymbol[symbol]
	if !ok {
		return market.Company{}, fmt.Errorf("company %q: %w", symbol, market.ErrNotFound)
	}
	return s.companies[id], nil
}

// SaveCompany inserts when ID is zero and updates otherwise.
func (s *Store) SaveCompany(_ context.Context, company market.Company) (market.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()

	if company.ID == 0 {
		if _, exists := s.bySymbol[company.Symbol]; exists {
			return market.Company{}, fmt.Errorf("company %q already exists", company.Symbol)
		}
		company.ID = s.id()
		company.CreatedAt = now
		company.UpdatedAt = now
		s.companies[company.ID] = company
		s.bySymbol[company.Symbol] = company.ID
		return company, nil
	}

	existing, ok := s.companies[company.ID]
	if !ok {
		return market.Company{}, fmt.Errorf("company id %d: %w", company.ID, market.ErrNotFound)
	}
	if existing.Symbol != company.Symbol {
		delete(s.bySymbol, existing.Symbol)
		s.bySymbol[company.Symbol] = company.ID
	}
	company.CreatedAt = existing.CreatedAt
	company.UpdatedAt = now
	s.companies[company.ID] = company
	return company, nil
}

// ListAllCompanies returns companies ordered by ID.
func (s *Store) ListAllCompanies(_ context.Context) ([]market.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.Company, 0, len(s.companies))
	for _, c := range s.companies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindFundamentalsByCompany returns market.ErrNotFound when no record exists yet.
func (s *Store) FindFundamentalsByCompany(_ context.Context, companyID int64) (market.Fundamentals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fundamentals[companyID]
	if !ok {
		return market.Fundamentals{}, fmt.Errorf("fundamentals for company %d: %w", companyID, market.ErrNotFound)
	}
	return f, nil
}

// SaveFundamentals keeps one record per company.
func (s *Store) SaveFundamentals(_ context.Context, f market.Fundamentals) (market.Fundamentals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.companies[f.CompanyID]; !ok {
		return market.Fundamentals{}, fmt.Errorf("company id %d: %w", f.CompanyID, market.ErrCompanyNotFound)
	}
	if existing, ok := s.fundamentals[f.CompanyID]; ok {
		f.ID = existing.ID
	} else if f.ID == 0 {
		f.ID = s.id()
	}
	s.fundamentals[f.CompanyID] = f
	return f, nil
}

// SaveCurrentPrice overwrites the snapshot; LastUpdated never moves backwards.
func (s *Store) SaveCurrentPrice(_ context.Context, p market.Price) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.companies[p.CompanyID]; !ok {
		return fmt.Errorf("company id %d: %w", p.CompanyID, market.ErrCompanyNotFound)
	}
	if existing, ok := s.prices[p.CompanyID]; ok && existing.LastUpdated.After(p.LastUpdated) {
		p.LastUpdated = existing.LastUpdated
	}
	s.prices[p.CompanyID] = p
	return nil
}

// AppendHistoricalPrice inserts unconditionally.
func (s *Store) AppendHistoricalPrice(_ context.Context, point market.HistoricalPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.companies[point.CompanyID]; !ok {
		return fmt.Errorf("company id %d: %w", point.CompanyID, market.ErrCompanyNotFound)
	}
	point.ID = s.id()
	s.history = append(s.history, point)
	return nil
}

// CurrentPrice returns the snapshot for companyID.
func (s *Store) CurrentPrice(companyID int64) (market.Price, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[companyID]
	return p, ok
}

// History returns a copy of the historical points recorded for companyID.
func (s *Store) History(companyID int64) []market.HistoricalPrice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []market.HistoricalPrice
	for _, p := range s.history {
		if p.CompanyID == companyID {
			out = append(out, p)
		}
	}
	return out
}
