// Package market defines the domain types shared across the ingestion pipeline.
package market

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel errors surfaced by stores and the upsert engine.
var (
	ErrNotFound        = errors.New("not found")
	ErrCompanyNotFound = errors.New("company not found")
	ErrInvalidSymbol   = errors.New("invalid symbol")
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9-]+$`)

// ValidateSymbol rejects anything outside uppercase letters, digits and hyphens.
func ValidateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// Company is a listed company identified by its ticker symbol.
type Company struct {
	ID        int64     `json:"id" db:"id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Name      string    `json:"name" db:"name"`
	Sector    string    `json:"sector" db:"sector"`
	Exchange  string    `json:"exchange" db:"exchange"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CompanyAttrs carries the descriptive attributes observed for a symbol.
type CompanyAttrs struct {
	Name     string
	Sector   string
	Exchange string
}

// Price is the single current-price snapshot kept per company.
type Price struct {
	CompanyID   int64           `json:"company_id" db:"company_id"`
	Current     decimal.Decimal `json:"current_price" db:"current_price"`
	High52      decimal.Decimal `json:"high_52w" db:"high_52w"`
	Low52       decimal.Decimal `json:"low_52w" db:"low_52w"`
	LastUpdated time.Time       `json:"last_updated" db:"last_updated"`
}

// HistoricalPrice is one append-only observation of a company's price.
type HistoricalPrice struct {
	ID        int64           `json:"id" db:"id"`
	CompanyID int64           `json:"company_id" db:"company_id"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Date      time.Time       `json:"date" db:"date"`
}
