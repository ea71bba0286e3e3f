package extract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// UnknownSector is recorded when a listing carries no sector or industry.
const UnknownSector = "Unknown"

// ErrMalformedPayload is returned when a JSON body lacks the expected shape.
var ErrMalformedPayload = errors.New("malformed payload")

// IndexConstituent is one row of an index listing.
type IndexConstituent struct {
	Symbol    string
	Name      string
	Sector    string
	LastPrice decimal.Decimal
	YearHigh  decimal.Decimal
	YearLow   decimal.Decimal
}

// QuoteSource names the tier a quote's last price came from.
type QuoteSource string

// Quote tiers, most to least preferred.
const (
	SourceQuote   QuoteSource = "quote"
	SourceListing QuoteSource = "listing"
	SourceNone    QuoteSource = "none"
)

// Quote is the resolved current price and 52-week range.
type Quote struct {
	LastPrice decimal.Decimal
	High52    decimal.Decimal
	Low52     decimal.Decimal
	Source    QuoteSource
}

// ParseIndexListing reads the constituents from an index endpoint body.
func ParseIndexListing(body []byte) ([]IndexConstituent, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedPayload)
	}
	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, fmt.Errorf("%w: missing data array", ErrMalformedPayload)
	}

	rows := data.Array()
	out := make([]IndexConstituent, 0, len(rows))
	for _, row := range rows {
		symbol := strings.TrimSpace(row.Get("symbol").String())
		name := firstString(row, "meta.companyName", "companyName")
		if name == "" {
			name = symbol
		}
		sector := firstString(row, "sector", "meta.industry")
		if sector == "" {
			sector = UnknownSector
		}
		out = append(out, IndexConstituent{
			Symbol:    symbol,
			Name:      name,
			Sector:    sector,
			LastPrice: number(row.Get("lastPrice")),
			YearHigh:  number(row.Get("yearHigh")),
			YearLow:   number(row.Get("yearLow")),
		})
	}
	return out, nil
}

// ResolveQuote picks each price field from the quote body first, then the listing row,
// then zero. Zero or unparseable values fall through to the next tier. A nil or
// malformed quote body skips straight to the listing.
func ResolveQuote(quoteBody []byte, listing IndexConstituent) Quote {
	var q gjson.Result
	if len(quoteBody) > 0 && gjson.ValidBytes(quoteBody) {
		q = gjson.ParseBytes(quoteBody)
	}

	quote := Quote{Source: SourceNone}
	if v := number(q.Get("priceInfo.lastPrice")); !v.IsZero() {
		quote.LastPrice, quote.Source = v, SourceQuote
	} else if !listing.LastPrice.IsZero() {
		quote.LastPrice, quote.Source = listing.LastPrice, SourceListing
	}
	quote.High52 = firstNonZero(
		number(q.Get("priceInfo.weekHigh52")),
		number(q.Get("priceInfo.weekHighLow.max")),
		listing.YearHigh,
	)
	quote.Low52 = firstNonZero(
		number(q.Get("priceInfo.weekLow52")),
		number(q.Get("priceInfo.weekHighLow.min")),
		listing.YearLow,
	)
	return quote
}

func firstString(row gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := strings.TrimSpace(row.Get(p).String()); s != "" {
			return s
		}
	}
	return ""
}

func firstNonZero(values ...decimal.Decimal) decimal.Decimal {
	for _, v := range values {
		if !v.IsZero() {
			return v
		}
	}
	return decimal.Zero
}

// number accepts JSON numbers and numeric strings such as "1,234.50".
func number(r gjson.Result) decimal.Decimal {
	var raw string
	switch r.Type {
	case gjson.Number:
		raw = r.Raw
	case gjson.String:
		raw = strings.ReplaceAll(strings.TrimSpace(r.Str), ",", "")
	default:
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
