package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Metric names one fundamental ratio or growth figure.
type Metric string

// Fundamental metrics tracked per company.
const (
	MetricPERatio        Metric = "pe_ratio"
	MetricPBRatio        Metric = "pb_ratio"
	MetricROE            Metric = "roe"
	MetricROCE           Metric = "roce"
	MetricDebtToEquity   Metric = "debt_to_equity"
	MetricDividendYield  Metric = "dividend_yield"
	MetricSalesGrowth3Y  Metric = "sales_growth_3yr"
	MetricProfitGrowth3Y Metric = "profit_growth_3yr"
	MetricSalesGrowth5Y  Metric = "sales_growth_5yr"
	MetricProfitGrowth5Y Metric = "profit_growth_5yr"
)

// AllMetrics lists every metric in storage column order.
var AllMetrics = []Metric{
	MetricPERatio,
	MetricPBRatio,
	MetricROE,
	MetricROCE,
	MetricDebtToEquity,
	MetricDividendYield,
	MetricSalesGrowth3Y,
	MetricProfitGrowth3Y,
	MetricSalesGrowth5Y,
	MetricProfitGrowth5Y,
}

// FundamentalValues holds extracted metrics. A missing or invalid entry means unknown.
type FundamentalValues map[Metric]decimal.NullDecimal

// Known reports how many metrics carry a value.
func (v FundamentalValues) Known() int {
	n := 0
	for _, val := range v {
		if val.Valid {
			n++
		}
	}
	return n
}

// Fundamentals is the single fundamentals record kept per company.
type Fundamentals struct {
	ID             int64               `json:"id" db:"id"`
	CompanyID      int64               `json:"company_id" db:"company_id"`
	PERatio        decimal.NullDecimal `json:"pe_ratio" db:"pe_ratio"`
	PBRatio        decimal.NullDecimal `json:"pb_ratio" db:"pb_ratio"`
	ROE            decimal.NullDecimal `json:"roe" db:"roe"`
	ROCE           decimal.NullDecimal `json:"roce" db:"roce"`
	DebtToEquity   decimal.NullDecimal `json:"debt_to_equity" db:"debt_to_equity"`
	DividendYield  decimal.NullDecimal `json:"dividend_yield" db:"dividend_yield"`
	SalesGrowth3Y  decimal.NullDecimal `json:"sales_growth_3yr" db:"sales_growth_3yr"`
	ProfitGrowth3Y decimal.NullDecimal `json:"profit_growth_3yr" db:"profit_growth_3yr"`
	SalesGrowth5Y  decimal.NullDecimal `json:"sales_growth_5yr" db:"sales_growth_5yr"`
	ProfitGrowth5Y decimal.NullDecimal `json:"profit_growth_5yr" db:"profit_growth_5yr"`
	LastUpdated    *time.Time          `json:"last_updated,omitempty" db:"last_updated"`
}

func (f *Fundamentals) field(m Metric) *decimal.NullDecimal {
	switch m {
	case MetricPERatio:
		return &f.PERatio
	case MetricPBRatio:
		return &f.PBRatio
	case MetricROE:
		return &f.ROE
	case MetricROCE:
		return &f.ROCE
	case MetricDebtToEquity:
		return &f.DebtToEquity
	case MetricDividendYield:
		return &f.DividendYield
	case MetricSalesGrowth3Y:
		return &f.SalesGrowth3Y
	case MetricProfitGrowth3Y:
		return &f.ProfitGrowth3Y
	case MetricSalesGrowth5Y:
		return &f.SalesGrowth5Y
	case MetricProfitGrowth5Y:
		return &f.ProfitGrowth5Y
	default:
		return nil
	}
}

// Value returns the stored value for m; unknown metrics report invalid.
func (f Fundamentals) Value(m Metric) decimal.NullDecimal {
	if p := f.field(m); p != nil {
		return *p
	}
	return decimal.NullDecimal{}
}

// Set stores v under m. Unknown metrics are ignored.
func (f *Fundamentals) Set(m Metric, v decimal.NullDecimal) {
	if p := f.field(m); p != nil {
		*p = v
	}
}

// Apply overwrites all ten metrics from values; absent entries become unknown.
func (f *Fundamentals) Apply(values FundamentalValues) {
	for _, m := range AllMetrics {
		f.Set(m, values[m])
	}
}

// Values returns the record's metrics as a FundamentalValues map.
func (f Fundamentals) Values() FundamentalValues {
	out := make(FundamentalValues, len(AllMetrics))
	for _, m := range AllMetrics {
		out[m] = f.Value(m)
	}
	return out
}
