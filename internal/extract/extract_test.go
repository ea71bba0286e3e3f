package extract

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/equity-ingest/internal/market"
)

const companyPage = `<html><body>
<ul id="top-ratios">
  <li><span class="name">Market Cap</span><span class="value">₹ 12,34,567 Cr.</span></li>
  <li><span class="name">Stock P/E</span><span class="value">28.4</span></li>
  <li><span class="name">P/B</span><span class="value">13.1</span></li>
  <li><span class="name">ROCE</span><span class="value">64.3 %</span></li>
  <li><span class="name">ROE</span><span class="value">51.5 %</span></li>
  <li><span class="name">Dividend Yield</span><span class="value">1.25 %</span></li>
  <li><span class="name">Debt to equity</span><span class="value">0.09</span></li>
</ul>
<table>
  <tr><td>3 Year Sales CAGR</td><td>12.4%</td></tr>
  <tr><td>5 Year Sales CAGR</td><td>10%</td></tr>
  <tr><td>3 Year Profit CAGR</td><td>-3.5%</td></tr>
</table>
</body></html>`

func TestFirstNumber(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Stock P/E 24.5":     "24.5",
		"ROE 18 %":           "18",
		"₹ 1,234.50 Cr.":     "1234.5",
		"growth: -3.2%":      "-3.2",
		"yield .75":          "0.75",
		"3 Year Sales CAGR":  "3",
		"Debt to equity 0.0": "0",
	}
	for in, want := range cases {
		got := FirstNumber(in)
		require.True(t, got.Valid, in)
		require.True(t, decimal.RequireFromString(want).Equal(got.Decimal), "%s: got %s", in, got.Decimal)
	}

	require.False(t, FirstNumber("").Valid)
	require.False(t, FirstNumber("n/a").Valid)
	require.False(t, FirstNumber("P/E -").Valid)
}

func TestDocumentApplyDefaultRules(t *testing.T) {
	t.Parallel()

	values, err := Fundamentals([]byte(companyPage), DefaultFundamentalRules)
	require.NoError(t, err)

	expect := map[market.Metric]string{
		market.MetricPERatio:        "28.4",
		market.MetricPBRatio:        "13.1",
		market.MetricROE:            "51.5",
		market.MetricROCE:           "64.3",
		market.MetricDebtToEquity:   "0.09",
		market.MetricDividendYield:  "1.25",
		market.MetricSalesGrowth3Y:  "12.4",
		market.MetricSalesGrowth5Y:  "10",
		market.MetricProfitGrowth3Y: "-3.5",
	}
	for metric, want := range expect {
		got := values[metric]
		require.True(t, got.Valid, metric)
		require.True(t, decimal.RequireFromString(want).Equal(got.Decimal), "%s: got %s", metric, got.Decimal)
	}

	require.Contains(t, values, market.MetricProfitGrowth5Y)
	require.False(t, values[market.MetricProfitGrowth5Y].Valid, "missing label leaves only that metric unknown")
	require.Equal(t, 9, values.Known())
}

func TestDocumentTableCellWithoutSibling(t *testing.T) {
	t.Parallel()

	doc, err := Parse([]byte(`<table><tr><td>3 Year Sales CAGR</td></tr></table>`))
	require.NoError(t, err)
	require.False(t, doc.TableCellValue("3 Year Sales CAGR").Valid)
	require.False(t, doc.Value(Rule{Label: "x", Strategy: Strategy(9)}).Valid)
}

func TestDocumentEmptyPage(t *testing.T) {
	t.Parallel()

	values, err := Fundamentals([]byte(""), DefaultFundamentalRules)
	require.NoError(t, err)
	require.Len(t, values, len(DefaultFundamentalRules))
	require.Zero(t, values.Known())
}

const indexBody = `{
  "name": "NIFTY 500",
  "data": [
    {"symbol": "NIFTY 500", "lastPrice": 21000.5},
    {"symbol": "RELIANCE", "lastPrice": 2950.1, "yearHigh": "3,024.90", "yearLow": 2220.3,
     "meta": {"companyName": "Reliance Industries Limited", "industry": "Refineries"}},
    {"symbol": "TCS", "sector": "IT", "lastPrice": "3,900.00", "yearHigh": 4254.75, "yearLow": 3070.25},
    {"symbol": "M&M", "lastPrice": 1600}
  ]
}`

func TestParseIndexListing(t *testing.T) {
	t.Parallel()

	rows, err := ParseIndexListing([]byte(indexBody))
	require.NoError(t, err)
	require.Len(t, rows, 4)

	require.Equal(t, "NIFTY 500", rows[0].Symbol)
	require.Equal(t, UnknownSector, rows[0].Sector)

	rel := rows[1]
	require.Equal(t, "Reliance Industries Limited", rel.Name)
	require.Equal(t, "Refineries", rel.Sector)
	require.True(t, decimal.RequireFromString("3024.90").Equal(rel.YearHigh))

	tcs := rows[2]
	require.Equal(t, "TCS", tcs.Name, "name falls back to symbol")
	require.Equal(t, "IT", tcs.Sector)
	require.True(t, decimal.RequireFromString("3900").Equal(tcs.LastPrice))
}

func TestParseIndexListingMalformed(t *testing.T) {
	t.Parallel()

	_, err := ParseIndexListing([]byte(`<html>blocked</html>`))
	require.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseIndexListing([]byte(`{"data": {}}`))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestResolveQuoteTiers(t *testing.T) {
	t.Parallel()

	listing := IndexConstituent{
		Symbol:    "TCS",
		LastPrice: decimal.RequireFromString("3900"),
		YearHigh:  decimal.RequireFromString("4254.75"),
		YearLow:   decimal.RequireFromString("3070.25"),
	}

	full := ResolveQuote([]byte(`{"priceInfo":{"lastPrice":3912.4,"weekHighLow":{"max":4300,"min":3000}}}`), listing)
	require.Equal(t, SourceQuote, full.Source)
	require.True(t, decimal.RequireFromString("3912.4").Equal(full.LastPrice))
	require.True(t, decimal.NewFromInt(4300).Equal(full.High52))
	require.True(t, decimal.NewFromInt(3000).Equal(full.Low52))

	partial := ResolveQuote([]byte(`{"priceInfo":{"lastPrice":0,"weekHigh52":"4,400.10"}}`), listing)
	require.Equal(t, SourceListing, partial.Source)
	require.True(t, listing.LastPrice.Equal(partial.LastPrice))
	require.True(t, decimal.RequireFromString("4400.10").Equal(partial.High52))
	require.True(t, listing.YearLow.Equal(partial.Low52))

	absent := ResolveQuote(nil, listing)
	require.Equal(t, SourceListing, absent.Source)
	require.True(t, listing.YearHigh.Equal(absent.High52))

	none := ResolveQuote([]byte("not json"), IndexConstituent{Symbol: "NEW"})
	require.Equal(t, SourceNone, none.Source)
	require.True(t, none.LastPrice.IsZero())
	require.True(t, none.High52.IsZero())
	require.True(t, none.Low52.IsZero())
}
