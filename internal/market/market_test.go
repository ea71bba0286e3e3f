package market

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestValidateSymbol(t *testing.T) {
	t.Parallel()

	valid := []string{"TCS", "M-M", "BAJAJ-AUTO", "3MINDIA"}
	for _, s := range valid {
		require.NoError(t, ValidateSymbol(s), s)
	}

	invalid := []string{"", "tcs", "NIFTY 500", "M&M", "ABC.NS", "A/B"}
	for _, s := range invalid {
		err := ValidateSymbol(s)
		require.Error(t, err, s)
		require.True(t, errors.Is(err, ErrInvalidSymbol), s)
	}
}

func TestFundamentalsApplyOverwritesAllMetrics(t *testing.T) {
	t.Parallel()

	var f Fundamentals
	f.Set(MetricROE, decimal.NewNullDecimal(decimal.RequireFromString("12.5")))
	f.Set(MetricPERatio, decimal.NewNullDecimal(decimal.RequireFromString("30")))

	f.Apply(FundamentalValues{
		MetricPERatio: decimal.NewNullDecimal(decimal.RequireFromString("24.1")),
	})

	require.True(t, f.PERatio.Valid)
	require.Equal(t, "24.1", f.PERatio.Decimal.String())
	require.False(t, f.ROE.Valid, "metrics absent from the update become unknown")
	require.Equal(t, 1, f.Values().Known())
}

func TestFundamentalsUnknownMetricIgnored(t *testing.T) {
	t.Parallel()

	var f Fundamentals
	f.Set(Metric("market_cap"), decimal.NewNullDecimal(decimal.NewFromInt(1)))
	require.Equal(t, 0, f.Values().Known())
	require.False(t, f.Value(Metric("market_cap")).Valid)
}
