package extract

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// numberPattern matches the first integer or decimal token, allowing grouping
// commas and a minus sign attached to the digits.
var numberPattern = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?|-?\.\d+`)

// FirstNumber parses the first numeric token in text. No token yields an invalid value.
func FirstNumber(text string) decimal.NullDecimal {
	token := numberPattern.FindString(text)
	if token == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(token, ",", ""))
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
