// Package extract pulls numeric fields out of fetched HTML and JSON payloads.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/equity-ingest/internal/market"
)

// Strategy selects how a label is located in a page.
type Strategy int

const (
	// ListItem reads the first number inside the first <li> whose text contains the label.
	ListItem Strategy = iota
	// TableCell reads the first number in the cell right after the first <td> containing the label.
	TableCell
)

func (s Strategy) String() string {
	switch s {
	case ListItem:
		return "list-item"
	case TableCell:
		return "table-cell"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Rule maps one page label to a fundamentals metric.
type Rule struct {
	Metric   market.Metric
	Label    string
	Strategy Strategy
}

// DefaultFundamentalRules extracts the ten fundamentals from a company page.
var DefaultFundamentalRules = []Rule{
	{Metric: market.MetricPERatio, Label: "P/E", Strategy: ListItem},
	{Metric: market.MetricPBRatio, Label: "P/B", Strategy: ListItem},
	{Metric: market.MetricROE, Label: "ROE", Strategy: ListItem},
	{Metric: market.MetricROCE, Label: "ROCE", Strategy: ListItem},
	{Metric: market.MetricDebtToEquity, Label: "Debt to equity", Strategy: ListItem},
	{Metric: market.MetricDividendYield, Label: "Dividend Yield", Strategy: ListItem},
	{Metric: market.MetricSalesGrowth3Y, Label: "3 Year Sales CAGR", Strategy: TableCell},
	{Metric: market.MetricProfitGrowth3Y, Label: "3 Year Profit CAGR", Strategy: TableCell},
	{Metric: market.MetricSalesGrowth5Y, Label: "5 Year Sales CAGR", Strategy: TableCell},
	{Metric: market.MetricProfitGrowth5Y, Label: "5 Year Profit CAGR", Strategy: TableCell},
}

// Document is a parsed HTML page.
type Document struct {
	doc *goquery.Document
}

// Parse builds a Document from raw HTML.
func Parse(html []byte) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{doc: doc}, nil
}

// ListItemValue implements the ListItem strategy.
func (d *Document) ListItemValue(label string) decimal.NullDecimal {
	item := firstContaining(d.doc.Find("li"), label)
	if item == nil {
		return decimal.NullDecimal{}
	}
	return FirstNumber(item.Text())
}

// TableCellValue implements the TableCell strategy.
func (d *Document) TableCellValue(label string) decimal.NullDecimal {
	cell := firstContaining(d.doc.Find("td"), label)
	if cell == nil {
		return decimal.NullDecimal{}
	}
	next := cell.Next()
	if next.Length() == 0 {
		return decimal.NullDecimal{}
	}
	return FirstNumber(next.Text())
}

// Value applies a single rule.
func (d *Document) Value(rule Rule) decimal.NullDecimal {
	switch rule.Strategy {
	case ListItem:
		return d.ListItemValue(rule.Label)
	case TableCell:
		return d.TableCellValue(rule.Label)
	default:
		return decimal.NullDecimal{}
	}
}

// Apply evaluates every rule. A label missing from the page leaves only its own metric unknown.
func (d *Document) Apply(rules []Rule) market.FundamentalValues {
	values := make(market.FundamentalValues, len(rules))
	for _, rule := range rules {
		values[rule.Metric] = d.Value(rule)
	}
	return values
}

// Fundamentals parses html and applies rules in one step.
func Fundamentals(html []byte, rules []Rule) (market.FundamentalValues, error) {
	doc, err := Parse(html)
	if err != nil {
		return nil, err
	}
	return doc.Apply(rules), nil
}

func firstContaining(sel *goquery.Selection, label string) *goquery.Selection {
	var found *goquery.Selection
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(s.Text(), label) {
			found = s
			return false
		}
		return true
	})
	return found
}
