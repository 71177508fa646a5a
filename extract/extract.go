// Package extract turns a fetched listing page into candidate product records.
//
// Three strategies read three independent sources that change on their own schedule:
// the embedded page-state blob, structured data markup and the rendered product cards.
// A Chain tries them in priority order and keeps the first non-empty result.
package extract

import (
	"net/url"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-catalog/models"
)

// Strategy extracts products from a parsed page. Implementations never fail: an unusable
// source produces an empty Result with a Reason.
type Strategy interface {
	Name() string
	Extract(doc *goquery.Document, pageURL *url.URL) Result
}

// Result is the outcome of a single strategy.
type Result struct {
	Products []*models.Product
	// Reason explains an empty result, for logs.
	Reason string
}

// Empty reports whether the strategy produced nothing.
func (r Result) Empty() bool {
	return len(r.Products) == 0
}

// Attempt records what one strategy returned during a Chain run.
type Attempt struct {
	Strategy string
	Count    int
	Reason   string
}

// Outcome is the Chain result. Strategy is empty when every strategy came back empty.
type Outcome struct {
	Strategy string
	Products []*models.Product
	Attempts []Attempt
}

// Chain evaluates strategies in order and stops at the first one that yields products.
type Chain struct {
	strategies []Strategy
}

// NewChain builds a chain over the given strategies, highest priority first.
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// DefaultChain returns embedded blob, structured data and markup strategies in that order.
func DefaultChain(blobVariable string) *Chain {
	return NewChain(
		NewBlobStrategy(blobVariable),
		NewStructuredStrategy(),
		NewMarkupStrategy(),
	)
}

// Strategies returns the configured strategy names in priority order.
func (c *Chain) Strategies() []string {
	names := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Extract runs the chain against a page.
func (c *Chain) Extract(doc *goquery.Document, pageURL *url.URL) Outcome {
	var outcome Outcome
	if doc == nil {
		return outcome
	}
	for _, strategy := range c.strategies {
		result := strategy.Extract(doc, pageURL)
		outcome.Attempts = append(outcome.Attempts, Attempt{
			Strategy: strategy.Name(),
			Count:    len(result.Products),
			Reason:   result.Reason,
		})
		if !result.Empty() {
			outcome.Strategy = strategy.Name()
			outcome.Products = result.Products
			return outcome
		}
	}
	return outcome
}
