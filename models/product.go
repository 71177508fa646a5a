// Package models defines data structures for the scraper.
package models

import "time"

// Product is a normalized product record extracted from a listing page.
// Nil pointers and nil slices mean the value was not available and encode as JSON null.
type Product struct {
	ProductID       *string   `json:"productId"`
	Name            *string   `json:"name"`
	Brand           *string   `json:"brand"`
	Price           *float64  `json:"price"`
	MRP             *float64  `json:"mrp"`
	DiscountPercent *float64  `json:"discountPercent"`
	Rating          *float64  `json:"rating"`
	RatingCount     *float64  `json:"ratingCount"`
	Sizes           []string  `json:"sizes"`
	ImageURL        *string   `json:"imageUrl"`
	ProductURL      *string   `json:"productUrl"`
	InStock         bool      `json:"inStock"`
	IsSponsored     bool      `json:"isSponsored"`
	SourceURL       string    `json:"sourceUrl"`
	ScrapedAt       time.Time `json:"scrapedAt"`
}

// CrawlTask is one listing page to fetch. PageNo starts at 1 for a seed URL.
type CrawlTask struct {
	URL    string
	PageNo int
}

// ScraperResult holds the overall result of a scraping operation
type ScraperResult struct {
	StartTime     time.Time
	EndTime       time.Time
	TotalCount    int
	SavedCount    int
	ErrorCount    int
	FailedURLs    []string
	ErrorsByType  map[string]int
	StrategyHits  map[string]int
	RetryCount    int
	RequestCount  int
	PageCount     int
	BlockedPages  int
	EmptyPages    int
	MaxPageNumber int
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
