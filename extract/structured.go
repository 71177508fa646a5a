package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
)

var outOfStockPattern = regexp.MustCompile(`(?i)OutOfStock`)

// StructuredStrategy reads ItemList nodes from application/ld+json blocks.
// The channel carries no sponsorship marker, so every record is organic.
type StructuredStrategy struct{}

// NewStructuredStrategy returns the structured data strategy.
func NewStructuredStrategy() *StructuredStrategy {
	return &StructuredStrategy{}
}

// Name implements Strategy.
func (s *StructuredStrategy) Name() string { return "structured-data" }

// Extract implements Strategy.
func (s *StructuredStrategy) Extract(doc *goquery.Document, pageURL *url.URL) Result {
	var (
		products []*models.Product
		blocks   int
		failed   int
	)

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		raw := strings.TrimSpace(sel.Text())
		if raw == "" {
			return
		}
		blocks++
		parsed, err := decodeJSON(raw)
		if err != nil {
			failed++
			return
		}
		for _, node := range flattenNodes(parsed) {
			if !hasType(node, "ItemList") {
				continue
			}
			for _, entry := range asSlice(node["itemListElement"]) {
				item := asMap(entry)
				if item == nil {
					continue
				}
				if wrapped := asMap(item["item"]); wrapped != nil {
					item = wrapped
				}
				if _, typed := item["@type"]; typed && !hasType(item, "Product") {
					continue
				}
				products = append(products, structuredProduct(item, pageURL))
			}
		}
	})

	if len(products) > 0 {
		return Result{Products: products}
	}
	switch {
	case blocks == 0:
		return Result{Reason: "no ld+json blocks"}
	case failed == blocks:
		return Result{Reason: fmt.Sprintf("%d ld+json block(s) failed to parse", failed)}
	default:
		return Result{Reason: "no ItemList products"}
	}
}

// flattenNodes accepts a single node, an array of nodes and @graph containers.
func flattenNodes(v any) []map[string]any {
	var nodes []map[string]any
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case []any:
			for _, item := range t {
				walk(item)
			}
		case map[string]any:
			nodes = append(nodes, t)
			if graph, ok := t["@graph"]; ok {
				walk(graph)
			}
		}
	}
	walk(v)
	return nodes
}

func hasType(node map[string]any, want string) bool {
	switch t := node["@type"].(type) {
	case string:
		return t == want
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func structuredProduct(item map[string]any, pageURL *url.URL) *models.Product {
	offers := item["offers"]
	if list := asSlice(offers); len(list) > 0 {
		offers = list[0]
	}
	rating := asMap(item["aggregateRating"])

	brand := item["brand"]
	if m := asMap(brand); m != nil {
		brand = m["name"]
	}

	image := item["image"]
	if list := asSlice(image); list != nil {
		image = nil
		if len(list) > 0 {
			image = list[0]
		}
	}
	if m := asMap(image); m != nil {
		image = m["url"]
	}

	p := &models.Product{
		ProductID:   models.StringPtr(stringValue(firstOf(item, "sku", "productID"))),
		Name:        models.StringPtr(stringValue(item["name"])),
		Brand:       models.StringPtr(stringValue(brand)),
		Price:       parser.ParseNumber(lookup(offers, "price")),
		ImageURL:    parser.AbsoluteURL(stringValue(image), pageURL),
		ProductURL:  parser.AbsoluteURL(stringValue(item["url"]), pageURL),
		InStock:     true,
		IsSponsored: false,
	}
	if rating != nil {
		p.Rating = parser.ParseNumber(rating["ratingValue"])
		p.RatingCount = parser.ParseNumber(firstOf(rating, "reviewCount", "ratingCount"))
	}
	if availability := stringValue(lookup(offers, "availability")); availability != "" {
		p.InStock = !outOfStockPattern.MatchString(availability)
	}
	return p
}
