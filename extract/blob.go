package extract

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
)

// DefaultBlobVariable is the global the storefront assigns its server-rendered state to.
const DefaultBlobVariable = "__myx"

// BlobStrategy reads products out of a JSON object assigned to a window global inside an
// inline script. The object literal is isolated with a non-greedy match that ends at the
// next window assignment or the end of the script, then validated by a full JSON parse.
type BlobStrategy struct {
	variable string
	pattern  *regexp.Regexp
}

// NewBlobStrategy builds a strategy for window.<variable> = {...}.
func NewBlobStrategy(variable string) *BlobStrategy {
	if variable == "" {
		variable = DefaultBlobVariable
	}
	return &BlobStrategy{
		variable: variable,
		pattern:  regexp.MustCompile(`window\.` + regexp.QuoteMeta(variable) + `\s*=\s*(\{[\s\S]*?\});?\s*(?:window\.|$)`),
	}
}

// Name implements Strategy.
func (b *BlobStrategy) Name() string { return "embedded-blob" }

// Extract implements Strategy.
func (b *BlobStrategy) Extract(doc *goquery.Document, pageURL *url.URL) Result {
	var (
		products []*models.Product
		matched  int
		failed   int
		shapeErr int
	)

	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		match := b.pattern.FindStringSubmatch(s.Text())
		if match == nil {
			return
		}
		matched++

		data, err := decodeJSON(match[1])
		if err != nil {
			failed++
			return
		}
		results := asMap(lookup(data, "searchData", "results"))
		if results == nil {
			shapeErr++
			return
		}

		organic := asSlice(results["products"])
		sponsored := asSlice(results["plaProducts"])
		for _, raw := range append(append([]any{}, organic...), sponsored...) {
			item := asMap(raw)
			if item == nil {
				continue
			}
			products = append(products, blobProduct(item, pageURL))
		}
	})

	if len(products) > 0 {
		return Result{Products: products}
	}
	switch {
	case matched == 0:
		return Result{Reason: fmt.Sprintf("no window.%s assignment", b.variable)}
	case failed > 0:
		return Result{Reason: fmt.Sprintf("%d blob(s) failed to parse", failed)}
	case shapeErr > 0:
		return Result{Reason: "blob missing searchData.results"}
	default:
		return Result{Reason: "blob result lists empty"}
	}
}

func blobProduct(item map[string]any, pageURL *url.URL) *models.Product {
	p := &models.Product{
		ProductID:       models.StringPtr(stringValue(item["productId"])),
		Name:            models.StringPtr(stringValue(firstOf(item, "productName", "product"))),
		Brand:           models.StringPtr(stringValue(item["brand"])),
		Price:           parser.ParseNumber(item["price"]),
		MRP:             parser.ParseNumber(item["mrp"]),
		DiscountPercent: parser.ParseNumber(firstOf(item, "discountDisplayStr", "discount")),
		Rating:          parser.ParseNumber(item["rating"]),
		RatingCount:     parser.ParseNumber(firstOf(item, "ratingCount", "totalRatings")),
		Sizes:           sizesValue(item["sizes"]),
		ImageURL:        parser.AbsoluteURL(stringValue(firstOf(item, "searchImage", "defaultImage", "image")), pageURL),
		ProductURL:      parser.AbsoluteURL(stringValue(item["landingPageUrl"]), pageURL),
		InStock:         true,
		IsSponsored:     truthy(item["isPla"]) || truthy(item["isSponsored"]),
	}

	if inventory := asSlice(item["inventoryInfo"]); len(inventory) > 0 {
		if first := asMap(inventory[0]); first != nil {
			if count, ok := first["inventoryCount"]; ok {
				if n := parser.ParseNumber(count); n != nil && *n <= 0 {
					p.InStock = false
				}
			}
		}
	}
	return p
}
