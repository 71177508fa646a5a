package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
)

// FieldSource is one candidate location for a card field. An empty Attr reads the text.
type FieldSource struct {
	Selector string
	Attr     string
}

// CardFields lists, per field, the candidate locations tried in order.
type CardFields struct {
	Brand       []FieldSource
	Name        []FieldSource
	Price       []FieldSource
	MRP         []FieldSource
	Discount    []FieldSource
	Rating      []FieldSource
	RatingCount []FieldSource
	Sizes       []FieldSource
	ID          []FieldSource
	ImageAttrs  []string
	OutOfStock  string
}

// Selector tables track the storefront's current markup. When the strategy keeps returning
// nothing on live pages, refresh these rather than the matching code.
var (
	DefaultCardSelectors = []string{
		"li.product-base",
		`[data-testid="product-card"]`,
		".product-item",
	}

	DefaultCardFields = CardFields{
		Brand:       []FieldSource{{Selector: ".product-brand"}},
		Name:        []FieldSource{{Selector: ".product-product"}, {Selector: "img", Attr: "title"}},
		Price:       []FieldSource{{Selector: ".product-discountedPrice"}, {Selector: ".product-price"}},
		MRP:         []FieldSource{{Selector: ".product-strike"}},
		Discount:    []FieldSource{{Selector: ".product-discountPercentage"}},
		Rating:      []FieldSource{{Selector: ".product-ratingsContainer"}},
		RatingCount: []FieldSource{{Selector: ".product-ratingsCount"}},
		Sizes:       []FieldSource{{Selector: ".product-sizeInventoryPresent"}, {Selector: ".product-sizeInventory"}},
		ID:          []FieldSource{{Attr: "id"}, {Attr: "data-id"}},
		ImageAttrs:  []string{"src", "data-src", "data-original"},
		OutOfStock:  ".product-outOfStock, .product-soldOut",
	}
)

// MarkupStrategy reads rendered product cards. Only the first card selector that matches
// anything is used; results are never merged across selectors.
type MarkupStrategy struct {
	CardSelectors []string
	Fields        CardFields
}

// NewMarkupStrategy returns a strategy using the default selector tables.
func NewMarkupStrategy() *MarkupStrategy {
	return &MarkupStrategy{
		CardSelectors: DefaultCardSelectors,
		Fields:        DefaultCardFields,
	}
}

// Name implements Strategy.
func (m *MarkupStrategy) Name() string { return "markup" }

// Extract implements Strategy.
func (m *MarkupStrategy) Extract(doc *goquery.Document, pageURL *url.URL) Result {
	var cards *goquery.Selection
	for _, selector := range m.CardSelectors {
		if found := doc.Find(selector); found.Length() > 0 {
			cards = found
			break
		}
	}
	if cards == nil {
		return Result{Reason: "no product cards matched"}
	}

	products := make([]*models.Product, 0, cards.Length())
	cards.Each(func(_ int, card *goquery.Selection) {
		products = append(products, m.cardProduct(card, pageURL))
	})
	return Result{Products: products}
}

func (m *MarkupStrategy) cardProduct(card *goquery.Selection, pageURL *url.URL) *models.Product {
	f := m.Fields
	href, _ := card.Find("a[href]").First().Attr("href")
	productURL := parser.AbsoluteURL(href, pageURL)

	id := firstText(card, f.ID)
	if id == "" && productURL != nil {
		id = parser.IDFromURL(*productURL)
	}

	ratingText := firstText(card, f.Rating)
	ratingCount := parser.ParseNumber(firstText(card, f.RatingCount))
	// a zero count cell falls back to the combined "rating | count" label
	if ratingCount == nil || *ratingCount == 0 {
		ratingCount = parser.RatingCountFromText(ratingText)
	}

	return &models.Product{
		ProductID:       models.StringPtr(id),
		Name:            models.StringPtr(firstText(card, f.Name)),
		Brand:           models.StringPtr(firstText(card, f.Brand)),
		Price:           parser.ParseNumber(firstText(card, f.Price)),
		MRP:             parser.ParseNumber(firstText(card, f.MRP)),
		DiscountPercent: parser.ParseNumber(firstText(card, f.Discount)),
		Rating:          parser.ParseNumber(ratingText),
		RatingCount:     ratingCount,
		Sizes:           parser.ParseSizes(firstText(card, f.Sizes)),
		ImageURL:        parser.AbsoluteURL(cardImage(card, f.ImageAttrs), pageURL),
		ProductURL:      productURL,
		InStock:         f.OutOfStock == "" || card.Find(f.OutOfStock).Length() == 0,
		IsSponsored:     false,
	}
}

// firstText returns the first non-empty candidate. A source without a selector reads the card itself.
func firstText(card *goquery.Selection, sources []FieldSource) string {
	for _, src := range sources {
		sel := card
		if src.Selector != "" {
			sel = card.Find(src.Selector).First()
		}
		if sel.Length() == 0 {
			continue
		}
		var value string
		if src.Attr != "" {
			value, _ = sel.Attr(src.Attr)
		} else {
			value = sel.Text()
		}
		if value = parser.CleanText(value); value != "" {
			return value
		}
	}
	return ""
}

// cardImage prefers the first srcset candidate and then the plain and lazy-load attributes.
func cardImage(card *goquery.Selection, attrs []string) string {
	img := card.Find("img").First()
	if img.Length() == 0 {
		return ""
	}
	if srcset, ok := img.Attr("srcset"); ok {
		first := strings.TrimSpace(strings.Split(srcset, ",")[0])
		if fields := strings.Fields(first); len(fields) > 0 {
			return fields[0]
		}
	}
	for _, attr := range attrs {
		if v, ok := img.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
