// Package parser holds the value parsers shared by every extraction strategy.
package parser

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"golang.org/x/text/unicode/norm"
)

var (
	numberPattern    = regexp.MustCompile(`-?\d+(\.\d+)?`)
	idFromURLPattern = regexp.MustCompile(`/(\d+)\b`)
)

// CleanText folds compatibility characters (non-breaking spaces, full-width digits),
// collapses whitespace runs and trims the result.
func CleanText(text string) string {
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(norm.NFKC.String(text)), " ")
}

// ParseNumber converts a raw value into a finite number.
// Numbers pass through unchanged; strings lose thousands separators and yield their
// first signed decimal. Anything else, or a string without digits, returns nil.
func ParseNumber(value any) *float64 {
	switch v := value.(type) {
	case nil:
		return nil
	case float64:
		return finite(v)
	case float32:
		return finite(float64(v))
	case int:
		return finite(float64(v))
	case int32:
		return finite(float64(v))
	case int64:
		return finite(float64(v))
	case uint:
		return finite(float64(v))
	case uint32:
		return finite(float64(v))
	case uint64:
		return finite(float64(v))
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return finite(f)
		}
		return parseNumberText(string(v))
	case *float64:
		if v == nil {
			return nil
		}
		return finite(*v)
	case string:
		return parseNumberText(v)
	default:
		return nil
	}
}

func parseNumberText(text string) *float64 {
	text = CleanText(text)
	if text == "" {
		return nil
	}
	match := numberPattern.FindString(strings.ReplaceAll(text, ",", ""))
	if match == "" {
		return nil
	}
	f, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return nil
	}
	return finite(f)
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// ParseSizes splits a comma separated size list. An empty list is reported as nil.
func ParseSizes(text string) []string {
	text = CleanText(text)
	if text == "" {
		return nil
	}
	var sizes []string
	for _, part := range strings.Split(text, ",") {
		if part = strings.TrimSpace(part); part != "" {
			sizes = append(sizes, part)
		}
	}
	return sizes
}

// RatingCountFromText reads the count out of a combined "4.3 | 1.2k" rating label.
func RatingCountFromText(text string) *float64 {
	if text == "" {
		return nil
	}
	parts := strings.Split(text, "|")
	if len(parts) < 2 {
		return nil
	}
	return ParseNumber(parts[1])
}

// AbsoluteURL resolves href against base. Relative references, empty input and
// results without a scheme and host yield nil.
func AbsoluteURL(href string, base *url.URL) *string {
	href = strings.TrimSpace(href)
	if href == "" {
		return nil
	}
	var (
		resolved *url.URL
		err      error
	)
	if base != nil {
		resolved, err = base.Parse(href)
	} else {
		resolved, err = url.Parse(href)
	}
	if err != nil || !resolved.IsAbs() || resolved.Host == "" {
		return nil
	}
	abs := resolved.String()
	return &abs
}

// IDFromURL returns the first run of digits that directly follows a path separator.
func IDFromURL(rawURL string) string {
	match := idFromURLPattern.FindStringSubmatch(rawURL)
	if match == nil {
		return ""
	}
	return match[1]
}

// ValidateProduct ensures a record honours the numeric and URL invariants of the output contract.
func ValidateProduct(p *models.Product) error {
	if p == nil {
		return fmt.Errorf("product is nil")
	}
	if strings.TrimSpace(p.SourceURL) == "" {
		return fmt.Errorf("product missing source url")
	}
	numbers := map[string]*float64{
		"price":           p.Price,
		"mrp":             p.MRP,
		"discountPercent": p.DiscountPercent,
		"rating":          p.Rating,
		"ratingCount":     p.RatingCount,
	}
	for field, value := range numbers {
		if value != nil && (math.IsNaN(*value) || math.IsInf(*value, 0)) {
			return fmt.Errorf("product %s is not finite", field)
		}
	}
	urls := map[string]*string{
		"imageUrl":   p.ImageURL,
		"productUrl": p.ProductURL,
	}
	for field, value := range urls {
		if value == nil {
			continue
		}
		parsed, err := url.Parse(*value)
		if err != nil || !parsed.IsAbs() || parsed.Host == "" {
			return fmt.Errorf("product %s is not an absolute url: %q", field, *value)
		}
	}
	if p.Sizes != nil && len(p.Sizes) == 0 {
		return fmt.Errorf("product sizes must be nil rather than empty")
	}
	return nil
}
