package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// blockedTitleMarkers are matched case-sensitively against the page title.
var blockedTitleMarkers = []string{
	"Access Denied",
	"Captcha",
	"CAPTCHA",
	"Attention Required",
	"Just a moment",
	"Robot Check",
	"Bot Detection",
	"Security Check",
}

// DetectBlocked reports whether the page is a denial or challenge page, returning the
// marker found in its title.
func DetectBlocked(doc *goquery.Document) (string, bool) {
	if doc == nil {
		return "", false
	}
	title := doc.Find("title").First().Text()
	if title == "" {
		return "", false
	}
	for _, marker := range blockedTitleMarkers {
		if strings.Contains(title, marker) {
			return marker, true
		}
	}
	return "", false
}
