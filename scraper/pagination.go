package scraper

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ResolveNextPage returns the URL of the page after pageURL. An explicit rel=next link wins;
// otherwise the page query parameter is set to nextPageNo on a copy of pageURL.
func ResolveNextPage(doc *goquery.Document, pageURL *url.URL, nextPageNo int, param string) (string, bool) {
	if pageURL == nil || !pageURL.IsAbs() || pageURL.Host == "" {
		return "", false
	}

	if doc != nil {
		for _, selector := range []string{`link[rel="next"]`, `a[rel="next"]`} {
			href, ok := doc.Find(selector).First().Attr("href")
			href = strings.TrimSpace(href)
			if !ok || href == "" {
				continue
			}
			resolved, err := pageURL.Parse(href)
			if err != nil || resolved.Host == "" {
				// a broken link falls through to the query parameter
				break
			}
			resolved.Fragment = ""
			return resolved.String(), true
		}
	}

	if param == "" || nextPageNo < 1 {
		return "", false
	}
	next := *pageURL
	query := next.Query()
	query.Set(param, strconv.Itoa(nextPageNo))
	next.RawQuery = query.Encode()
	next.Fragment = ""
	return next.String(), true
}
