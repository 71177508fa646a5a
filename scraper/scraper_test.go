package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/diagnostics"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"
)

const listingURL = "https://shop.example/men-tshirts"

func mustParse(t testing.TB, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestRetryManagerScheduleRespectsLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour

	rm := newRetryManager(cfg, NewMetrics())
	req := &colly.Request{URL: mustParse(t, "http://example.com/page")}

	if !rm.Schedule(req) {
		t.Fatalf("first retry should be scheduled")
	}
	if !rm.Schedule(req) {
		t.Fatalf("second retry should be scheduled")
	}
	if rm.Schedule(req) {
		t.Fatalf("third retry should not be scheduled")
	}

	rm.Stop()
	if got := rm.TotalRetries(); got != 2 {
		t.Fatalf("total retries = %d, want 2", got)
	}
	if got := rm.Attempts("http://example.com/page"); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestRetryManagerDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 0

	rm := newRetryManager(cfg, NewMetrics())
	if rm.Schedule(&colly.Request{URL: mustParse(t, "http://example.com/page")}) {
		t.Fatalf("retry scheduled with retries disabled")
	}
	if rm.Schedule(nil) {
		t.Fatalf("retry scheduled for nil request")
	}
}

func TestRetryManagerBackoffCapped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	rm := newRetryManager(cfg, NewMetrics())

	if got := rm.backoff(1); got != 200*time.Millisecond {
		t.Fatalf("first backoff = %v, want 200ms", got)
	}
	if got := rm.backoff(2); got != 400*time.Millisecond {
		t.Fatalf("second backoff = %v, want 400ms", got)
	}
	delay := rm.backoff(4)
	if delay > cfg.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.RetryBackoffMax)
	}
	if got := rm.backoff(80); got != cfg.RetryBackoffMax {
		t.Fatalf("overflowing backoff = %v, want %v", got, cfg.RetryBackoffMax)
	}
}

func TestRetryManagerFiresAndWaits(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 3
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond

	rm := newRetryManager(cfg, NewMetrics())
	var calls int32
	rm.retry = func(*colly.Request) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	rm.Schedule(&colly.Request{URL: mustParse(t, "http://example.com/a")})
	rm.Schedule(&colly.Request{URL: mustParse(t, "http://example.com/b")})
	rm.Wait()

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("retry calls = %d, want 2", got)
	}
	if rm.Pending() != 0 {
		t.Fatalf("pending = %d after wait", rm.Pending())
	}
	if rm.Fired() != 2 {
		t.Fatalf("fired = %d, want 2", rm.Fired())
	}
}

func TestRetryManagerStopReleasesPending(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour

	rm := newRetryManager(cfg, NewMetrics())
	rm.retry = func(*colly.Request) error {
		t.Errorf("stopped retry must not fire")
		return nil
	}

	rm.Schedule(&colly.Request{URL: mustParse(t, "http://example.com/a")})
	rm.Schedule(&colly.Request{URL: mustParse(t, "http://example.com/b")})
	if rm.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", rm.Pending())
	}

	rm.Stop()
	done := make(chan struct{})
	go func() {
		rm.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("wait did not return after stop")
	}
	if rm.Schedule(&colly.Request{URL: mustParse(t, "http://example.com/c")}) {
		t.Fatalf("retry scheduled after stop")
	}
}

func TestRetryManagerCancelledContext(t *testing.T) {
	cfg := config.DefaultConfig()
	rm := newRetryManager(cfg, NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rm.SetContext(ctx)

	if rm.Schedule(&colly.Request{URL: mustParse(t, "http://example.com/a")}) {
		t.Fatalf("retry scheduled on a cancelled run")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server", err: errors.New("Bad Gateway"), statusCode: http.StatusBadGateway, expected: "server_error"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}

	if got := errorTypeLabel(ErrBlocked{Marker: "Captcha"}); got != "blocked" {
		t.Fatalf("blocked label = %q", got)
	}
}

func TestNewScraperRejectsBadSeeds(t *testing.T) {
	cfg := testConfig()
	cfg.StartURLs = nil
	if _, err := NewScraper(cfg); !errors.Is(err, config.ErrNoSeedURLs) {
		t.Fatalf("err = %v, want ErrNoSeedURLs", err)
	}

	cfg.StartURLs = []string{"/men-tshirts"}
	if _, err := NewScraper(cfg); err == nil {
		t.Fatalf("expected error for relative seed")
	}
}

func TestScraperHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited"},
		{status: http.StatusForbidden, expected: "forbidden"},
		{status: http.StatusNotFound, expected: "not_found"},
		{status: http.StatusServiceUnavailable, expected: "server_error"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			cfg := testConfig()
			cfg.StartURLs = []string{"http://example.test/"}
			cfg.MaxRetries = 0

			transport := httpmock.NewMockTransport()
			responder := httpmock.NewStringResponder(tt.status, "")
			transport.RegisterResponder("GET", "http://example.test/", responder)
			transport.RegisterResponder("GET", "http://example.test", responder)

			s := newTestScraper(t, cfg, transport)
			result, writer := runScraper(t, s, cfg)

			if got := result.ErrorsByType[tt.expected]; got == 0 {
				t.Fatalf("expected %q classification for status %d, got %v", tt.expected, tt.status, result.ErrorsByType)
			}
			if len(result.FailedURLs) != 1 {
				t.Fatalf("failed urls = %v, want one", result.FailedURLs)
			}
			if writer.Count() != 0 {
				t.Fatalf("records written for an error page")
			}
		})
	}
}

func TestScraperNotFoundIsNotRetried(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	cfg.RetryBackoff = time.Millisecond

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listingURL, httpmock.NewStringResponder(http.StatusNotFound, ""))

	s := newTestScraper(t, cfg, transport)
	result, _ := runScraper(t, s, cfg)

	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if result.RetryCount != 0 {
		t.Fatalf("retries = %d, want 0", result.RetryCount)
	}
}

func TestScraperServerErrorRetriedUntilLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listingURL, httpmock.NewStringResponder(http.StatusInternalServerError, ""))

	s := newTestScraper(t, cfg, transport)
	result, _ := runScraper(t, s, cfg)

	if got := transport.GetTotalCallCount(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	if result.RetryCount != 2 {
		t.Fatalf("retries = %d, want 2", result.RetryCount)
	}
	if len(result.FailedURLs) != 1 || result.FailedURLs[0] != listingURL {
		t.Fatalf("failed urls = %v", result.FailedURLs)
	}
}

func TestScraperSinglePageBlob(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 1
	cfg.MaxItems = 100

	page := listingPage("", []string{blobItem(1), blobItem(2), blobItem(3)}, []string{sponsoredItem(90), sponsoredItem(91)})
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listingURL, htmlResponder(page))

	s := newTestScraper(t, cfg, transport)
	result, writer := runScraper(t, s, cfg)

	products := writer.All()
	if len(products) != 5 {
		t.Fatalf("products=%d, want 5 (errors=%v failed=%v)", len(products), result.ErrorsByType, result.FailedURLs)
	}
	wantIDs := []string{"1", "2", "3", "90", "91"}
	for i, p := range products {
		if got := models.Deref(p.ProductID); got != wantIDs[i] {
			t.Fatalf("record %d id = %q, want %q", i, got, wantIDs[i])
		}
		if p.IsSponsored != (i >= 3) {
			t.Fatalf("record %d sponsored = %v", i, p.IsSponsored)
		}
		if p.SourceURL != listingURL {
			t.Fatalf("record %d source = %q", i, p.SourceURL)
		}
		if p.ScrapedAt.IsZero() {
			t.Fatalf("record %d has no scrape time", i)
		}
	}
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if result.SavedCount != 5 || result.StrategyHits["embedded-blob"] != 1 {
		t.Fatalf("saved=%d hits=%v", result.SavedCount, result.StrategyHits)
	}
}

func TestScraperPaginatesWithPageParam(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 2

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listingURL,
		htmlResponder(listingPage("", []string{blobItem(1), blobItem(2), blobItem(3)}, nil)))
	transport.RegisterResponder("GET", listingURL+"?p=2",
		htmlResponder(listingPage("", []string{blobItem(3), blobItem(4), blobItem(5)}, nil)))

	s := newTestScraper(t, cfg, transport)
	result, writer := runScraper(t, s, cfg)

	products := writer.All()
	wantIDs := []string{"1", "2", "3", "4", "5"}
	if len(products) != len(wantIDs) {
		t.Fatalf("products=%d, want %d", len(products), len(wantIDs))
	}
	for i, p := range products {
		if got := models.Deref(p.ProductID); got != wantIDs[i] {
			t.Fatalf("record %d id = %q, want %q", i, got, wantIDs[i])
		}
	}
	if products[4].SourceURL != listingURL+"?p=2" {
		t.Fatalf("page 2 source = %q", products[4].SourceURL)
	}
	if result.MaxPageNumber != 2 {
		t.Fatalf("max page = %d, want 2", result.MaxPageNumber)
	}
	if got := transport.GetTotalCallCount(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestScraperStopsAtItemBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxItems = 4
	cfg.MaxPages = 5

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listingURL,
		htmlResponder(listingPage("", []string{blobItem(1), blobItem(2), blobItem(3)}, nil)))
	transport.RegisterResponder("GET", listingURL+"?p=2",
		htmlResponder(listingPage("", []string{blobItem(4), blobItem(5), blobItem(6)}, nil)))
	transport.RegisterResponder("GET", listingURL+"?p=3",
		htmlResponder(listingPage("", []string{blobItem(7)}, nil)))

	s := newTestScraper(t, cfg, transport)
	result, writer := runScraper(t, s, cfg)

	if got := writer.Count(); got != 4 {
		t.Fatalf("products=%d, want 4", got)
	}
	if result.SavedCount != 4 {
		t.Fatalf("saved=%d, want 4", result.SavedCount)
	}
	if got := transport.GetTotalCallCount(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestScraperNextLinkToSelfStops(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 5

	page := listingPage(`<link rel="next" href="`+listingURL+`">`, []string{blobItem(1)}, nil)
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listingURL, htmlResponder(page))

	s := newTestScraper(t, cfg, transport)
	runScraper(t, s, cfg)

	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestScraperFollowsNextLink(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 2

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listingURL,
		htmlResponder(listingPage(`<link rel="next" href="/men-tshirts/page/2">`, []string{blobItem(1)}, nil)))
	transport.RegisterResponder("GET", listingURL+"/page/2",
		htmlResponder(listingPage("", []string{blobItem(2)}, nil)))

	s := newTestScraper(t, cfg, transport)
	_, writer := runScraper(t, s, cfg)

	if got := writer.Count(); got != 2 {
		t.Fatalf("products=%d, want 2", got)
	}
	info := transport.GetCallCountInfo()
	if info["GET "+listingURL+"/page/2"] != 1 {
		t.Fatalf("next link not followed: %v", info)
	}
}

func TestScraperBlockedPage(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0

	body := strings.Replace(listingPage("", []string{blobItem(1)}, nil),
		"<title>Men T-shirts</title>", "<title>Access Denied</title>", 1)
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listingURL, htmlResponder(body))

	dir := t.TempDir()
	store, err := diagnostics.NewFileStore(dir)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}

	s := newTestScraper(t, cfg, transport, WithDiagnostics(store))
	result, writer := runScraper(t, s, cfg)

	if writer.Count() != 0 {
		t.Fatalf("blocked page produced %d records", writer.Count())
	}
	if result.BlockedPages != 1 {
		t.Fatalf("blocked pages = %d, want 1", result.BlockedPages)
	}
	if result.ErrorsByType["blocked"] != 1 {
		t.Fatalf("errors = %v", result.ErrorsByType)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read diagnostics dir: %v", err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "blocked-page-1-") {
		t.Fatalf("diagnostics = %v", entries)
	}
}

func TestScraperRetriesBlockedPage(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond

	blocked := "<html><head><title>Just a moment...</title></head><body></body></html>"
	ok := listingPage("", []string{blobItem(1), blobItem(2)}, nil)

	var calls int32
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listingURL, func(*http.Request) (*http.Response, error) {
		body := ok
		if atomic.AddInt32(&calls, 1) == 1 {
			body = blocked
		}
		resp := httpmock.NewStringResponse(http.StatusOK, body)
		resp.Header.Set("Content-Type", "text/html")
		return resp, nil
	})

	s := newTestScraper(t, cfg, transport)
	result, writer := runScraper(t, s, cfg)

	if got := writer.Count(); got != 2 {
		t.Fatalf("products=%d, want 2 (errors=%v)", got, result.ErrorsByType)
	}
	if result.RetryCount != 1 {
		t.Fatalf("retries = %d, want 1", result.RetryCount)
	}
	if result.BlockedPages != 1 {
		t.Fatalf("blocked pages = %d, want 1", result.BlockedPages)
	}
	if len(result.FailedURLs) != 0 {
		t.Fatalf("failed urls = %v", result.FailedURLs)
	}
}

func TestScraperEmptyPagesStillPaginate(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 2

	empty := "<html><head><title>Men T-shirts</title></head><body><p>nothing here</p></body></html>"
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listingURL, htmlResponder(empty))
	transport.RegisterResponder("GET", listingURL+"?p=2", htmlResponder(empty))

	dir := t.TempDir()
	store, err := diagnostics.NewFileStore(dir)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}

	s := newTestScraper(t, cfg, transport, WithDiagnostics(store))
	result, writer := runScraper(t, s, cfg)

	if writer.Count() != 0 {
		t.Fatalf("records written for empty pages")
	}
	if result.EmptyPages != 2 {
		t.Fatalf("empty pages = %d, want 2", result.EmptyPages)
	}
	if got := transport.GetTotalCallCount(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read diagnostics dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("diagnostics files = %d, want 2", len(entries))
	}
}

func TestScraperSessionHeadersAndCookies(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 2
	cfg.SessionPoolSize = 1

	var mu sync.Mutex
	var seen []http.Header

	record := func(body string, setCookie bool) httpmock.Responder {
		return func(req *http.Request) (*http.Response, error) {
			mu.Lock()
			seen = append(seen, req.Header.Clone())
			mu.Unlock()
			resp := httpmock.NewStringResponse(http.StatusOK, body)
			resp.Header.Set("Content-Type", "text/html")
			if setCookie {
				resp.Header.Add("Set-Cookie", "sid=abc; Path=/")
			}
			return resp, nil
		}
	}

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listingURL, record(listingPage("", []string{blobItem(1)}, nil), true))
	transport.RegisterResponder("GET", listingURL+"?p=2", record(listingPage("", []string{blobItem(2)}, nil), false))

	s := newTestScraper(t, cfg, transport)
	runScraper(t, s, cfg)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("requests = %d, want 2", len(seen))
	}
	first, second := seen[0], seen[1]
	if first.Get("Cookie") != "" {
		t.Fatalf("first request sent cookie %q", first.Get("Cookie"))
	}
	if second.Get("Cookie") != "sid=abc" {
		t.Fatalf("second request cookie = %q, want sid=abc", second.Get("Cookie"))
	}
	for _, h := range seen {
		if h.Get("User-Agent") == "" || h.Get("Accept-Language") == "" {
			t.Fatalf("missing profile headers: %v", h)
		}
		if h.Get("Sec-Fetch-Mode") != "navigate" {
			t.Fatalf("sec-fetch-mode = %q", h.Get("Sec-Fetch-Mode"))
		}
	}
	if first.Get("User-Agent") != second.Get("User-Agent") {
		t.Fatalf("one session changed its user agent")
	}
}

func TestScraperCancelledContext(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listingURL, htmlResponder(listingPage("", []string{blobItem(1)}, nil)))

	s := newTestScraper(t, cfg, transport)
	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := s.Run(ctx, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
	if got := transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("calls = %d after cancel", got)
	}
	if result.SavedCount != 0 {
		t.Fatalf("saved = %d after cancel", result.SavedCount)
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.StartURLs = []string{listingURL}
	cfg.Parallelism = 1
	cfg.StealthDelayMin = 0
	cfg.StealthDelayMax = 0
	cfg.PipelineBufferSize = 16
	cfg.BatchSize = 1
	return cfg
}

func newTestScraper(t *testing.T, cfg *config.Config, transport http.RoundTripper, opts ...Option) *Scraper {
	t.Helper()
	s, err := NewScraper(cfg, opts...)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)
	return s
}

func runScraper(t *testing.T, s *Scraper, cfg *config.Config) (*models.ScraperResult, *collectingWriter) {
	t.Helper()
	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
	return result, writer
}

type collectingWriter struct {
	mu       sync.Mutex
	products []*models.Product
}

func (cw *collectingWriter) Write(products []*models.Product) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.products = append(cw.products, products...)
	return nil
}

func (cw *collectingWriter) Close() error {
	return nil
}

func (cw *collectingWriter) Validate() error {
	return nil
}

func (cw *collectingWriter) Count() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return len(cw.products)
}

func (cw *collectingWriter) All() []*models.Product {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	out := make([]*models.Product, len(cw.products))
	copy(out, cw.products)
	return out
}

type benchWriter struct {
	mu    sync.Mutex
	count int
}

func (bw *benchWriter) Write(products []*models.Product) error {
	bw.mu.Lock()
	bw.count += len(products)
	bw.mu.Unlock()
	return nil
}

func (bw *benchWriter) Close() error {
	return nil
}

func (bw *benchWriter) Validate() error {
	return nil
}

func BenchmarkPipeline_Throughput(b *testing.B) {
	cfg := config.DefaultConfig()
	cfg.PipelineBufferSize = 1024
	cfg.BatchSize = 64

	for _, workers := range []int{4, 8, 16, 32} {
		b.Run(fmt.Sprintf("workers=%d", workers), func(b *testing.B) {
			writer := &benchWriter{}
			p := pipeline.NewPipeline(context.Background(), writer, cfg)
			p.Start(workers)

			scrapedAt := time.Unix(0, 0)
			price := 599.0

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				product := &models.Product{
					ProductID:  models.StringPtr(fmt.Sprint(i)),
					Name:       models.StringPtr("Benchmark Tee"),
					Price:      &price,
					ProductURL: models.StringPtr(fmt.Sprintf("https://shop.example/p/%d", i)),
					InStock:    true,
					SourceURL:  listingURL,
					ScrapedAt:  scrapedAt,
				}
				if err := p.Process(product); err != nil {
					b.Fatalf("process: %v", err)
				}
			}
			b.StopTimer()
			if err := p.Close(); err != nil {
				b.Fatalf("close: %v", err)
			}
			elapsed := b.Elapsed().Seconds()
			if elapsed > 0 {
				b.ReportMetric(float64(b.N)/elapsed, "items/sec")
			}
		})
	}
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func blobItem(id int) string {
	return fmt.Sprintf(`{"productId":%d,"productName":"Tee %d","brand":"Roadster","price":599,"mrp":1199,"landingPageUrl":"tshirts/roadster/%d/buy","searchImage":"https://assets.example/%d.jpg"}`,
		id, id, id, id)
}

func sponsoredItem(id int) string {
	return strings.TrimSuffix(blobItem(id), "}") + `,"isPla":true}`
}

// listingPage renders a storefront listing whose products sit in the embedded blob.
func listingPage(head string, organic, sponsored []string) string {
	var builder strings.Builder
	builder.WriteString("<html><head><title>Men T-shirts</title>")
	builder.WriteString(head)
	fmt.Fprintf(&builder, `<script>window.__myx = {"searchData":{"results":{"products":[%s],"plaProducts":[%s]}}};</script>`,
		strings.Join(organic, ","), strings.Join(sponsored, ","))
	builder.WriteString("</head><body><div id=\"root\"></div></body></html>")
	return builder.String()
}
