package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/diagnostics"
	"github.com/aluiziolira/go-scrape-catalog/extract"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
	"github.com/aluiziolira/go-scrape-catalog/stealth"
	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/proxy"
	"github.com/google/uuid"
)

// colly.Context keys carried by every request.
const (
	ctxPageNo  = "pageNo"
	ctxSession = "sessionID"
	ctxStart   = "start"
)

// ErrNoSeedsEnqueued is returned by Run when none of the start URLs could be submitted.
var ErrNoSeedsEnqueued = errors.New("no start URL could be enqueued")

// Option customises a Scraper.
type Option func(*Scraper)

// WithDiagnostics stores raw blocked and empty pages in store.
func WithDiagnostics(store diagnostics.Store) Option {
	return func(s *Scraper) {
		if store != nil {
			s.diag = store
		}
	}
}

// WithShaper replaces the default request shaper, e.g. with a seeded one.
func WithShaper(shaper *stealth.Shaper) Option {
	return func(s *Scraper) {
		if shaper != nil {
			s.shaper = shaper
		}
	}
}

// WithChain replaces the default extraction chain.
func WithChain(chain *extract.Chain) Option {
	return func(s *Scraper) {
		if chain != nil {
			s.chain = chain
		}
	}
}

// WithRunID tags logs with a caller-chosen run ID.
func WithRunID(id string) Option {
	return func(s *Scraper) {
		if id != "" {
			s.runID = id
		}
	}
}

// Scraper drives colly over paginated listing pages and feeds admitted products to the
// output pipeline.
type Scraper struct {
	cfg       *config.Config
	collector *colly.Collector
	retry     *retryManager
	Metrics   *Metrics

	chain    *extract.Chain
	acc      *pipeline.Accumulator
	shaper   *stealth.Shaper
	sessions *SessionPool
	diag     diagnostics.Store
	runID    string
	logger   *slog.Logger
	ctx      context.Context

	requestCount   int64
	pageCount      int64
	errorCount     int64
	blockedPages   int64
	emptyPages     int64
	candidateCount int64

	mu           sync.Mutex
	failedURLs   []string
	errorsByType map[string]int
	strategyHits map[string]int

	handlersOnce sync.Once
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config, opts ...Option) (*Scraper, error) {
	if len(cfg.StartURLs) == 0 {
		return nil, config.ErrNoSeedURLs
	}
	domains := make([]string, 0, len(cfg.StartURLs))
	for _, raw := range cfg.StartURLs {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse start url: %w", err)
		}
		if parsed.Host == "" {
			return nil, fmt.Errorf("start url %q must include a host", raw)
		}
		domains = append(domains, parsed.Hostname())
	}

	collector := colly.NewCollector(
		colly.Async(true),
		colly.AllowedDomains(domains...),
		colly.UserAgent(cfg.UserAgent),
	)

	// cookies live in per-session jars
	collector.DisableCookies()
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if len(cfg.ProxyURLs) > 0 {
		switcher, err := proxy.RoundRobinProxySwitcher(cfg.ProxyURLs...)
		if err != nil {
			return nil, fmt.Errorf("configure proxies: %w", err)
		}
		collector.SetProxyFunc(switcher)
	}

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	acc, err := pipeline.NewAccumulator(cfg.MaxItems, cfg.MaxPages, cfg.DedupeMaxSize)
	if err != nil {
		return nil, fmt.Errorf("create accumulator: %w", err)
	}

	s := &Scraper{
		cfg:          cfg,
		collector:    collector,
		Metrics:      NewMetrics(),
		chain:        extract.DefaultChain(cfg.BlobVariable),
		acc:          acc,
		shaper:       stealth.NewShaper(cfg.StealthDelayMin, cfg.StealthDelayMax),
		diag:         diagnostics.NopStore{},
		runID:        uuid.NewString(),
		ctx:          context.Background(),
		errorsByType: make(map[string]int),
		strategyHits: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = slog.Default().With(slog.String("run_id", s.runID))
	s.retry = newRetryManager(cfg, s.Metrics)
	s.sessions = NewSessionPool(cfg.SessionPoolSize, cfg.SessionMaxUsage, cfg.SessionMaxErrorScore,
		s.shaper.NewProfile, s.Metrics.IncSessionRetired)
	return s, nil
}

// RunID identifies this crawl in logs and diagnostics.
func (s *Scraper) RunID() string {
	return s.runID
}

// Run crawls every start URL and streams admitted products through p. It returns once no
// request or retry is outstanding, or after ctx is cancelled and in-flight work drained.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.ScraperResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx = ctx
	s.retry.SetContext(ctx)
	s.configureHandlers(p)

	start := time.Now()
	stopRetries := context.AfterFunc(ctx, s.retry.Stop)
	defer stopRetries()

	enqueued := 0
	for _, seed := range s.cfg.StartURLs {
		if err := s.enqueue(models.CrawlTask{URL: seed, PageNo: 1}); err != nil {
			s.logger.Warn("seed rejected", slog.String("url", seed), slog.Any("error", err))
			continue
		}
		enqueued++
	}
	if enqueued == 0 {
		return nil, ErrNoSeedsEnqueued
	}

	s.wait()
	s.retry.Stop()

	maxItems, maxPages := s.acc.Limits()
	s.logger.Info("crawl finished",
		slog.Int("saved", s.acc.Saved()),
		slog.Int("max_items", maxItems),
		slog.Int("max_page_seen", s.acc.MaxPageSeen()),
		slog.Int("max_pages", maxPages),
	)

	return &models.ScraperResult{
		StartTime:     start,
		EndTime:       time.Now(),
		TotalCount:    int(atomic.LoadInt64(&s.candidateCount)),
		SavedCount:    s.acc.Saved(),
		ErrorCount:    int(atomic.LoadInt64(&s.errorCount)),
		FailedURLs:    s.snapshotFailedURLs(),
		ErrorsByType:  s.snapshotErrors(),
		StrategyHits:  s.snapshotStrategies(),
		RetryCount:    s.retry.TotalRetries(),
		RequestCount:  int(atomic.LoadInt64(&s.requestCount)),
		PageCount:     int(atomic.LoadInt64(&s.pageCount)),
		BlockedPages:  int(atomic.LoadInt64(&s.blockedPages)),
		EmptyPages:    int(atomic.LoadInt64(&s.emptyPages)),
		MaxPageNumber: s.acc.MaxPageSeen(),
	}, nil
}

// wait returns once the collector is idle and no retry is pending or was fired since the
// collector last went idle.
func (s *Scraper) wait() {
	for {
		fired := s.retry.Fired()
		s.collector.Wait()
		if s.retry.Pending() == 0 && s.retry.Fired() == fired {
			return
		}
		s.retry.Wait()
	}
}

func (s *Scraper) enqueue(task models.CrawlTask) error {
	ctx := colly.NewContext()
	ctx.Put(ctxPageNo, task.PageNo)
	return s.collector.Request(http.MethodGet, task.URL, nil, ctx, nil)
}

func (s *Scraper) configureHandlers(p *pipeline.Pipeline) {
	s.handlersOnce.Do(func() {
		s.collector.OnRequest(func(r *colly.Request) {
			if s.ctx.Err() != nil {
				r.Abort()
				return
			}

			session := s.sessions.Acquire(r.Ctx.Get(ctxSession))
			r.Ctx.Put(ctxSession, session.ID)
			for key, values := range session.Profile.Headers() {
				r.Headers.Del(key)
				for _, v := range values {
					r.Headers.Add(key, v)
				}
			}
			r.Headers.Del("Cookie")
			if cookies := session.Cookies(r.URL); len(cookies) > 0 {
				pairs := make([]string, 0, len(cookies))
				for _, c := range cookies {
					pairs = append(pairs, c.Name+"="+c.Value)
				}
				r.Headers.Set("Cookie", strings.Join(pairs, "; "))
			}

			if err := s.shaper.Wait(s.ctx); err != nil {
				r.Abort()
				return
			}

			r.Ctx.Put(ctxStart, time.Now())
			current := atomic.AddInt64(&s.requestCount, 1)
			s.Metrics.IncRequest("started")
			s.logger.Debug("requesting page",
				slog.String("url", r.URL.String()),
				slog.Int("page", pageNumber(r.Ctx)),
				slog.String("session", session.ID),
				slog.Int64("requests", current),
			)
		})

		s.collector.OnResponse(func(r *colly.Response) {
			if start, ok := r.Ctx.GetAny(ctxStart).(time.Time); ok {
				s.Metrics.ObserveDuration(time.Since(start))
			}
			s.Metrics.IncRequest("completed")
			s.storeCookies(r)
			s.handlePage(r, p)
		})

		s.collector.OnError(func(r *colly.Response, err error) {
			atomic.AddInt64(&s.errorCount, 1)
			classified := classifyError(err, r.StatusCode)
			category := errorTypeLabel(classified)
			s.recordError(category)
			s.Metrics.IncError(category)
			s.storeCookies(r)
			s.sessions.MarkBad(r.Ctx.Get(ctxSession))

			pageURL := ""
			if r.Request != nil && r.Request.URL != nil {
				pageURL = r.Request.URL.String()
			}
			s.logger.Warn("request error",
				slog.String("url", pageURL),
				slog.Int("page", pageNumber(r.Ctx)),
				slog.Int("status", r.StatusCode),
				slog.String("category", category),
				slog.Any("error", err),
			)

			if category == "not_found" {
				s.fail(pageURL, category)
				return
			}
			s.retryOrFail(r.Request, category)
		})
	})
}

func (s *Scraper) handlePage(r *colly.Response, p *pipeline.Pipeline) {
	pageURL := r.Request.URL
	pageNo := pageNumber(r.Ctx)
	sessionID := r.Ctx.Get(ctxSession)
	atomic.AddInt64(&s.pageCount, 1)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	if err != nil {
		s.recordError("other")
		s.logger.Warn("parse page", slog.String("url", pageURL.String()), slog.Any("error", err))
		s.retryOrFail(r.Request, "other")
		return
	}

	if marker, blocked := DetectBlocked(doc); blocked {
		atomic.AddInt64(&s.blockedPages, 1)
		category := errorTypeLabel(ErrBlocked{Marker: marker})
		s.recordError(category)
		s.Metrics.IncError(category)
		s.Metrics.IncPage("blocked")
		s.sessions.MarkBad(sessionID)
		s.capture(diagnostics.KindBlocked, pageNo, r.Body)
		s.logger.Warn("blocked page",
			slog.String("url", pageURL.String()),
			slog.Int("page", pageNo),
			slog.String("marker", marker),
		)
		s.retryOrFail(r.Request, category)
		return
	}
	s.sessions.MarkGood(sessionID)

	outcome := s.chain.Extract(doc, pageURL)
	atomic.AddInt64(&s.candidateCount, int64(len(outcome.Products)))
	if len(outcome.Products) == 0 {
		atomic.AddInt64(&s.emptyPages, 1)
		s.Metrics.IncPage("empty")
		s.capture(diagnostics.KindEmpty, pageNo, r.Body)
		reasons := make([]string, 0, len(outcome.Attempts))
		for _, attempt := range outcome.Attempts {
			reasons = append(reasons, attempt.Strategy+": "+attempt.Reason)
		}
		s.logger.Warn("no products found",
			slog.String("url", pageURL.String()),
			slog.Int("page", pageNo),
			slog.Any("reasons", reasons),
		)
	} else {
		s.Metrics.IncPage("products")
		s.Metrics.IncStrategy(outcome.Strategy)
		s.mu.Lock()
		s.strategyHits[outcome.Strategy]++
		s.mu.Unlock()
	}

	batch, more := s.acc.Accept(pageURL.String(), pageNo, outcome.Products)
	if len(batch) > 0 {
		s.Metrics.AddItems(len(batch))
		if err := p.Process(batch...); err != nil && !errors.Is(err, pipeline.ErrPipelineClosed) {
			s.logger.Error("pipeline process error", slog.Any("error", err))
		}
		maxItems, _ := s.acc.Limits()
		s.logger.Info("saved products",
			slog.Int("page", pageNo),
			slog.Int("batch", len(batch)),
			slog.Int("saved", s.acc.Saved()),
			slog.Int("max_items", maxItems),
			slog.String("strategy", outcome.Strategy),
		)
	}

	if !more || s.ctx.Err() != nil {
		return
	}

	next, ok := ResolveNextPage(doc, pageURL, pageNo+1, s.cfg.PageParam)
	if !ok {
		return
	}
	if next == pageURL.String() {
		s.logger.Debug("next page resolves to current page", slog.String("url", next))
		return
	}
	if err := s.enqueue(models.CrawlTask{URL: next, PageNo: pageNo + 1}); err != nil {
		s.logger.Debug("next page not enqueued", slog.String("url", next), slog.Any("error", err))
	}
}

func (s *Scraper) retryOrFail(req *colly.Request, category string) {
	if s.retry.Schedule(req) {
		return
	}
	pageURL := ""
	if req != nil && req.URL != nil {
		pageURL = req.URL.String()
	}
	s.fail(pageURL, category)
}

func (s *Scraper) fail(pageURL, category string) {
	s.mu.Lock()
	s.failedURLs = append(s.failedURLs, pageURL)
	s.mu.Unlock()
	s.logger.Warn("giving up on page", slog.String("url", pageURL), slog.String("category", category))
}

func (s *Scraper) storeCookies(r *colly.Response) {
	if r == nil || r.Headers == nil || r.Request == nil || r.Request.URL == nil {
		return
	}
	session := s.sessions.Get(r.Ctx.Get(ctxSession))
	if session == nil {
		return
	}
	cookies := (&http.Response{Header: *r.Headers}).Cookies()
	session.SetCookies(r.Request.URL, cookies)
}

func (s *Scraper) capture(kind string, pageNo int, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := diagnostics.Key(kind, pageNo, body)
	if err := s.diag.Save(ctx, key, body); err != nil {
		s.logger.Warn("save diagnostics", slog.String("key", key), slog.Any("error", err))
	}
}

func (s *Scraper) recordError(category string) {
	s.mu.Lock()
	s.errorsByType[category]++
	s.mu.Unlock()
}

func pageNumber(ctx *colly.Context) int {
	if ctx == nil {
		return 1
	}
	if n, ok := ctx.GetAny(ctxPageNo).(int); ok && n > 0 {
		return n
	}
	return 1
}

func (s *Scraper) snapshotFailedURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.failedURLs))
	copy(out, s.failedURLs)
	return out
}

func (s *Scraper) snapshotErrors() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.errorsByType))
	for k, v := range s.errorsByType {
		out[k] = v
	}
	return out
}

func (s *Scraper) snapshotStrategies() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.strategyHits))
	for k, v := range s.strategyHits {
		out[k] = v
	}
	return out
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch {
		case statusCode == http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case statusCode == http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case statusCode == http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		case statusCode >= http.StatusInternalServerError:
			return ErrServer{Err: wrapped}
		}
	}

	if err == nil {
		return nil
	}
	return err
}
