package scraper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/gocolly/colly/v2"
)

// retryManager re-issues failed requests after an exponential backoff. Requests are
// resubmitted with colly's Request.Retry, which skips the visited check and keeps the
// request context (page number included).
type retryManager struct {
	cfg     *config.Config
	metrics *Metrics
	ctx     context.Context

	mu           sync.Mutex
	attempts     map[string]int
	timers       map[uint64]*time.Timer
	seq          uint64
	pending      int
	fired        uint64
	idle         chan struct{}
	totalRetries int
	stopped      bool

	// retry is swapped out in tests.
	retry func(*colly.Request) error
}

func newRetryManager(cfg *config.Config, metrics *Metrics) *retryManager {
	return &retryManager{
		cfg:      cfg,
		attempts: make(map[string]int),
		timers:   make(map[uint64]*time.Timer),
		idle:     make(chan struct{}),
		metrics:  metrics,
		ctx:      context.Background(),
		retry:    func(r *colly.Request) error { return r.Retry() },
	}
}

// Schedule queues another attempt of req. It returns false once the URL has used up its
// retries, or when the run is stopping.
func (rm *retryManager) Schedule(req *colly.Request) bool {
	if req == nil || req.URL == nil || rm.cfg.MaxRetries == 0 {
		return false
	}
	key := req.URL.String()

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped || rm.ctx.Err() != nil {
		return false
	}

	attempt := rm.attempts[key]
	if attempt >= rm.cfg.MaxRetries {
		return false
	}

	attempt++
	rm.attempts[key] = attempt
	rm.totalRetries++
	if rm.metrics != nil {
		rm.metrics.IncRetries()
	}

	rm.seq++
	id := rm.seq
	rm.pending++
	rm.timers[id] = time.AfterFunc(rm.backoff(attempt), func() {
		rm.fire(id, req)
	})

	slog.Debug("retry scheduled",
		slog.String("url", key),
		slog.Int("attempt", attempt),
		slog.Int("max_retries", rm.cfg.MaxRetries),
	)
	return true
}

// Attempts returns how many retries were scheduled for url.
func (rm *retryManager) Attempts(url string) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.attempts[url]
}

func (rm *retryManager) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := rm.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := rm.cfg.RetryBackoffMax; max > 0 && (delay > max || delay <= 0) {
		delay = max
	}
	return delay
}

func (rm *retryManager) fire(id uint64, req *colly.Request) {
	rm.mu.Lock()
	stopped := rm.stopped || rm.ctx.Err() != nil
	rm.mu.Unlock()
	if stopped {
		rm.done(id, false)
		return
	}

	// Retry adds to the collector's wait group before pending drops.
	if err := rm.retry(req); err != nil {
		slog.Debug("retry request failed", slog.String("url", req.URL.String()), slog.Any("error", err))
	}
	rm.done(id, true)
}

func (rm *retryManager) done(id uint64, fired bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if fired {
		rm.fired++
	}
	if _, ok := rm.timers[id]; !ok {
		return
	}
	delete(rm.timers, id)
	rm.releaseLocked()
}

func (rm *retryManager) releaseLocked() {
	rm.pending--
	if rm.pending == 0 {
		close(rm.idle)
		rm.idle = make(chan struct{})
	}
}

// Pending returns the number of retries waiting on their backoff timer.
func (rm *retryManager) Pending() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.pending
}

// Fired returns how many retries have been handed back to the collector.
func (rm *retryManager) Fired() uint64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.fired
}

// Wait blocks until no retry timer is pending.
func (rm *retryManager) Wait() {
	for {
		rm.mu.Lock()
		if rm.pending == 0 {
			rm.mu.Unlock()
			return
		}
		idle := rm.idle
		rm.mu.Unlock()
		<-idle
	}
}

// Stop cancels every pending retry and rejects new ones.
func (rm *retryManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped {
		return
	}

	rm.stopped = true
	for id, timer := range rm.timers {
		if timer.Stop() {
			delete(rm.timers, id)
			rm.releaseLocked()
		}
	}
}

func (rm *retryManager) TotalRetries() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.totalRetries
}

func (rm *retryManager) SetContext(ctx context.Context) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if ctx == nil {
		rm.ctx = context.Background()
		return
	}
	rm.ctx = ctx
}
