package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Accumulator holds the crawl-wide state shared by every in-flight page: the seen dedup
// keys, the saved count and the highest page number observed. Each batch is admitted under
// a single lock, so duplicate checks, budget checks and the continue decision never
// interleave between pages.
type Accumulator struct {
	maxItems int
	maxPages int
	now      func() time.Time

	mu          sync.Mutex
	seen        *lru.Cache[string, struct{}]
	saved       int
	maxPageSeen int
	duplicates  int
}

// NewAccumulator creates an empty crawl state. The seen set is sized so that it can never
// evict a key before the item budget is spent.
func NewAccumulator(maxItems, maxPages, dedupeMaxSize int) (*Accumulator, error) {
	if maxItems <= 0 {
		return nil, fmt.Errorf("max items must be positive")
	}
	if maxPages <= 0 {
		return nil, fmt.Errorf("max pages must be positive")
	}
	size := dedupeMaxSize
	if size < maxItems {
		size = maxItems
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create seen set: %w", err)
	}
	return &Accumulator{
		maxItems: maxItems,
		maxPages: maxPages,
		now:      time.Now,
		seen:     seen,
	}, nil
}

// DedupKey identifies the product behind a record: its id, else its URL, else brand and
// name. An empty key means the record cannot be deduplicated.
func DedupKey(p *models.Product) string {
	if p == nil {
		return ""
	}
	if id := models.Deref(p.ProductID); id != "" {
		return "id:" + id
	}
	if u := models.Deref(p.ProductURL); u != "" {
		return "url:" + u
	}
	brand, name := models.Deref(p.Brand), models.Deref(p.Name)
	if brand == "" && name == "" {
		return ""
	}
	return "bn:" + brand + ":" + name
}

// Accept filters candidates from one page. Admitted records are stamped with sourceURL and
// the capture time and counted; once the item budget is reached the rest of the batch is
// discarded. The returned flag reports whether the crawl should go on past pageNo.
func (a *Accumulator) Accept(sourceURL string, pageNo int, candidates []*models.Product) ([]*models.Product, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pageNo > a.maxPageSeen {
		a.maxPageSeen = pageNo
	}

	var batch []*models.Product
	for _, candidate := range candidates {
		if a.saved >= a.maxItems {
			break
		}
		if candidate == nil {
			continue
		}
		key := DedupKey(candidate)
		if key != "" {
			if a.seen.Contains(key) {
				a.duplicates++
				continue
			}
			a.seen.Add(key, struct{}{})
		}

		record := *candidate
		record.SourceURL = sourceURL
		record.ScrapedAt = a.now().UTC()
		batch = append(batch, &record)
		a.saved++
	}

	return batch, a.shouldContinueLocked(pageNo)
}

// ShouldContinue reports whether a page after pageNo may still be crawled.
func (a *Accumulator) ShouldContinue(pageNo int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shouldContinueLocked(pageNo)
}

func (a *Accumulator) shouldContinueLocked(pageNo int) bool {
	return a.saved < a.maxItems && pageNo < a.maxPages
}

// Saved returns the number of admitted records.
func (a *Accumulator) Saved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saved
}

// Duplicates returns the number of records dropped as already seen.
func (a *Accumulator) Duplicates() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.duplicates
}

// MaxPageSeen returns the highest page number passed to Accept.
func (a *Accumulator) MaxPageSeen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxPageSeen
}

// Limits returns the item and page ceilings.
func (a *Accumulator) Limits() (maxItems, maxPages int) {
	return a.maxItems, a.maxPages
}
