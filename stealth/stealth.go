// Package stealth shapes outgoing requests so they resemble ordinary desktop browser traffic.
package stealth

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"
)

// Browser families a profile can impersonate.
const (
	Chrome  = "chrome"
	Firefox = "firefox"
)

type browserRange struct {
	name       string
	minVersion int
	maxVersion int
}

var browsers = []browserRange{
	{name: Chrome, minVersion: 120, maxVersion: 130},
	{name: Firefox, minVersion: 115, maxVersion: 125},
}

var (
	operatingSystems = []string{"windows", "macos"}
	locales          = []string{"en-US", "en"}
)

const acceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

// Profile is one coherent browser identity. Every header it produces agrees with its
// browser, version and platform.
type Profile struct {
	Browser string
	Version int
	OS      string
	Locale  string
}

// UserAgent renders the User-Agent string for the profile.
func (p Profile) UserAgent() string {
	switch {
	case p.Browser == Firefox && p.OS == "macos":
		return fmt.Sprintf("Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:%d.0) Gecko/20100101 Firefox/%d.0", p.Version, p.Version)
	case p.Browser == Firefox:
		return fmt.Sprintf("Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:%d.0) Gecko/20100101 Firefox/%d.0", p.Version, p.Version)
	case p.OS == "macos":
		return fmt.Sprintf("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36", p.Version)
	default:
		return fmt.Sprintf("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36", p.Version)
	}
}

// Headers returns the full navigation header set. Client hints are only sent by Chrome.
func (p Profile) Headers() http.Header {
	h := http.Header{}
	h.Set("User-Agent", p.UserAgent())
	h.Set("Accept", acceptHTML)
	h.Set("Accept-Language", acceptLanguage(p.Locale))
	// colly only decodes gzip bodies itself
	h.Set("Accept-Encoding", "gzip")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")

	if p.Browser == Chrome {
		h.Set("Sec-Ch-Ua", fmt.Sprintf(`"Chromium";v="%d", "Google Chrome";v="%d", "Not?A_Brand";v="99"`, p.Version, p.Version))
		h.Set("Sec-Ch-Ua-Mobile", "?0")
		h.Set("Sec-Ch-Ua-Platform", platformHint(p.OS))
	}
	return h
}

func acceptLanguage(locale string) string {
	if locale == "en-US" {
		return "en-US,en;q=0.9"
	}
	return "en;q=0.9"
}

func platformHint(os string) string {
	if os == "macos" {
		return `"macOS"`
	}
	return `"Windows"`
}

// Shaper generates browser profiles and human-paced delays.
type Shaper struct {
	minDelay time.Duration
	maxDelay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewShaper returns a shaper with delays drawn uniformly from [minDelay, maxDelay].
// An optional seed makes the output reproducible.
func NewShaper(minDelay, maxDelay time.Duration, seed ...uint64) *Shaper {
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	var src rand.Source
	if len(seed) > 0 {
		src = rand.NewPCG(seed[0], seed[0]^0x9e3779b97f4a7c15)
	} else {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}

	return &Shaper{
		minDelay: minDelay,
		maxDelay: maxDelay,
		rng:      rand.New(src),
	}
}

// NewProfile picks a random browser identity.
func (s *Shaper) NewProfile() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := browsers[s.rng.IntN(len(browsers))]
	return Profile{
		Browser: b.name,
		Version: b.minVersion + s.rng.IntN(b.maxVersion-b.minVersion+1),
		OS:      operatingSystems[s.rng.IntN(len(operatingSystems))],
		Locale:  locales[s.rng.IntN(len(locales))],
	}
}

// Headers returns headers for a freshly drawn profile.
func (s *Shaper) Headers() http.Header {
	return s.NewProfile().Headers()
}

// Delay draws the next pre-request pause.
func (s *Shaper) Delay() time.Duration {
	spread := s.maxDelay - s.minDelay
	if spread <= 0 {
		return s.minDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minDelay + time.Duration(s.rng.Int64N(int64(spread)+1))
}

// Wait sleeps for the next delay or until ctx is done.
func (s *Shaper) Wait(ctx context.Context) error {
	d := s.Delay()
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
