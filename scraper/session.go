package scraper

import (
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"github.com/aluiziolira/go-scrape-catalog/stealth"
	"github.com/google/uuid"
)

// Session is one browsing identity: a fixed header profile plus its own cookies.
type Session struct {
	ID      string
	Profile stealth.Profile

	jar        *cookiejar.Jar
	usage      int
	errorScore float64
	retired    bool
}

// Cookies returns the cookies the session would send to u.
func (s *Session) Cookies(u *url.URL) []*http.Cookie {
	return s.jar.Cookies(u)
}

// SetCookies stores cookies received from u.
func (s *Session) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	s.jar.SetCookies(u, cookies)
}

// SessionPool rotates sessions, retiring them after too many uses or errors.
type SessionPool struct {
	size          int
	maxUsage      int
	maxErrorScore float64
	profiles      func() stealth.Profile
	onRetire      func(reason string)

	mu       sync.Mutex
	sessions []*Session
	byID     map[string]*Session
	retired  int
}

// NewSessionPool builds an empty pool. profiles supplies the header profile of each new
// session; onRetire, when set, observes retirements.
func NewSessionPool(size, maxUsage int, maxErrorScore float64, profiles func() stealth.Profile, onRetire func(reason string)) *SessionPool {
	if size <= 0 {
		size = 1
	}
	if maxUsage <= 0 {
		maxUsage = 1
	}
	if maxErrorScore <= 0 {
		maxErrorScore = 1
	}
	return &SessionPool{
		size:          size,
		maxUsage:      maxUsage,
		maxErrorScore: maxErrorScore,
		profiles:      profiles,
		onRetire:      onRetire,
		byID:          make(map[string]*Session),
	}
}

// Acquire hands out a usable session other than exclude, creating one while the pool has
// room. A pool full of spent sessions is refreshed.
func (p *SessionPool) Acquire(exclude string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()

	var s *Session
	if len(p.sessions) < p.size {
		s = p.newSessionLocked()
	} else {
		candidates := make([]*Session, 0, len(p.sessions))
		for _, c := range p.sessions {
			if c.ID != exclude {
				candidates = append(candidates, c)
			}
		}
		if len(candidates) == 0 {
			s = p.newSessionLocked()
		} else {
			s = candidates[rand.IntN(len(candidates))]
		}
	}

	s.usage++
	if s.usage >= p.maxUsage {
		p.retireLocked(s, "usage")
	}
	return s
}

// Get returns a session by ID, including sessions retired while a request was in flight.
func (p *SessionPool) Get(id string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byID[id]
}

// MarkGood lowers the session's error score after a usable page.
func (p *SessionPool) MarkGood(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.byID[id]
	if !ok {
		return
	}
	s.errorScore -= 0.5
	if s.errorScore < 0 {
		s.errorScore = 0
	}
}

// MarkBad raises the session's error score, retiring it at the threshold.
func (p *SessionPool) MarkBad(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.byID[id]
	if !ok {
		return
	}
	s.errorScore++
	if s.errorScore >= p.maxErrorScore {
		p.retireLocked(s, "errors")
	}
}

// Stats returns the number of live and retired sessions.
func (p *SessionPool) Stats() (live, retired int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if !s.retired {
			live++
		}
	}
	return live, p.retired
}

func (p *SessionPool) newSessionLocked() *Session {
	// cookiejar.New only fails on a bad PublicSuffixList, and none is passed.
	jar, _ := cookiejar.New(nil)
	s := &Session{
		ID:  uuid.NewString(),
		jar: jar,
	}
	if p.profiles != nil {
		s.Profile = p.profiles()
	}
	p.sessions = append(p.sessions, s)
	p.byID[s.ID] = s
	return s
}

func (p *SessionPool) retireLocked(s *Session, reason string) {
	if s.retired {
		return
	}
	s.retired = true
	p.retired++
	if p.onRetire != nil {
		p.onRetire(reason)
	}
}

// pruneLocked drops retired sessions from rotation. They stay reachable through byID until
// their in-flight responses have been handled.
func (p *SessionPool) pruneLocked() {
	live := p.sessions[:0]
	for _, s := range p.sessions {
		if !s.retired {
			live = append(live, s)
		}
	}
	for i := len(live); i < len(p.sessions); i++ {
		p.sessions[i] = nil
	}
	p.sessions = live

	// bound the lookup table on long runs
	if len(p.byID) > 4*p.size {
		for id, s := range p.byID {
			if s.retired {
				delete(p.byID, id)
			}
		}
	}
}
