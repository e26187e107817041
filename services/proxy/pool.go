package proxy

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"indiworker/logger"
)

// Auth is an optional credential attached to a proxy.
type Auth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Proxy identifies one relay by host and port.
type Proxy struct {
	Host string
	Port int
	Auth *Auth
}

// Addr returns the pool key for the proxy.
func (p Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// URL returns the http proxy URL including credentials when present.
func (p Proxy) URL() string {
	if p.Auth != nil {
		return fmt.Sprintf("http://%s:%s@%s:%d", p.Auth.Username, p.Auth.Password, p.Host, p.Port)
	}
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// entry is the pool's mutable per-proxy record.
type entry struct {
	proxy Proxy

	score       float64
	tries       int
	lastWorked  *time.Time
	lastBlocked *time.Time
	lastBroken  *time.Time
}

// Pool owns the set of known proxies, their scores and persistence, and
// produces prioritized candidate sequences on demand.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry

	file          string
	sources       []Source
	blockCooldown time.Duration
	persistEvery  int
	triesCap      int
	marks         int

	rng *rand.Rand
	now func() time.Time
	log *logger.Logger
}

// NewPool creates an empty pool persisting to file. Sources are consulted,
// in order, when candidate iteration runs dry.
func NewPool(file string, sources ...Source) *Pool {
	return &Pool{
		entries:       make(map[string]*entry),
		file:          file,
		sources:       sources,
		blockCooldown: 60 * time.Second,
		persistEvery:  50,
		triesCap:      200,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		now:           time.Now,
		log:           logger.ForComponent("proxy_pool"),
	}
}

// SetBlockCooldown overrides how long a blocked proxy is excluded from
// candidate selection.
func (p *Pool) SetBlockCooldown(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blockCooldown = d
}

// SetPersistEvery overrides the persistence debounce interval.
func (p *Pool) SetPersistEvery(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persistEvery = n
}

// Add inserts a proxy with a neutral score and zero tries. Duplicates are
// rejected so a rediscovered proxy keeps its history.
func (p *Pool) Add(proxy Proxy) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(proxy)
}

func (p *Pool) addLocked(proxy Proxy) bool {
	addr := proxy.Addr()
	if _, exists := p.entries[addr]; exists {
		return false
	}

	p.entries[addr] = &entry{
		proxy: proxy,
		score: 1.0,
	}
	return true
}

// Len returns the number of known proxies.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// MarkWorking records a successful exchange through the proxy and pulls its
// score toward 1 with bounded smoothing.
func (p *Pool) MarkWorking(proxy Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[proxy.Addr()]
	if !ok {
		return
	}

	now := p.now()
	e.lastWorked = &now
	p.smoothLocked(e, 1)
	p.maybePersistLocked()
}

// MarkBroken records a connection-layer failure through the proxy and pulls
// its score toward 0.
func (p *Pool) MarkBroken(proxy Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[proxy.Addr()]
	if !ok {
		return
	}

	now := p.now()
	e.lastBroken = &now
	p.smoothLocked(e, 0)
	p.maybePersistLocked()
}

// MarkBlocked records that the target is currently rate-limiting this proxy.
// Blocking is time-based only: no score or tries change.
func (p *Pool) MarkBlocked(proxy Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[proxy.Addr()]
	if !ok {
		return
	}

	now := p.now()
	e.lastBlocked = &now
	p.maybePersistLocked()
}

// smoothLocked applies the bounded smoothed average:
// score = (score*min(tries,cap) + outcome) / (min(tries,cap) + 1).
func (p *Pool) smoothLocked(e *entry, outcome float64) {
	effective := e.tries
	if effective > p.triesCap {
		effective = p.triesCap
	}
	e.score = (e.score*float64(effective) + outcome) / (float64(effective) + 1)
	e.tries++
}

// maybePersistLocked stores the pool once every persistEvery mark calls.
func (p *Pool) maybePersistLocked() {
	p.marks++
	if p.marks < p.persistEvery {
		return
	}
	p.marks = 0

	if err := p.storeLocked(); err != nil {
		p.log.Warn().Err(err).Msg("Failed to persist proxy pool")
	}
}

// Info is a read-only snapshot of one pool entry.
type Info struct {
	Proxy       Proxy
	Score       float64
	Tries       int
	LastWorked  *time.Time
	LastBlocked *time.Time
	LastBroken  *time.Time
}

// Snapshot returns a copy of all entries, for inspection and tests.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Info, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, Info{
			Proxy:       e.proxy,
			Score:       e.score,
			Tries:       e.tries,
			LastWorked:  copyTime(e.lastWorked),
			LastBlocked: copyTime(e.lastBlocked),
			LastBroken:  copyTime(e.lastBroken),
		})
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
