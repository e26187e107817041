package proxy

import (
	"context"
	"errors"
	"time"

	apperr "indiworker/pkg/errors"
)

const weightedPasses = 3

// Candidates is a restartable cursor over proxy candidates in priority
// order: three weighted-random passes over the live set (weight = score,
// skipping recently blocked proxies), then the lowest-scored proxies as a
// last resort, then freshly discovered proxies. When the cursor is
// exhausted the caller must treat the fetch as pool-exhausted.
type Candidates struct {
	pool *Pool
	ctx  context.Context

	phase     int
	pass      int
	remaining []candidate
	queue     []Proxy
	srcIdx    int
}

type candidate struct {
	proxy       Proxy
	score       float64
	lastBlocked *time.Time
}

const (
	phaseWeighted = iota
	phaseLastResort
	phaseDiscovery
	phaseDone
)

// Candidates starts a new candidate sequence.
func (p *Pool) Candidates(ctx context.Context) *Candidates {
	return &Candidates{pool: p, ctx: ctx}
}

// Next yields the next candidate, or false when the sequence is exhausted.
func (c *Candidates) Next() (Proxy, bool) {
	for {
		if c.ctx.Err() != nil {
			return Proxy{}, false
		}

		switch c.phase {
		case phaseWeighted:
			if proxy, ok := c.nextWeighted(); ok {
				return proxy, true
			}
		case phaseLastResort:
			if len(c.queue) == 0 {
				c.phase = phaseDiscovery
				continue
			}
			proxy := c.queue[0]
			c.queue = c.queue[1:]
			return proxy, true
		case phaseDiscovery:
			if proxy, ok := c.nextDiscovered(); ok {
				return proxy, true
			}
		default:
			return Proxy{}, false
		}
	}
}

// nextWeighted draws without replacement from the current pass snapshot.
// Exhausting the third pass moves on to the last-resort phase.
func (c *Candidates) nextWeighted() (Proxy, bool) {
	for {
		if c.remaining == nil {
			if c.pass >= weightedPasses {
				c.phase = phaseLastResort
				c.queue = c.pool.lastResort()
				return Proxy{}, false
			}
			c.pass++
			c.remaining = c.pool.snapshotCandidates()
		}

		idx, ok := c.pool.drawWeighted(c.remaining)
		if !ok {
			// total weight zero, pass over
			c.remaining = nil
			continue
		}

		picked := c.remaining[idx]
		c.remaining = append(c.remaining[:idx], c.remaining[idx+1:]...)

		if c.pool.isBlocked(picked.lastBlocked) {
			continue
		}

		return picked.proxy, true
	}
}

// nextDiscovered drains queued discoveries, pulling a fresh batch from each
// source in turn. Rate and daily limits end discovery for this sequence.
func (c *Candidates) nextDiscovered() (Proxy, bool) {
	for {
		if len(c.queue) > 0 {
			proxy := c.queue[0]
			c.queue = c.queue[1:]
			return proxy, true
		}

		if c.srcIdx >= len(c.pool.sources) {
			c.phase = phaseDone
			return Proxy{}, false
		}

		source := c.pool.sources[c.srcIdx]
		c.srcIdx++

		fresh, err := c.pool.discover(c.ctx, source)
		if err != nil {
			if errors.Is(err, apperr.ErrDiscoveryRateLimit) || errors.Is(err, apperr.ErrDiscoveryDailyLimit) {
				c.pool.log.Info().Str("source", source.Name()).Err(err).Msg("Proxy discovery limited, stopping for this cycle")
				c.phase = phaseDone
				return Proxy{}, false
			}
			c.pool.log.Warn().Str("source", source.Name()).Err(err).Msg("Proxy discovery failed")
			continue
		}

		c.queue = fresh
	}
}

// snapshotCandidates copies the live set for one draw-without-replacement
// pass.
func (p *Pool) snapshotCandidates() []candidate {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]candidate, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, candidate{
			proxy:       e.proxy,
			score:       e.score,
			lastBlocked: copyTime(e.lastBlocked),
		})
	}
	return out
}

// drawWeighted picks an index with probability proportional to score.
// Returns false when the total weight is zero.
func (p *Pool) drawWeighted(candidates []candidate) (int, bool) {
	var total float64
	for _, c := range candidates {
		total += c.score
	}
	if total <= 0 {
		return 0, false
	}

	p.mu.Lock()
	r := p.rng.Float64() * total
	p.mu.Unlock()

	for i, c := range candidates {
		r -= c.score
		if r < 0 {
			return i, true
		}
	}
	return len(candidates) - 1, true
}

// lastResort returns the proxies whose score has decayed to zero: never
// seen working, but still worth one attempt before discovery. The
// smoothing formula reaches exactly zero only for proxies that broke on
// their first try and never recovered.
func (p *Pool) lastResort() []Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	const eps = 1e-9
	out := make([]Proxy, 0)
	for _, e := range p.entries {
		if e.score <= eps {
			out = append(out, e.proxy)
		}
	}
	return out
}

func (p *Pool) isBlocked(lastBlocked *time.Time) bool {
	if lastBlocked == nil {
		return false
	}

	p.mu.Lock()
	cooldown := p.blockCooldown
	now := p.now()
	p.mu.Unlock()

	return now.Sub(*lastBlocked) < cooldown
}

// discover fetches one batch from a source, adds the unknown proxies and
// persists the grown pool. Only genuinely new proxies are returned.
func (p *Pool) discover(ctx context.Context, source Source) ([]Proxy, error) {
	batch, err := source.FetchBatch(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	fresh := make([]Proxy, 0, len(batch))
	for _, proxy := range batch {
		if p.addLocked(proxy) {
			fresh = append(fresh, proxy)
		}
	}
	var storeErr error
	if len(fresh) > 0 {
		storeErr = p.storeLocked()
	}
	p.mu.Unlock()

	if storeErr != nil {
		p.log.Warn().Err(storeErr).Msg("Failed to persist pool after discovery")
	}

	p.log.Info().
		Str("source", source.Name()).
		Int("fetched", len(batch)).
		Int("new", len(fresh)).
		Msg("Proxy discovery batch processed")

	return fresh, nil
}
