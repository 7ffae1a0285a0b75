// Package keypool manages upstream API credentials with rolling hourly and
// daily usage windows and temporary penalties for provider-rejected keys.
package keypool

import (
	"errors"
	"sync"
	"time"

	"raingate/internal/logger"
)

const (
	hourlyWindow = time.Hour
	dailyWindow  = 24 * time.Hour
)

// ErrExhausted is returned by Acquire when every credential is over one of
// its limits or serving a penalty.
var ErrExhausted = errors.New("keypool: no credential available")

// Credential identifies one upstream API key. Counter fields are owned by
// the pool; the copies handed out by Acquire carry only the identity.
type Credential struct {
	ID       string
	Key      string
	Provider string

	hourlyCount   int
	dailyCount    int
	hourlyResetAt time.Time
	dailyResetAt  time.Time
	penaltyUntil  time.Time
}

// Usage is a read-only view of a credential's counters for diagnostics.
type Usage struct {
	ID              string `json:"id"`
	Provider        string `json:"provider"`
	Daily           int    `json:"daily"`
	Hourly          int    `json:"hourly"`
	DailyRemaining  int    `json:"dailyRemaining"`
	HourlyRemaining int    `json:"hourlyRemaining"`
}

// Pool selects credentials in registration order and tracks consumption.
// All operations share one mutex so the roll-over/check/increment sequence
// can never interleave across concurrent requests.
type Pool struct {
	mu          sync.Mutex
	creds       []*Credential
	hourlyLimit int
	dailyLimit  int
	now         func() time.Time
}

// New creates an empty pool with the given per-credential limits.
func New(hourlyLimit, dailyLimit int) *Pool {
	return &Pool{
		hourlyLimit: hourlyLimit,
		dailyLimit:  dailyLimit,
		now:         time.Now,
	}
}

// Register adds a credential. Registration order is priority order:
// Acquire always returns the first usable credential.
func (p *Pool) Register(id, key, provider string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.creds = append(p.creds, &Credential{
		ID:            id,
		Key:           key,
		Provider:      provider,
		hourlyResetAt: now,
		dailyResetAt:  now,
	})
}

// Len returns the number of registered credentials.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Acquire returns the first credential with quota left in both windows and
// charges one call against it. Selection and increment share the critical
// section, so two concurrent requests can never both take a credential with
// a single unit left. The charge stands whether or not the subsequent call
// succeeds; a failed attempt still consumed provider quota. Counters on
// every credential are rolled over first so a stale window never blocks a
// key that should have been reset.
func (p *Pool) Acquire() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, c := range p.creds {
		p.rollover(c, now)
	}

	for _, c := range p.creds {
		if now.Before(c.penaltyUntil) {
			continue
		}
		if c.hourlyCount >= p.hourlyLimit || c.dailyCount >= p.dailyLimit {
			continue
		}
		c.hourlyCount++
		c.dailyCount++
		logger.Debug("Credential %s acquired (hourly %d/%d, daily %d/%d)",
			c.ID, c.hourlyCount, p.hourlyLimit, c.dailyCount, p.dailyLimit)
		return *c, nil
	}

	return Credential{}, ErrExhausted
}

// Penalize benches a credential until the given duration elapses. Used when
// the provider itself rejected the key (auth, forbidden, or provider-side
// rate limit); transient network failures never penalize.
func (p *Pool) Penalize(id string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, c := range p.creds {
		if c.ID == id {
			c.penaltyUntil = now.Add(d)
			logger.Warn("Credential %s penalized until %s", c.ID, c.penaltyUntil.Format(time.RFC3339))
			return
		}
	}
}

// RetryAfter reports how long until at least one credential becomes usable
// again. Returns zero when one is usable right now or none are registered.
func (p *Pool) RetryAfter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var soonest time.Duration = -1

	for _, c := range p.creds {
		p.rollover(c, now)

		var wait time.Duration
		switch {
		case now.Before(c.penaltyUntil):
			wait = c.penaltyUntil.Sub(now)
		case c.hourlyCount >= p.hourlyLimit:
			wait = c.hourlyResetAt.Add(hourlyWindow).Sub(now)
		case c.dailyCount >= p.dailyLimit:
			wait = c.dailyResetAt.Add(dailyWindow).Sub(now)
		default:
			return 0
		}

		if soonest < 0 || wait < soonest {
			soonest = wait
		}
	}

	if soonest < 0 {
		return 0
	}
	return soonest
}

// Snapshot returns per-credential usage for the stats endpoint. Secrets are
// not included.
func (p *Pool) Snapshot() []Usage {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]Usage, 0, len(p.creds))
	for _, c := range p.creds {
		p.rollover(c, now)
		out = append(out, Usage{
			ID:              c.ID,
			Provider:        c.Provider,
			Daily:           c.dailyCount,
			Hourly:          c.hourlyCount,
			DailyRemaining:  max(0, p.dailyLimit-c.dailyCount),
			HourlyRemaining: max(0, p.hourlyLimit-c.hourlyCount),
		})
	}
	return out
}

// TotalDailyQuota is the combined daily limit across all credentials.
func (p *Pool) TotalDailyQuota() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds) * p.dailyLimit
}

// rollover lazily resets a credential's counters once its windows elapse.
// Caller must hold the mutex.
func (p *Pool) rollover(c *Credential, now time.Time) {
	if now.Sub(c.dailyResetAt) >= dailyWindow {
		c.dailyCount = 0
		c.dailyResetAt = now
	}
	if now.Sub(c.hourlyResetAt) >= hourlyWindow {
		c.hourlyCount = 0
		c.hourlyResetAt = now
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
