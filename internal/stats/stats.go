// Package stats keeps the proxy's passive counters: requests served, cache
// hits, and upstream calls. Counters are monotonic for the process lifetime
// except apiCallsToday, which rolls over at local midnight.
package stats

import (
	"context"
	"sync"
	"time"

	"raingate/internal/logger"
)

// Snapshot is a point-in-time view of the counters with derived rates.
type Snapshot struct {
	TotalRequests int64   `json:"totalRequests"`
	CacheHits     int64   `json:"cacheHits"`
	APICalls      int64   `json:"apiCalls"`
	APICallsToday int64   `json:"apiCallsToday"`
	CacheHitRate  float64 `json:"cacheHitRate"`
	SavingsRate   float64 `json:"savingsRate"`
}

// Collector accumulates counters. Increment methods are called by the
// gateway; everything else is derived reporting.
type Collector struct {
	mu            sync.Mutex
	startedAt     time.Time
	requests      int64
	cacheHits     int64
	apiCalls      int64
	apiCallsToday int64
	now           func() time.Time
}

// New creates a collector with the clock started.
func New() *Collector {
	return &Collector{
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// RecordRequest counts one incoming weather request. Every request path
// increments this exactly once.
func (c *Collector) RecordRequest() {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()
}

// RecordCacheHit counts a request answered from the cache.
func (c *Collector) RecordCacheHit() {
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
}

// RecordAPICall counts a successful upstream fetch.
func (c *Collector) RecordAPICall() {
	c.mu.Lock()
	c.apiCalls++
	c.apiCallsToday++
	c.mu.Unlock()
}

// Uptime reports how long the collector (and so the process) has been up.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startedAt)
}

// APICallsToday returns today's upstream call count.
func (c *Collector) APICallsToday() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiCallsToday
}

// Get returns the current counters with derived rates. The savings rate is
// the share of would-be upstream calls absorbed by the cache.
func (c *Collector) Get() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		TotalRequests: c.requests,
		CacheHits:     c.cacheHits,
		APICalls:      c.apiCalls,
		APICallsToday: c.apiCallsToday,
	}
	if c.requests > 0 {
		snap.CacheHitRate = float64(c.cacheHits) / float64(c.requests)
	}
	if c.cacheHits+c.apiCalls > 0 {
		snap.SavingsRate = float64(c.cacheHits) / float64(c.cacheHits+c.apiCalls)
	}
	return snap
}

// StartDailyRollover resets apiCallsToday at each local midnight until the
// context is cancelled. Lifetime counters are never reset.
func (c *Collector) StartDailyRollover(ctx context.Context) {
	go func() {
		for {
			now := c.now()
			next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)

			select {
			case <-ctx.Done():
				return
			case <-time.After(next.Sub(now)):
				c.rolloverDaily()
			}
		}
	}()
}

func (c *Collector) rolloverDaily() {
	c.mu.Lock()
	calls := c.apiCallsToday
	c.apiCallsToday = 0
	c.mu.Unlock()
	logger.Info("Daily stats rollover: %d upstream calls yesterday", calls)
}
