// Package cache holds the read-through tower-bonus cache shared by every
// session on the host.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/bastion-project/bastion/internal/match"
)

const (
	keySep       = "\x00"
	retryBackoff = 5 * time.Second
)

// Fetcher loads a bonus from the owning service.
type Fetcher interface {
	FetchBonus(ctx context.Context, userID, towerType string) (match.Bonus, error)
}

// BonusCache is keyed by (user id, tower type). Lookup never blocks: a
// miss schedules a background fetch and reports no bonus until it lands.
type BonusCache struct {
	entries *expirable.LRU[string, match.Bonus]
	fetcher Fetcher
	timeout time.Duration
	group   singleflight.Group

	mu         sync.Mutex
	inflight   map[string]struct{}
	retryAfter map[string]time.Time
	generation map[string]uint64

	failures rate.Sometimes

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBonusCache creates a cache of at most size entries living for ttl.
func NewBonusCache(fetcher Fetcher, size int, ttl, timeout time.Duration) *BonusCache {
	if size <= 0 {
		size = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BonusCache{
		entries:    expirable.NewLRU[string, match.Bonus](size, nil, ttl),
		fetcher:    fetcher,
		timeout:    timeout,
		inflight:   make(map[string]struct{}),
		retryAfter: make(map[string]time.Time),
		generation: make(map[string]uint64),
		failures:   rate.Sometimes{Interval: 30 * time.Second},
		ctx:        ctx,
		cancel:     cancel,
	}
}

func cacheKey(userID, towerType string) string {
	return userID + keySep + towerType
}

// Lookup implements match.BonusSource.
func (c *BonusCache) Lookup(userID, towerType string) match.Bonus {
	if c == nil || userID == "" {
		return match.Bonus{}
	}
	key := cacheKey(userID, towerType)
	if b, ok := c.entries.Get(key); ok {
		return b
	}
	c.schedule(userID, towerType)
	return match.Bonus{}
}

// Get returns the bonus, fetching it synchronously on a miss.
func (c *BonusCache) Get(ctx context.Context, userID, towerType string) (match.Bonus, error) {
	key := cacheKey(userID, towerType)
	if b, ok := c.entries.Get(key); ok {
		return b, nil
	}
	return c.fetch(ctx, userID, towerType)
}

// Prefetch warms the cache for every tower type of a user.
func (c *BonusCache) Prefetch(userID string, towerTypes []string) {
	if c == nil {
		return
	}
	for _, t := range towerTypes {
		if _, ok := c.entries.Peek(cacheKey(userID, t)); !ok {
			c.schedule(userID, t)
		}
	}
}

// InvalidateUser drops every cached bonus of userID and returns how many
// entries were removed. Fetches already in flight for the user are not
// stored when they complete.
func (c *BonusCache) InvalidateUser(userID string) int {
	c.mu.Lock()
	c.generation[userID]++
	prefix := userID + keySep
	for k := range c.retryAfter {
		if strings.HasPrefix(k, prefix) {
			delete(c.retryAfter, k)
		}
	}
	c.mu.Unlock()

	removed := 0
	for _, k := range c.entries.Keys() {
		if strings.HasPrefix(k, prefix) && c.entries.Remove(k) {
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries.
func (c *BonusCache) Len() int {
	return c.entries.Len()
}

// Close cancels outstanding fetches and waits for them.
func (c *BonusCache) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *BonusCache) schedule(userID, towerType string) {
	key := cacheKey(userID, towerType)

	c.mu.Lock()
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return
	}
	if until, ok := c.retryAfter[key]; ok && time.Now().Before(until) {
		c.mu.Unlock()
		return
	}
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.inflight[key] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		}()
		c.fetch(c.ctx, userID, towerType)
	}()
}

func (c *BonusCache) fetch(ctx context.Context, userID, towerType string) (match.Bonus, error) {
	key := cacheKey(userID, towerType)

	c.mu.Lock()
	gen := c.generation[userID]
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.fetcher.FetchBonus(fctx, userID, towerType)
	})
	if err != nil {
		c.mu.Lock()
		c.retryAfter[key] = time.Now().Add(retryBackoff)
		c.mu.Unlock()
		c.failures.Do(func() {
			log.Warn().Err(err).Str("user_id", userID).Str("tower_type", towerType).
				Msg("tower bonus fetch failed, applying no bonus")
		})
		return match.Bonus{}, err
	}

	bonus := v.(match.Bonus)
	c.mu.Lock()
	delete(c.retryAfter, key)
	stale := c.generation[userID] != gen
	c.mu.Unlock()
	if !stale {
		c.entries.Add(key, bonus)
	}
	return bonus, nil
}
