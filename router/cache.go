package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/review"
)

// planCache memoizes routing selections. Stale entries purge on read.
// A non-positive max age disables the cache.
type planCache struct {
	clk    clock.Clock
	maxAge time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	sel selection
	at  time.Time
}

func newPlanCache(clk clock.Clock, maxAge time.Duration) *planCache {
	return &planCache{
		clk:     clk,
		maxAge:  maxAge,
		entries: make(map[string]cacheEntry),
	}
}

func (c *planCache) get(key string) (selection, bool) {
	if c.maxAge <= 0 {
		return selection{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return selection{}, false
	}
	if c.clk.Since(e.at) > c.maxAge {
		delete(c.entries, key)
		return selection{}, false
	}
	return e.sel, true
}

func (c *planCache) put(key string, sel selection) {
	if c.maxAge <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{sel: sel, at: c.clk.Now()}
}

func (c *planCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cacheKey buckets the event and load shape: kind, branch, file-count
// bucket, the registered identity set, and a total queue-depth bucket.
func cacheKey(event *review.ChangeEvent, health map[agent.Identity]agent.Health) string {
	ids := make([]string, 0, len(health))
	depth := 0
	for id, h := range health {
		ids = append(ids, string(id))
		depth += h.QueueDepth
	}
	sort.Strings(ids)
	return fmt.Sprintf("%s|%s|f%d|%s|l%d",
		event.EventKind(),
		event.Branch,
		fileBucket(len(event.Files)),
		strings.Join(ids, ","),
		loadBucket(depth))
}

func fileBucket(n int) int {
	switch {
	case n <= 3:
		return 0
	case n <= 9:
		return 1
	case n <= 24:
		return 2
	default:
		return 3
	}
}

func loadBucket(depth int) int {
	switch {
	case depth == 0:
		return 0
	case depth < 5:
		return 1
	case depth < 20:
		return 2
	default:
		return 3
	}
}
