package reconciler

import (
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// QueryKey names one cached read: "list/<id>", "list/<id>/items" or "item/<id>".
type QueryKey string

func ListKey(listID string) QueryKey      { return QueryKey("list/" + listID) }
func ListItemsKey(listID string) QueryKey { return QueryKey("list/" + listID + "/items") }
func ItemKey(itemID string) QueryKey      { return QueryKey("item/" + itemID) }

// ListID returns the list a list or list-items key refers to.
func (k QueryKey) ListID() (string, bool) {
	rest, ok := strings.CutPrefix(string(k), "list/")
	if !ok || rest == "" {
		return "", false
	}
	id, _, _ := strings.Cut(rest, "/")
	return id, true
}

type cacheEntry struct {
	value    any
	stale    bool
	loadedAt time.Time
}

// queryCache holds loaded values with a stale mark. A stale entry is kept
// so callers can render it while a reload is in flight.
type queryCache struct {
	mu      sync.RWMutex
	entries map[QueryKey]*cacheEntry
	// generation increments whenever an event touches a key, cached or not,
	// so a load that started before the event cannot land fresh.
	generation map[QueryKey]uint64
	clock      clockwork.Clock
	maxAge     time.Duration
}

func newQueryCache(clock clockwork.Clock, maxAge time.Duration) *queryCache {
	return &queryCache{
		entries:    make(map[QueryKey]*cacheEntry),
		generation: make(map[QueryKey]uint64),
		clock:      clock,
		maxAge:     maxAge,
	}
}

// get returns the value and whether it may be served without a reload.
func (c *queryCache) get(key QueryKey) (any, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}
	fresh := !e.stale && (c.maxAge <= 0 || c.clock.Since(e.loadedAt) <= c.maxAge)
	return e.value, fresh, true
}

func (c *queryCache) gen(key QueryKey) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation[key]
}

// store saves a loaded value and reports whether it landed stale, which
// happens when an event touched key after the load began.
func (c *queryCache) store(key QueryKey, value any, startedAt uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	stale := c.generation[key] != startedAt
	c.entries[key] = &cacheEntry{
		value:    value,
		stale:    stale,
		loadedAt: c.clock.Now(),
	}
	return stale
}

// update replaces the value of an existing entry through fn. It reports
// whether fn changed anything; missing entries are left alone, but the key's
// generation moves either way so an in-flight load of it lands stale.
func (c *queryCache) update(key QueryKey, fn func(any) (any, bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation[key]++
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	next, changed := fn(e.value)
	if changed {
		e.value = next
	}
	return changed
}

func (c *queryCache) invalidate(key QueryKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation[key]++
	if e, ok := c.entries[key]; ok {
		e.stale = true
	}
}

func (c *queryCache) evict(key QueryKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation[key]++
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

func (c *queryCache) isStale(key QueryKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return ok && e.stale
}

func (c *queryCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
