package history

import (
	"container/list"
	"sync"
	"time"
)

type (
	// SummaryCache memoizes generated summaries per session. Writes follow a
	// delta acceptance law so a chatty session does not regenerate summaries
	// on every request; reads never return entries older than MaxAge. The map
	// is bounded and evicts least-recently-used entries.
	SummaryCache struct {
		mu      sync.Mutex
		entries map[string]*list.Element
		order   *list.List // front = most recently used

		minDeltaMessages int
		minDeltaChars    int
		maxAge           time.Duration
		maxEntries       int

		now func() time.Time
	}

	// SummaryEntry is one cached summary with the history snapshot it was
	// generated from.
	SummaryEntry struct {
		Summary      string
		MessageCount int
		TotalChars   int
		CreatedAt    time.Time
	}

	cacheItem struct {
		key   string
		entry SummaryEntry
	}
)

// NewSummaryCache builds a cache from the engine config.
func NewSummaryCache(cfg Config) *SummaryCache {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 128
	}
	return &SummaryCache{
		entries:          make(map[string]*list.Element),
		order:            list.New(),
		minDeltaMessages: cfg.MinDeltaMessages,
		minDeltaChars:    cfg.MinDeltaChars,
		maxAge:           cfg.MaxAge,
		maxEntries:       maxEntries,
		now:              time.Now,
	}
}

// Get returns the entry for key unless it has expired. Expired entries are
// evicted on the spot. A hit refreshes the entry's LRU position.
func (c *SummaryCache) Get(key string) (SummaryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return SummaryEntry{}, false
	}
	item := el.Value.(*cacheItem)
	if c.maxAge > 0 && c.now().Sub(item.entry.CreatedAt) > c.maxAge {
		c.order.Remove(el)
		delete(c.entries, key)
		return SummaryEntry{}, false
	}
	c.order.MoveToFront(el)
	return item.entry, true
}

// Fresh returns a usable cached summary for the current history shape: the
// entry must be unexpired and the conversation must not have grown past the
// delta thresholds since the snapshot was taken.
func (c *SummaryCache) Fresh(key string, messageCount, totalChars int) (SummaryEntry, bool) {
	entry, ok := c.Get(key)
	if !ok {
		return SummaryEntry{}, false
	}
	if messageCount-entry.MessageCount >= c.minDeltaMessages {
		return SummaryEntry{}, false
	}
	if totalChars-entry.TotalChars >= c.minDeltaChars {
		return SummaryEntry{}, false
	}
	return entry, true
}

// Put stores summary for key when the acceptance law fires: no prior entry,
// enough new messages, enough new characters, or a prior entry old enough to
// refresh. It reports whether the write was accepted.
func (c *SummaryCache) Put(key, summary string, messageCount, totalChars int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		prior := el.Value.(*cacheItem).entry
		deltaMsgs := messageCount - prior.MessageCount
		deltaChars := totalChars - prior.TotalChars
		age := c.now().Sub(prior.CreatedAt)
		if deltaMsgs < c.minDeltaMessages && deltaChars < c.minDeltaChars && (c.maxAge <= 0 || age < c.maxAge) {
			return false
		}
		el.Value.(*cacheItem).entry = SummaryEntry{
			Summary:      summary,
			MessageCount: messageCount,
			TotalChars:   totalChars,
			CreatedAt:    c.now(),
		}
		c.order.MoveToFront(el)
		return true
	}

	for len(c.entries) >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheItem).key)
	}
	el := c.order.PushFront(&cacheItem{key: key, entry: SummaryEntry{
		Summary:      summary,
		MessageCount: messageCount,
		TotalChars:   totalChars,
		CreatedAt:    c.now(),
	}})
	c.entries[key] = el
	return true
}

// Invalidate removes the entry for key.
func (c *SummaryCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Len returns the live entry count after dropping expired entries.
func (c *SummaryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxAge > 0 {
		now := c.now()
		for el := c.order.Back(); el != nil; {
			prev := el.Prev()
			item := el.Value.(*cacheItem)
			if now.Sub(item.entry.CreatedAt) > c.maxAge {
				c.order.Remove(el)
				delete(c.entries, item.key)
			}
			el = prev
		}
	}
	return len(c.entries)
}
