package gossipsub

import (
	"sync"
	"time"

	timecache "github.com/whyrusleeping/timecache"
)

// TimeCacheDuration is how long a message id is remembered by the dedup
// filter before it ages out.
var TimeCacheDuration = 120 * time.Second

// dedupFilter is the probabilistic "seen" filter of §3, keyed on
// message-id. It wraps github.com/whyrusleeping/timecache rather than a
// hand-rolled bloom filter or LRU.
//
// The mutex exists even though the router itself is single-threaded
// (§5): nothing in this module calls seen/markSeen concurrently, but the
// type is kept safe-by-construction rather than relying on callers never
// getting it wrong.
type dedupFilter struct {
	mu    sync.Mutex
	cache *timecache.TimeCache
}

func newDedupFilter(d time.Duration) *dedupFilter {
	return &dedupFilter{cache: timecache.NewTimeCache(d)}
}

func (d *dedupFilter) seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Has(id)
}

// markSeen marks id as seen and reports whether it was freshly marked
// (false if it was already present).
func (d *dedupFilter) markSeen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache.Has(id) {
		return false
	}
	d.cache.Add(id)
	return true
}
