package gossipsub

import (
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
)

// backoffTable is the per-(peer, topic) deadline map of §3: a peer under
// backoff for a topic must not be re-GRAFTed into that topic's mesh until
// the deadline passes. Missing entries are treated as "no backoff" (§7),
// so a plain nested map with no synthetic zero-value sentinel is enough.
type backoffTable struct {
	byTopic map[string]map[peer.ID]time.Time
}

func newBackoffTable() *backoffTable {
	return &backoffTable{byTopic: make(map[string]map[peer.ID]time.Time)}
}

// add records a backoff of at least `interval` from now for (p, t). If a
// longer backoff is already in force it is kept, never shortened by a
// later, smaller request.
func (b *backoffTable) add(p peer.ID, t string, interval time.Duration) {
	m, ok := b.byTopic[t]
	if !ok {
		m = make(map[peer.ID]time.Time)
		b.byTopic[t] = m
	}
	expire := timeNow().Add(interval)
	if m[p].Before(expire) {
		m[p] = expire
	}
}

// active reports whether p is currently under backoff for t.
func (b *backoffTable) active(p peer.ID, t string, now time.Time) bool {
	m, ok := b.byTopic[t]
	if !ok {
		return false
	}
	expire, ok := m[p]
	return ok && now.Before(expire)
}

func (b *backoffTable) deadline(p peer.ID, t string) (time.Time, bool) {
	m, ok := b.byTopic[t]
	if !ok {
		return time.Time{}, false
	}
	expire, ok := m[p]
	return expire, ok
}

// gc drops every entry whose deadline has already passed, amortizing the
// cost by running only periodically from the heartbeat, not on every tick.
func (b *backoffTable) gc(now time.Time) {
	for t, m := range b.byTopic {
		for p, expire := range m {
			if expire.Before(now) {
				delete(m, p)
			}
		}
		if len(m) == 0 {
			delete(b.byTopic, t)
		}
	}
}

func (b *backoffTable) remove(p peer.ID, t string) {
	if m, ok := b.byTopic[t]; ok {
		delete(m, p)
	}
}
