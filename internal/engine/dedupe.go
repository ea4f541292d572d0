package engine

import (
	"sync"
	"time"

	"presenceguard/internal/model"
)

type dedupeEntry struct {
	at    time.Time
	score model.VerificationScore
}

// DedupeCache remembers recent verification results so a retried request
// returns the original decision.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]dedupeEntry
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]dedupeEntry)}
}

func (d *DedupeCache) Lookup(key string, now time.Time, ttl time.Duration) (model.VerificationScore, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.items[key]; ok && now.Sub(e.at) <= ttl {
		return e.score, true
	}
	return model.VerificationScore{}, false
}

func (d *DedupeCache) Remember(key string, score model.VerificationScore, now time.Time, ttl time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[key] = dedupeEntry{at: now, score: score}
	if len(d.items) > 10000 {
		d.compact(now, ttl)
	}
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, e := range d.items {
		if now.Sub(e.at) > ttl {
			delete(d.items, k)
		}
	}
}
