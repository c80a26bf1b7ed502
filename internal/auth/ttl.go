package auth

import (
	"sync"
	"time"
)

var timeNow = time.Now

// TTL is a minimal in-process TTL cache holding at most limit entries. Expiration is lazy on Get;
// a Set on a full cache first drops expired entries, then the one closest to expiry.
type TTL[K comparable, V any] struct {
	mu    sync.RWMutex
	limit int
	data  map[K]ttlEntry[V]
}

type ttlEntry[V any] struct {
	val V
	exp time.Time
}

func NewTTL[K comparable, V any](limit int) *TTL[K, V] {
	return &TTL[K, V]{limit: limit, data: make(map[K]ttlEntry[V])}
}

// Get returns the value and true if found and not expired; otherwise zero value and false.
func (t *TTL[K, V]) Get(k K) (V, bool) {
	t.mu.RLock()
	e, ok := t.data[k]
	t.mu.RUnlock()
	if !ok || timeNow().After(e.exp) {
		var zero V
		return zero, false
	}
	return e.val, true
}

func (t *TTL[K, V]) Set(k K, v V, ttl time.Duration) {
	now := timeNow()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.data[k]; !ok && t.limit > 0 && len(t.data) >= t.limit {
		t.purgeLocked(now)
		if len(t.data) >= t.limit {
			t.evictSoonestLocked()
		}
	}
	t.data[k] = ttlEntry[V]{val: v, exp: now.Add(ttl)}
}

func (t *TTL[K, V]) purgeLocked(now time.Time) {
	for k, e := range t.data {
		if now.After(e.exp) {
			delete(t.data, k)
		}
	}
}

func (t *TTL[K, V]) evictSoonestLocked() {
	var victim K
	var soonest time.Time
	first := true
	for k, e := range t.data {
		if first || e.exp.Before(soonest) {
			victim, soonest, first = k, e.exp, false
		}
	}
	if !first {
		delete(t.data, victim)
	}
}

func (t *TTL[K, V]) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}
