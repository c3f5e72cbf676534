package engine

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is a hash-keyed torrent table owned by one backend instance.
// Keys are normalized to lowercase; access timestamps drive idle reaping.
type Registry[V any] struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry[V]
	now     func() time.Time
}

type registryEntry[V any] struct {
	value      V
	lastAccess time.Time
}

// NewRegistry returns an empty registry using the wall clock.
func NewRegistry[V any]() *Registry[V] {
	return &Registry[V]{
		entries: make(map[string]*registryEntry[V]),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (r *Registry[V]) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Put stores v under hash and marks it accessed now.
func (r *Registry[V]) Put(hash string, v V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[strings.ToLower(hash)] = &registryEntry[V]{value: v, lastAccess: r.now()}
}

// Get looks up hash without refreshing its access time.
func (r *Registry[V]) Get(hash string) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.ToLower(hash)]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Touch refreshes the access time of hash. It reports whether hash exists.
func (r *Registry[V]) Touch(hash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[strings.ToLower(hash)]
	if ok {
		e.lastAccess = r.now()
	}
	return ok
}

// LastAccess returns when hash was last touched.
func (r *Registry[V]) LastAccess(hash string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.ToLower(hash)]
	if !ok {
		return time.Time{}, false
	}
	return e.lastAccess, true
}

// Delete removes hash and returns the value it held.
func (r *Registry[V]) Delete(hash string) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(hash)
	e, ok := r.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(r.entries, key)
	return e.value, true
}

// Idle returns the hashes whose last access is older than threshold.
func (r *Registry[V]) Idle(threshold time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	var idle []string
	for h, e := range r.entries {
		if now.Sub(e.lastAccess) > threshold {
			idle = append(idle, h)
		}
	}
	sort.Strings(idle)
	return idle
}

// Len returns the number of entries.
func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Hashes returns all keys in sorted order.
func (r *Registry[V]) Hashes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hashes := make([]string, 0, len(r.entries))
	for h := range r.entries {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return hashes
}

// Values returns all values ordered by hash.
func (r *Registry[V]) Values() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hashes := make([]string, 0, len(r.entries))
	for h := range r.entries {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	values := make([]V, 0, len(hashes))
	for _, h := range hashes {
		values = append(values, r.entries[h].value)
	}
	return values
}
