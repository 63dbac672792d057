package webhook

import (
	"sync"
	"time"
)

type dedupeEntry struct {
	key string
	at  time.Time
}

// dedupeWindow remembers keys for ttl, holding at most maxEntries. Oldest
// keys are dropped first when the window is full.
type dedupeWindow struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	seen       map[string]time.Time
	order      []dedupeEntry
}

func newDedupeWindow(ttl time.Duration, maxEntries int) *dedupeWindow {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &dedupeWindow{
		ttl:        ttl,
		maxEntries: maxEntries,
		seen:       make(map[string]time.Time),
	}
}

// remember records key and reports whether it was already inside the window.
func (w *dedupeWindow) remember(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	if _, ok := w.seen[key]; ok {
		return true
	}
	w.seen[key] = now
	w.order = append(w.order, dedupeEntry{key: key, at: now})
	for len(w.seen) > w.maxEntries {
		w.popLocked()
	}
	return false
}

// forget drops key so a redelivery is accepted again.
func (w *dedupeWindow) forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.seen, key)
}

func (w *dedupeWindow) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *dedupeWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.ttl)
	for len(w.order) > 0 && !w.order[0].at.After(cutoff) {
		w.popLocked()
	}
}

func (w *dedupeWindow) popLocked() {
	if len(w.order) == 0 {
		return
	}
	head := w.order[0]
	w.order[0] = dedupeEntry{}
	w.order = w.order[1:]
	// A forgotten and re-remembered key has a newer timestamp; keep it.
	if at, ok := w.seen[head.key]; ok && at.Equal(head.at) {
		delete(w.seen, head.key)
	}
}
