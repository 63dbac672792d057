package events

import (
	"context"
	"sync"
	"time"

	"github.com/joylabs/catalogd/internal/catalog"
)

const defaultBuffer = 16

// Hub fans typed events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   map[chan T]struct{}
	buffer int
}

func NewHub[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub[T]{subs: make(map[chan T]struct{}), buffer: buffer}
}

func (h *Hub[T]) Publish(event T) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel that is closed once ctx is done.
func (h *Hub[T]) Subscribe(ctx context.Context) <-chan T {
	if h == nil {
		ch := make(chan T)
		close(ch)
		return ch
	}
	ch := make(chan T, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

func (h *Hub[T]) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

type CatalogUpdated struct {
	ObjectIDs []string
	Types     []catalog.ObjectType
	Source    string
	At        time.Time
}

type ImageUpdated struct {
	ImageID   string
	SizeBytes int64
	At        time.Time
}

// Bus groups the hubs shared by the sync, webhook, search and image layers.
type Bus struct {
	Catalog *Hub[CatalogUpdated]
	Images  *Hub[ImageUpdated]
}

func NewBus() *Bus {
	return &Bus{
		Catalog: NewHub[CatalogUpdated](0),
		Images:  NewHub[ImageUpdated](0),
	}
}
