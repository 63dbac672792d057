package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultQueueCapacity = 1024

var ErrInvalidQueue = errors.New("invalid queue configuration")

// QueuedEvent is the unit stored on an event queue. Attempt counts prior
// processing attempts.
type QueuedEvent struct {
	ID         string    `json:"id"`
	Event      Event     `json:"event"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue buffers accepted events between Handle and the workers.
type Queue interface {
	TryEnqueue(item QueuedEvent) bool
	Dequeue(ctx context.Context) (QueuedEvent, bool)
	Depth() int
	Capacity() int
	Close() error
}

type memoryQueue struct {
	ch chan QueuedEvent
}

func NewMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &memoryQueue{ch: make(chan QueuedEvent, capacity)}
}

func (q *memoryQueue) TryEnqueue(item QueuedEvent) bool {
	if item.ID == "" {
		return false
	}
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

func (q *memoryQueue) Dequeue(ctx context.Context) (QueuedEvent, bool) {
	select {
	case item := <-q.ch:
		return item, true
	case <-ctx.Done():
		return QueuedEvent{}, false
	}
}

func (q *memoryQueue) Depth() int    { return len(q.ch) }
func (q *memoryQueue) Capacity() int { return cap(q.ch) }
func (q *memoryQueue) Close() error  { return nil }

// fileQueue persists the pending events as one JSON snapshot so queued work
// survives a restart.
type fileQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []QueuedEvent
}

type fileQueueState struct {
	Items []QueuedEvent `json:"items"`
}

func NewFileQueue(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidQueue
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileQueue) TryEnqueue(item QueuedEvent) bool {
	if item.ID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileQueue) Dequeue(ctx context.Context) (QueuedEvent, bool) {
	for {
		if item, ok := q.tryDequeue(); ok {
			return item, true
		}
		select {
		case <-ctx.Done():
			return QueuedEvent{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileQueue) tryDequeue() (QueuedEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueuedEvent{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]QueuedEvent{item}, q.items...)
		return QueuedEvent{}, false
	}
	return item, true
}

func (q *fileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileQueue) Capacity() int { return q.capacity }
func (q *fileQueue) Close() error  { return nil }

func (q *fileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]QueuedEvent(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]QueuedEvent(nil), snapshot.Items...)
	return nil
}

func (q *fileQueue) saveLocked() error {
	data, err := json.Marshal(fileQueueState{Items: q.items})
	if err != nil {
		return err
	}
	return writeFileAtomic(q.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
