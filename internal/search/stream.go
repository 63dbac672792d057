package search

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// StreamResult is delivered for the latest query of a stream.
type StreamResult struct {
	Seq     uint64
	Term    string
	Filters Filters
	Page    ResultPage
	Err     error
}

// Stream debounces one logical query source, such as a search box or a
// scanner. Only the latest query after a quiet period runs; earlier ones are
// dropped before touching the store.
type Stream struct {
	index    *Index
	onResult func(StreamResult)
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	seq     uint64
	pending *task
	closed  bool
}

func (i *Index) NewStream(onResult func(StreamResult)) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{index: i, onResult: onResult, ctx: ctx, cancel: cancel}
}

// SearchDebounced schedules term after the quiet period, superseding any
// query that has not started yet.
func (s *Stream) SearchDebounced(term string, f Filters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.pending != nil {
		s.pending.cancel()
	}
	s.seq++
	seq := s.seq
	s.pending = schedule(s.index.QuietPeriod(), func() {
		s.run(seq, term, f)
	})
}

func (s *Stream) run(seq uint64, term string, f Filters) {
	page, err := s.index.Search(s.ctx, term, f, PageRequest{})
	s.mu.Lock()
	latest := seq == s.seq && !s.closed
	s.mu.Unlock()
	if !latest {
		// A newer query was scheduled while this one ran.
		s.index.logger.Debug("discarding superseded search", zap.String("term", term))
		return
	}
	if s.onResult != nil {
		s.onResult(StreamResult{Seq: seq, Term: term, Filters: f, Page: page, Err: err})
	}
}

// Close drops any pending query. A query already running finishes but is
// not delivered.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.pending != nil {
		s.pending.cancel()
	}
	s.cancel()
}
