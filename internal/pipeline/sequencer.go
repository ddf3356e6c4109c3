package pipeline

import (
	"context"
	"sync"
)

// Sequencer orders ledger application per instrument by ingest sequence.
//
// Every sequence from the start position must be resolved exactly once, with
// the instrument it will touch or "" if it touches none. Wait(seq, key) blocks
// until every lower sequence is resolved and every lower sequence on the same
// key is done. Signals on different instruments never wait for each other's
// simulations, only for each other's mapping.
type Sequencer struct {
	mu       sync.Mutex
	next     int64            // lowest sequence not yet resolved contiguously
	resolved map[int64]string // resolved at or above next
	pending  map[int64]string // resolved with a key, not yet done
	changed  chan struct{}
}

// NewSequencer creates a Sequencer expecting start as the first sequence.
func NewSequencer(start int64) *Sequencer {
	return &Sequencer{
		next:     start,
		resolved: make(map[int64]string),
		pending:  make(map[int64]string),
		changed:  make(chan struct{}),
	}
}

// Resolve records the instrument key of seq. Sequences below the start
// position are ignored.
func (s *Sequencer) Resolve(seq int64, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq < s.next {
		return
	}
	s.resolved[seq] = key
	if key != "" {
		s.pending[seq] = key
	}
	for {
		if _, ok := s.resolved[s.next]; !ok {
			break
		}
		delete(s.resolved, s.next)
		s.next++
	}
	s.broadcast()
}

// Wait blocks until seq may apply to key, or ctx is done.
func (s *Sequencer) Wait(ctx context.Context, seq int64, key string) error {
	for {
		s.mu.Lock()
		ready := s.readyLocked(seq, key)
		ch := s.changed
		s.mu.Unlock()

		if ready {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done releases seq so later sequences on its key may apply.
func (s *Sequencer) Done(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[seq]; !ok {
		return
	}
	delete(s.pending, seq)
	s.broadcast()
}

// Pending returns the number of resolved sequences not yet done.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Sequencer) readyLocked(seq int64, key string) bool {
	if s.next < seq {
		return false
	}
	for other, k := range s.pending {
		if other < seq && k == key {
			return false
		}
	}
	return true
}

func (s *Sequencer) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}
