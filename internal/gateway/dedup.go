package gateway

import (
	"sync"
	"time"
)

// dedupWindow is how long a correlation id stays in memory. Older replays
// are still caught by the events table's unique index.
const dedupWindow = time.Hour

type correlationSet struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newCorrelationSet() *correlationSet {
	return &correlationSet{seen: make(map[string]time.Time)}
}

// add records id and reports whether it was new.
func (s *correlationSet) add(id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = at
	return true
}

func (s *correlationSet) prune(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, at := range s.seen {
		if at.Before(before) {
			delete(s.seen, id)
			n++
		}
	}
	return n
}

func (s *correlationSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
