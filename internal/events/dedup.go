package events

import (
	"sync"
	"time"
)

// seenSet remembers IDs of events this bus published itself so the poller
// does not deliver them a second time. Entries are dropped after ttl.
type seenSet struct {
	mu  sync.Mutex
	ttl time.Duration
	ids map[string]time.Time
}

func newSeenSet(ttl time.Duration) *seenSet {
	return &seenSet{ttl: ttl, ids: make(map[string]time.Time)}
}

func (s *seenSet) add(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.ids {
		if !now.Before(exp) {
			delete(s.ids, k)
		}
	}
	s.ids[id] = now.Add(s.ttl)
}

// take reports whether id was published locally and forgets it.
func (s *seenSet) take(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.ids[id]
	if !ok {
		return false
	}
	delete(s.ids, id)
	return now.Before(exp)
}

func (s *seenSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
