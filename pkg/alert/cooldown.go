package alert

import (
	"sync"
	"time"

	"github.com/clearpoint/camwatch/pkg/objectPredict"
)

// Key identifies one cooldown window.
type Key struct {
	CameraID string
	Category objectPredict.Category
}

// Store remembers when the last alert for a key was delivered.
type Store interface {
	Last(key Key) (time.Time, bool)
	// Update replaces the time for key with fn(previous) in one atomic step.
	// A result earlier than the previous time is ignored.
	Update(key Key, fn func(prev time.Time, ok bool) time.Time) time.Time
}

type MemoryStore struct {
	mu   sync.Mutex
	last map[Key]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: map[Key]time.Time{}}
}

func (s *MemoryStore) Last(key Key) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[key]
	return t, ok
}

func (s *MemoryStore) Update(key Key, fn func(prev time.Time, ok bool) time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.last[key]
	next := fn(prev, ok)
	if ok && next.Before(prev) {
		return prev
	}
	s.last[key] = next
	return next
}

// Len is the number of keys that have ever been sent.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.last)
}
