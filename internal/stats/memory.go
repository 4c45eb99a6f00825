package stats

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps counters for the life of the process.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]Counters
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]Counters)}
}

func (s *MemoryStore) Incr(_ context.Context, endpoint, counter string) error {
	if !validCounter(counter) {
		return fmt.Errorf("unknown counter %q", counter)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters[endpoint]
	c.add(counter, 1)
	s.counters[endpoint] = c
	return nil
}

func (s *MemoryStore) Snapshot(context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Snapshot, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out, nil
}
