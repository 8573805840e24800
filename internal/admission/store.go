package admission

import (
	"context"
	"sync"
	"time"
)

// CounterStore holds per-key fixed-window counters. Incr is a single atomic
// read-modify-write: an absent or expired key is reset to a fresh window
// before counting, and the post-increment count is returned.
//
// Counter state is scoped to the store instance. The in-memory store is
// process-local, so a multi-process deployment needs sticky routing per
// user or the Redis-backed store; that is a documented scaling boundary,
// not a correctness bug.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
	// Decr undoes one increment within the current window. Used when the
	// rejected-attempt charging policy is disabled.
	Decr(ctx context.Context, key string) error
}

type memoryWindow struct {
	count   int
	resetAt time.Time
}

// InMemoryCounterStore implements fixed windows with a mutex-guarded map.
// Suitable for single-instance deployments.
type InMemoryCounterStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

func NewInMemoryCounterStore() *InMemoryCounterStore {
	return &InMemoryCounterStore{
		windows: make(map[string]*memoryWindow),
	}
}

func (s *InMemoryCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		s.windows[key] = w
	}

	w.count++
	return w.count, w.resetAt, nil
}

func (s *InMemoryCounterStore) Decr(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.windows[key]; ok && w.count > 0 {
		w.count--
	}
	return nil
}
