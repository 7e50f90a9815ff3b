package metrics

import (
	"sync"
	"time"
)

type syncTimes struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func newSyncTimes() *syncTimes {
	return &syncTimes{m: make(map[string]time.Time)}
}

func (s *syncTimes) start(id string) {
	s.mu.Lock()
	s.m[id] = time.Now()
	s.mu.Unlock()
}

func (s *syncTimes) stop(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[id]
	delete(s.m, id)
	return t, ok
}
