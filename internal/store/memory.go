package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/investotype/sim-engine/internal/metrics"
	"github.com/investotype/sim-engine/internal/model"
)

// MemorySessionStore implements SessionStore with an in-memory map.
// Sessions do not survive a restart.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	now      func() time.Time
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*model.Session),
		now:      time.Now,
	}
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	sess.TouchedAt = s.now()
	return sess.Clone(), nil
}

func (s *MemorySessionStore) Put(_ context.Context, sess *model.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("%w: session id is required", model.ErrInvalidRequest)
	}
	c := sess.Clone()
	c.TouchedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[c.ID] = c
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	return nil
}

func (s *MemorySessionStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	return nil
}

func (s *MemorySessionStore) EvictIdle(_ context.Context, cutoff time.Time, inUse func(id string) bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, sess := range s.sessions {
		if !sess.TouchedAt.Before(cutoff) || (inUse != nil && inUse(id)) {
			continue
		}
		delete(s.sessions, id)
		evicted = append(evicted, id)
	}
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	return evicted, nil
}

func (s *MemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
