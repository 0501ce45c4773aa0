package store

import (
	"context"
	"sync"

	"ctrlplane/internal/domain"
)

// Memory is a process-lifetime Store for tests and single-node deployments
// that can tolerate losing idempotency state on restart.
type Memory struct {
	mu     sync.RWMutex
	events map[string]domain.Event
}

func NewMemory() *Memory {
	return &Memory{events: make(map[string]domain.Event)}
}

func (s *Memory) Get(_ context.Context, key string) (domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[key]
	if !ok {
		return domain.Event{}, ErrNotFound
	}
	return event, nil
}

func (s *Memory) Put(_ context.Context, key string, event domain.Event) (domain.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[key]; ok {
		return existing, false, nil
	}
	s.events[key] = event
	return event, true, nil
}
