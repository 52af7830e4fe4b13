package session

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryStore builds an in-memory session store for development and tests.
// Records never expire.
func NewMemoryStore() Store {
	return &memoryStore{sessions: make(map[string]Session)}
}

func (s *memoryStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *memoryStore) Create(_ context.Context, id string, stage Stage) (Session, error) {
	if !stage.Valid() {
		return Session{}, ErrInvalidStage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		return existing, nil
	}
	now := time.Now().UTC()
	sess := Session{ID: id, Stage: stage, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	return sess, nil
}

func (s *memoryStore) Update(_ context.Context, id string, changes Changes) error {
	if !changes.Stage.Valid() {
		return ErrInvalidStage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.sessions[id] = sess.apply(changes, time.Now().UTC())
	return nil
}
