package services

import (
	"context"
	"sync"

	"chatrelay/internal/models"
)

// MemorySessionStore keeps session metadata in process memory
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]models.SessionItem // userID -> sessionID -> item
}

// NewMemorySessionStore creates an empty in-memory session store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]map[string]models.SessionItem)}
}

func (s *MemorySessionStore) Get(_ context.Context, userID, sessionID string) (*models.SessionItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.sessions[userID][sessionID]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *MemorySessionStore) Put(_ context.Context, item models.SessionItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.sessions[item.UserID]
	if !ok {
		byID = make(map[string]models.SessionItem)
		s.sessions[item.UserID] = byID
	}
	byID[item.ID] = item
	return nil
}

func (s *MemorySessionStore) ListByUser(_ context.Context, userID string) ([]models.SessionItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SessionItem, 0, len(s.sessions[userID]))
	for _, item := range s.sessions[userID] {
		out = append(out, item)
	}
	return out, nil
}
