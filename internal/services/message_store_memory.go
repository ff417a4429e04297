package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatrelay/internal/models"
)

// MemoryMessageStore keeps messages in process memory, in insertion order
type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages []*models.Message
	byID     map[string]*models.Message
}

// NewMemoryMessageStore creates an empty in-memory message store
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{byID: make(map[string]*models.Message)}
}

func (s *MemoryMessageStore) Insert(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[msg.ID]; exists {
		return ErrDuplicateMessageID
	}
	stored := msg.Clone()
	s.messages = append(s.messages, stored)
	s.byID[stored.ID] = stored
	return nil
}

func (s *MemoryMessageStore) MarkDelivered(_ context.Context, ids []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, id := range ids {
		msg, ok := s.byID[id]
		if !ok || msg.Delivered {
			continue
		}
		stamp := at
		msg.Delivered = true
		msg.DeliveredAt = &stamp
		changed++
	}
	return changed, nil
}

func (s *MemoryMessageStore) FindBySession(_ context.Context, userID, sessionID string) ([]*models.Message, error) {
	return s.filter(func(m *models.Message) bool {
		return m.To == userID && m.SessionID == sessionID
	}), nil
}

func (s *MemoryMessageStore) FindUndelivered(_ context.Context, userID string) ([]*models.Message, error) {
	return s.filter(func(m *models.Message) bool {
		return m.To == userID && !m.Delivered
	}), nil
}

func (s *MemoryMessageStore) filter(keep func(*models.Message) bool) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Message, 0)
	for _, m := range s.messages {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Len returns the number of stored messages
func (s *MemoryMessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
