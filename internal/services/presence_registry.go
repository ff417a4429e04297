package services

import (
	"chatrelay/internal/models"
	"log"
	"sync"
)

// PresenceRegistry maps a user to the one connection currently reachable for
// live notifications. It is volatile: empty at process start, never persisted.
// The gateway is the only writer; stream orchestrators only read.
type PresenceRegistry struct {
	entries map[string]*models.UserConnection
	mutex   sync.RWMutex
}

// NewPresenceRegistry creates an empty registry
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		entries: make(map[string]*models.UserConnection),
	}
}

// Register makes conn the user's live connection, replacing any previous one
func (r *PresenceRegistry) Register(userID string, conn *models.UserConnection) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if prev, ok := r.entries[userID]; ok && prev != conn {
		log.Printf("🔁 [PRESENCE] %s re-registered: %s replaces %s", userID, conn.ConnID, prev.ConnID)
	}
	r.entries[userID] = conn
}

// Lookup returns the user's live connection, if any
func (r *PresenceRegistry) Lookup(userID string) (*models.UserConnection, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	conn, ok := r.entries[userID]
	return conn, ok
}

// Unregister removes the entry only while it still points at conn. A stale
// disconnect processed after a reconnect leaves the newer connection alone.
func (r *PresenceRegistry) Unregister(userID string, conn *models.UserConnection) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	current, ok := r.entries[userID]
	if !ok || current != conn {
		return false
	}
	delete(r.entries, userID)
	return true
}

// Count returns the number of present users
func (r *PresenceRegistry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.entries)
}

// Entries returns a point-in-time copy of the registry
func (r *PresenceRegistry) Entries() map[string]*models.UserConnection {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make(map[string]*models.UserConnection, len(r.entries))
	for userID, conn := range r.entries {
		out[userID] = conn
	}
	return out
}
