package services

import (
	"log"
	"sync"
	"time"

	"chatrelay/internal/models"
)

// ConnectionManager tracks every open gateway connection, registered or not.
// The presence registry only knows the newest connection per user; this is
// the full set, used for counting and for closing everything at shutdown.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*models.UserConnection
}

// NewConnectionManager creates an empty connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{conns: make(map[string]*models.UserConnection)}
}

// Add starts tracking a connection
func (cm *ConnectionManager) Add(conn *models.UserConnection) {
	cm.mu.Lock()
	cm.conns[conn.ConnID] = conn
	total := len(cm.conns)
	cm.mu.Unlock()

	log.Printf("✅ [GATEWAY] Connection %s opened from %s (total: %d)", conn.ConnID, conn.ClientIP, total)
}

// Remove closes a connection's queue and stops tracking it
func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	conn, ok := cm.conns[connID]
	delete(cm.conns, connID)
	total := len(cm.conns)
	cm.mu.Unlock()

	if !ok {
		return
	}
	conn.Close()
	log.Printf("❌ [GATEWAY] Connection %s closed after %s (total: %d)", connID, time.Since(conn.CreatedAt).Round(time.Second), total)
}

// Count returns the number of open connections
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// Registered returns how many open connections have declared a user
func (cm *ConnectionManager) Registered() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	n := 0
	for _, conn := range cm.conns {
		if conn.UserID() != "" {
			n++
		}
	}
	return n
}

// CloseAll closes every tracked socket. Each connection's handler then
// unwinds through its normal disconnect path.
func (cm *ConnectionManager) CloseAll() int {
	cm.mu.RLock()
	conns := make([]*models.UserConnection, 0, len(cm.conns))
	for _, conn := range cm.conns {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
		if conn.Conn != nil {
			conn.Mutex.Lock()
			conn.Conn.Close()
			conn.Mutex.Unlock()
		}
	}
	return len(conns)
}
