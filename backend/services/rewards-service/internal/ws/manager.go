package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"evrewards/backend/services/rewards-service/internal/metrics"
)

// Manager tracks open location streams.
type Manager struct {
	mu           sync.RWMutex
	connections  map[uuid.UUID]*Connection
	pingInterval time.Duration
}

// NewManager builds connection manager.
func NewManager(pingInterval time.Duration) *Manager {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Manager{
		connections:  make(map[uuid.UUID]*Connection),
		pingInterval: pingInterval,
	}
}

// Add registers new connection.
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ID()] = conn
	metrics.WSConnected(1)
}

// Remove removes connection.
func (m *Manager) Remove(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[id]; !ok {
		return
	}
	delete(m.connections, id)
	metrics.WSConnected(-1)
}

// Count returns the number of open streams, optionally for one user.
func (m *Manager) Count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if userID == "" {
		return len(m.connections)
	}
	n := 0
	for _, conn := range m.connections {
		if conn.UserID() == userID {
			n++
		}
	}
	return n
}

// Start pings every stream until ctx ends, then closes them all.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, conn := range m.snapshot() {
				conn.Close()
			}
			return
		case <-ticker.C:
			for _, conn := range m.snapshot() {
				if err := conn.Ping(); err != nil {
					conn.Close()
				}
			}
		}
	}
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		out = append(out, conn)
	}
	return out
}
