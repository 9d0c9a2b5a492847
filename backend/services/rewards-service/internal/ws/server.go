// Package ws streams device location reports over websockets.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// IdentityFunc resolves the user a stream belongs to.
type IdentityFunc func(r *http.Request) (string, bool)

// QueryIdentity reads the user from the user_id query parameter.
func QueryIdentity(r *http.Request) (string, bool) {
	userID := r.URL.Query().Get("user_id")
	return userID, userID != ""
}

// Server upgrades HTTP connections to location streams.
type Server struct {
	manager      *Manager
	tracker      LocationReporter
	identify     IdentityFunc
	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewServer builds ws server.
func NewServer(manager *Manager, tracker LocationReporter, identify IdentityFunc, writeTimeout time.Duration, logger *zap.Logger) *Server {
	if identify == nil {
		identify = QueryIdentity
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Server{
		manager:      manager,
		tracker:      tracker,
		identify:     identify,
		logger:       logger,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS is the HTTP handler for /ws/location.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(r)
	if !ok {
		http.Error(w, "user is required", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	connection := NewConnection(userID, conn, s.tracker, s.writeTimeout, s.logger, func(id uuid.UUID) {
		s.manager.Remove(id)
		cancel()
	})
	s.manager.Add(connection)

	go connection.Start(ctx)
	s.logger.Info("location stream connected", zap.String("user_id", userID))
}
