package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/dto"
	"evrewards/backend/services/rewards-service/internal/models"
)

const (
	maxMessageBytes = 16 * 1024
	pongWait        = 60 * time.Second
	sendBuffer      = 16
)

// LocationReporter feeds device samples to the session tracker.
type LocationReporter interface {
	ReportLocation(ctx context.Context, report models.LocationReport) (*models.SessionSnapshot, error)
}

// reply is written back for every inbound frame.
type reply struct {
	Session *models.SessionSnapshot `json:"session,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// Connection is one device stream bound to a user.
type Connection struct {
	id           uuid.UUID
	userID       string
	ws           *websocket.Conn
	send         chan []byte
	tracker      LocationReporter
	writeTimeout time.Duration
	logger       *zap.Logger
	onClose      func(id uuid.UUID)

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection builds connection wrapper.
func NewConnection(userID string, ws *websocket.Conn, tracker LocationReporter, writeTimeout time.Duration, logger *zap.Logger, onClose func(uuid.UUID)) *Connection {
	id := uuid.New()
	return &Connection{
		id:           id,
		userID:       userID,
		ws:           ws,
		send:         make(chan []byte, sendBuffer),
		tracker:      tracker,
		writeTimeout: writeTimeout,
		logger:       logger.With(zap.String("user_id", userID), zap.String("conn_id", id.String())),
		onClose:      onClose,
		done:         make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() uuid.UUID { return c.id }

// UserID returns the authenticated user.
func (c *Connection) UserID() string { return c.userID }

// Start runs the pumps until the peer disconnects or ctx ends.
func (c *Connection) Start(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Connection) readPump(ctx context.Context) {
	defer c.cleanup()
	c.ws.SetReadLimit(maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("location stream read closed", zap.Error(err))
			}
			return
		}
		c.Send(c.handle(ctx, message))
	}
}

func (c *Connection) handle(ctx context.Context, message []byte) []byte {
	var out reply
	snapshot, err := c.report(ctx, message)
	if err != nil {
		out.Error = err.Error()
		if !errors.Is(err, models.ErrValidation) {
			c.logger.Warn("location report failed", zap.Error(err))
			out.Error = "internal error"
		}
	} else {
		out.Session = snapshot
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		c.logger.Error("encode reply", zap.Error(err))
		return []byte(`{"error":"internal error"}`)
	}
	return encoded
}

func (c *Connection) report(ctx context.Context, message []byte) (*models.SessionSnapshot, error) {
	var req dto.LocationReport
	if err := json.Unmarshal(message, &req); err != nil {
		return nil, dto.Decode(message, &req)
	}
	req.UserID = c.userID
	if err := dto.Validate(req); err != nil {
		return nil, err
	}
	return c.tracker.ReportLocation(ctx, req.Model())
}

func (c *Connection) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("location stream write failed", zap.Error(err))
				return
			}
		}
	}
}

// Send enqueues a frame; frames are dropped when the buffer is full or the stream closed.
func (c *Connection) Send(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("dropping outgoing frame, buffer full")
	}
}

// Ping sends a keepalive ping.
func (c *Connection) Ping() error {
	return c.write(websocket.PingMessage, nil)
}

func (c *Connection) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Connection) cleanup() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose(c.id)
		}
	})
}

// Close ends the stream.
func (c *Connection) Close() {
	c.cleanup()
}
