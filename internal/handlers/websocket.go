package handlers

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"time"

	"chatrelay/internal/logging"
	"chatrelay/internal/models"
	"chatrelay/internal/services"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	writeQueueSize = 100
	readTimeout    = 360 * time.Second
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
)

// WebSocketHandler is the event gateway: it turns inbound client intents
// into calls on the message log, session directory and orchestrator, and
// writes outbound notifications to the socket.
type WebSocketHandler struct {
	connManager  *services.ConnectionManager
	presence     *services.PresenceRegistry
	messages     *services.MessageLog
	sessions     *services.SessionDirectory
	orchestrator *services.StreamOrchestrator
	metrics      *services.Metrics

	frameRate  rate.Limit
	frameBurst int
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	connManager *services.ConnectionManager,
	presence *services.PresenceRegistry,
	messages *services.MessageLog,
	sessions *services.SessionDirectory,
	orchestrator *services.StreamOrchestrator,
	metrics *services.Metrics,
) *WebSocketHandler {
	return &WebSocketHandler{
		connManager:  connManager,
		presence:     presence,
		messages:     messages,
		sessions:     sessions,
		orchestrator: orchestrator,
		metrics:      metrics,
		frameRate:    rate.Inf,
	}
}

// WithFrameLimit caps inbound frames per connection. Frames over the limit
// are dropped like malformed ones. perSecond <= 0 removes the limit.
func (h *WebSocketHandler) WithFrameLimit(perSecond float64, burst int) *WebSocketHandler {
	if perSecond <= 0 {
		h.frameRate, h.frameBurst = rate.Inf, 0
		return h
	}
	if burst < 1 {
		burst = 1
	}
	h.frameRate, h.frameBurst = rate.Limit(perSecond), burst
	return h
}

// Handle handles a new WebSocket connection
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	connID := uuid.New().String()
	userConn := models.NewUserConnection(connID, c, writeQueueSize)
	userConn.ClientIP, _ = c.Locals("client_ip").(string)

	h.connManager.Add(userConn)
	h.metrics.RecordWebSocketConnect()
	defer func() {
		if userID := userConn.UserID(); userID != "" {
			if h.presence.Unregister(userID, userConn) {
				log.Printf("👋 [GATEWAY] %s went offline (conn %s)", userID, connID)
			}
		}
		h.connManager.Remove(connID)
		h.metrics.RecordWebSocketDisconnect()
	}()

	c.SetReadDeadline(time.Now().Add(readTimeout))
	c.SetPongHandler(func(appData string) error {
		c.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(userConn)
	go h.writeLoop(userConn)

	// ?userId= on the upgrade request acts as the first register
	if userID, _ := c.Locals("user_id").(string); userID != "" {
		h.handleRegister(userConn, models.RegisterIntent{UserID: userID})
	}

	h.readLoop(userConn)
}

// pingLoop sends periodic pings to keep the WebSocket connection alive
// while a long generation runs
func (h *WebSocketHandler) pingLoop(userConn *models.UserConnection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-userConn.Done():
			return
		case <-ticker.C:
			userConn.Mutex.Lock()
			err := userConn.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			userConn.Mutex.Unlock()
			if err != nil {
				log.Printf("⚠️ Ping failed for %s: %v", userConn.ConnID, err)
				return
			}
		}
	}
}

// readLoop handles incoming frames from the client
func (h *WebSocketHandler) readLoop(userConn *models.UserConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in readLoop: %v", r)
		}
	}()

	limiter := rate.NewLimiter(h.frameRate, h.frameBurst)

	for {
		_, frame, err := userConn.Conn.ReadMessage()
		if err != nil {
			log.Printf("🔌 [GATEWAY] Read ended for %s: %v", userConn.ConnID, err)
			return
		}
		if userConn.IsClosed() {
			log.Printf("🔌 [GATEWAY] Dropping stalled connection %s", userConn.ConnID)
			return
		}
		userConn.Conn.SetReadDeadline(time.Now().Add(readTimeout))

		if !limiter.Allow() {
			h.drop(userConn, "rate_limited", errors.New("inbound frame rate exceeded"))
			continue
		}

		intent, err := models.DecodeIntent(frame)
		if err != nil {
			h.drop(userConn, dropReason(err), err)
			continue
		}
		h.metrics.RecordWebSocketEvent(intent.EventName(), "inbound")

		if register, ok := intent.(models.RegisterIntent); ok {
			h.handleRegister(userConn, register)
			continue
		}
		if userConn.UserID() == "" {
			h.drop(userConn, "unregistered", errors.New(intent.EventName()+" before register"))
			continue
		}

		switch i := intent.(type) {
		case models.SessionCreateIntent:
			h.handleSessionCreate(userConn, i)
		case models.SessionOpenIntent:
			h.handleSessionOpen(userConn, i)
		case models.SendIntent:
			h.handleSend(userConn, i)
		}
	}
}

// writeLoop is the only writer of data frames to the socket
func (h *WebSocketHandler) writeLoop(userConn *models.UserConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in writeLoop: %v", r)
		}
	}()

	for {
		select {
		case <-userConn.Done():
			return
		case n := <-userConn.WriteChan:
			userConn.Mutex.Lock()
			userConn.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := userConn.Conn.WriteJSON(models.Frame(n))
			userConn.Mutex.Unlock()
			if err != nil {
				log.Printf("❌ WebSocket write error for %s: %v", userConn.ConnID, err)
				userConn.Close()
				return
			}
			h.metrics.RecordWebSocketEvent(n.EventName(), "outbound")
		}
	}
}

// handleRegister binds the connection to a user. Only the first register
// on a connection counts.
func (h *WebSocketHandler) handleRegister(userConn *models.UserConnection, intent models.RegisterIntent) {
	if !userConn.BindUser(intent.UserID) {
		h.drop(userConn, "reregister", errors.New("connection already registered as "+userConn.UserID()))
		return
	}
	h.presence.Register(intent.UserID, userConn)
	log.Printf("👤 [GATEWAY] %s registered on %s", intent.UserID, userConn.ConnID)

	h.pushSessionList(userConn)
}

func (h *WebSocketHandler) handleSessionCreate(userConn *models.UserConnection, intent models.SessionCreateIntent) {
	ctx := context.Background()
	if _, err := h.sessions.Upsert(ctx, models.SessionUpsert{
		ID:     intent.SessionID,
		UserID: userConn.UserID(),
		Title:  intent.Title,
	}); err != nil {
		h.logger(userConn).Error("session create failed", "session_id", intent.SessionID, "error", err)
		return
	}
	h.pushSessionList(userConn)
}

func (h *WebSocketHandler) handleSessionOpen(userConn *models.UserConnection, intent models.SessionOpenIntent) {
	ctx := context.Background()
	msgs, err := h.messages.Query(ctx, userConn.UserID(), intent.SessionID)
	if err != nil {
		h.logger(userConn).Error("session replay failed", "session_id", intent.SessionID, "error", err)
		return
	}

	replay := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		replay = append(replay, *m)
	}
	userConn.Send(models.SessionMessagesNotification{SessionID: intent.SessionID, Messages: replay})
}

// handleSend persists the user's message, bumps the session and starts
// the orchestrator without waiting for it. The append and the bump are
// separate writes: a crash between them leaves the session's updatedAt behind.
func (h *WebSocketHandler) handleSend(userConn *models.UserConnection, intent models.SendIntent) {
	ctx := context.Background()
	userID := userConn.UserID()

	msg := models.NewUserMessage(userID, intent.SessionID, intent.Text)
	if err := h.messages.Append(ctx, msg); err != nil {
		h.logger(userConn).Error("failed to persist user message", "session_id", intent.SessionID, "error", err)
		return
	}

	if _, err := h.sessions.Bump(ctx, userID, intent.SessionID); err != nil {
		h.logger(userConn).Error("failed to bump session", "session_id", intent.SessionID, "error", err)
	} else {
		h.pushSessionList(userConn)
	}

	artifactID, err := h.orchestrator.Start(userID, intent.SessionID, intent.Text)
	if err != nil {
		log.Printf("⏸️  [GATEWAY] Not starting generation for %s/%s: %v", userID, intent.SessionID, err)
		return
	}
	log.Printf("💬 [GATEWAY] %s sent to %s, artifact %s", userID, intent.SessionID, artifactID)
}

func (h *WebSocketHandler) pushSessionList(userConn *models.UserConnection) {
	items, err := h.sessions.ListForUser(context.Background(), userConn.UserID())
	if err != nil {
		h.logger(userConn).Error("failed to list sessions", "error", err)
		return
	}
	userConn.Send(models.SessionListNotification{Sessions: items})
}

// drop discards an inbound frame. The client gets no acknowledgment.
func (h *WebSocketHandler) drop(userConn *models.UserConnection, reason string, err error) {
	h.metrics.RecordDroppedIntent(reason)
	h.logger(userConn).Debug("dropped inbound frame", "reason", reason, "error", err)
}

func (h *WebSocketHandler) logger(userConn *models.UserConnection) *slog.Logger {
	return logging.WithConnection(userConn.ConnID, userConn.UserID())
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, models.ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, models.ErrMissingField):
		return "missing_field"
	default:
		return "malformed"
	}
}
