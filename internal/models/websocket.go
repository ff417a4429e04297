package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// Inbound event names
const (
	EventRegister      = "register"
	EventSessionCreate = "session_create"
	EventSessionOpen   = "session_open"
	EventAISend        = "ai_send"
)

// Outbound event names
const (
	EventSessionList     = "session_list"
	EventSessionMessages = "session_messages"
	EventAIStarted       = "ai_started"
	EventAIChunk         = "ai_chunk"
	EventAIComplete      = "ai_complete"
	EventAIToolCall      = "ai_tool_call"
	EventAIToolResult    = "ai_tool_result"
)

var (
	ErrUnknownEvent  = errors.New("unknown event")
	ErrMissingField  = errors.New("missing required field")
	ErrMalformedData = errors.New("malformed event payload")
)

// Envelope is one websocket frame: {"event": "...", "data": {...}}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Intent is a validated inbound client request. The set is closed:
// RegisterIntent, SessionCreateIntent, SessionOpenIntent, SendIntent.
type Intent interface {
	EventName() string
	validate() error
}

// RegisterIntent declares the identity of the connection
type RegisterIntent struct {
	UserID string `json:"userId"`
}

// SessionCreateIntent explicitly creates (or retitles) a session
type SessionCreateIntent struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`
}

// SessionOpenIntent asks for a replay of a session
type SessionOpenIntent struct {
	SessionID string `json:"sessionId"`
}

// SendIntent carries user text into a session
type SendIntent struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

func (RegisterIntent) EventName() string      { return EventRegister }
func (SessionCreateIntent) EventName() string { return EventSessionCreate }
func (SessionOpenIntent) EventName() string   { return EventSessionOpen }
func (SendIntent) EventName() string          { return EventAISend }

func (i RegisterIntent) validate() error {
	if i.UserID == "" {
		return fmt.Errorf("%w: userId", ErrMissingField)
	}
	return nil
}

func (i SessionCreateIntent) validate() error {
	if i.SessionID == "" {
		return fmt.Errorf("%w: sessionId", ErrMissingField)
	}
	return nil
}

func (i SessionOpenIntent) validate() error {
	if i.SessionID == "" {
		return fmt.Errorf("%w: sessionId", ErrMissingField)
	}
	return nil
}

func (i SendIntent) validate() error {
	if i.SessionID == "" {
		return fmt.Errorf("%w: sessionId", ErrMissingField)
	}
	if i.Text == "" {
		return fmt.Errorf("%w: text", ErrMissingField)
	}
	return nil
}

// DecodeIntent parses and validates one inbound frame. Any error means the
// frame must be dropped.
func DecodeIntent(frame []byte) (Intent, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}

	var intent Intent
	var err error
	switch env.Event {
	case EventRegister:
		intent, err = decodeInto[RegisterIntent](env.Data)
	case EventSessionCreate:
		intent, err = decodeInto[SessionCreateIntent](env.Data)
	case EventSessionOpen:
		intent, err = decodeInto[SessionOpenIntent](env.Data)
	case EventAISend:
		intent, err = decodeInto[SendIntent](env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, err
	}
	if err := intent.validate(); err != nil {
		return nil, err
	}
	return intent, nil
}

func decodeInto[T Intent](data json.RawMessage) (Intent, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	return v, nil
}

// Notification is an outbound server event
type Notification interface {
	EventName() string
	Payload() any
}

// SessionListNotification pushes the user's sessions, most recent first
type SessionListNotification struct {
	Sessions []SessionItem
}

// SessionMessagesNotification replays one session
type SessionMessagesNotification struct {
	SessionID string    `json:"sessionId"`
	Messages  []Message `json:"messages"`
}

// StartedNotification announces a new artifact
type StartedNotification struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
}

// ChunkNotification forwards one text delta
type ChunkNotification struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Delta     string `json:"delta"`
}

// CompleteNotification delivers the final artifact text
type CompleteNotification struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// ToolCallNotification reports a tool invocation
type ToolCallNotification struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

// ToolResultNotification reports a tool result
type ToolResultNotification struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

func (SessionListNotification) EventName() string     { return EventSessionList }
func (SessionMessagesNotification) EventName() string { return EventSessionMessages }
func (StartedNotification) EventName() string         { return EventAIStarted }
func (ChunkNotification) EventName() string           { return EventAIChunk }
func (CompleteNotification) EventName() string        { return EventAIComplete }
func (ToolCallNotification) EventName() string        { return EventAIToolCall }
func (ToolResultNotification) EventName() string      { return EventAIToolResult }

func (n SessionListNotification) Payload() any {
	if n.Sessions == nil {
		return []SessionItem{}
	}
	return n.Sessions
}

func (n SessionMessagesNotification) Payload() any {
	if n.Messages == nil {
		n.Messages = []Message{}
	}
	return n
}

func (n StartedNotification) Payload() any    { return n }
func (n ChunkNotification) Payload() any      { return n }
func (n CompleteNotification) Payload() any   { return n }
func (n ToolCallNotification) Payload() any   { return n }
func (n ToolResultNotification) Payload() any { return n }

// OutboundFrame is the JSON shape written to the socket
type OutboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Frame wraps a notification for the wire
func Frame(n Notification) OutboundFrame {
	return OutboundFrame{Event: n.EventName(), Data: n.Payload()}
}

// DefaultSendTimeout is how long a full outbound queue may block a sender
const DefaultSendTimeout = 10 * time.Second

// UserConnection represents a single WebSocket connection
type UserConnection struct {
	ConnID    string
	ClientIP  string
	Conn      *websocket.Conn
	CreatedAt time.Time
	WriteChan chan Notification
	Mutex     sync.Mutex // serializes control frames with the write loop

	// SendTimeout bounds how long Send waits on a full queue before the
	// connection is closed as stalled. Zero waits indefinitely.
	SendTimeout time.Duration

	userMu    sync.RWMutex
	userID    string
	closed    chan struct{}
	closeOnce sync.Once
}

// NewUserConnection creates a connection with an outbound queue of the given size
func NewUserConnection(connID string, conn *websocket.Conn, queueSize int) *UserConnection {
	return &UserConnection{
		ConnID:    connID,
		Conn:      conn,
		CreatedAt: time.Now(),
		WriteChan: make(chan Notification, queueSize),
		closed:    make(chan struct{}),

		SendTimeout: DefaultSendTimeout,
	}
}

// BindUser records the declared identity. Only the first call has an effect.
func (uc *UserConnection) BindUser(userID string) bool {
	uc.userMu.Lock()
	defer uc.userMu.Unlock()
	if uc.userID != "" || userID == "" {
		return false
	}
	uc.userID = userID
	return true
}

// UserID returns the declared identity, empty until registered
func (uc *UserConnection) UserID() string {
	uc.userMu.RLock()
	defer uc.userMu.RUnlock()
	return uc.userID
}

// Send queues a notification, blocking while the queue is full so that
// notifications keep their order. It returns false once the connection is
// closed. A queue that stays full for SendTimeout closes the connection.
func (uc *UserConnection) Send(n Notification) bool {
	select {
	case <-uc.closed:
		return false
	default:
	}

	var stalled <-chan time.Time
	if uc.SendTimeout > 0 {
		timer := time.NewTimer(uc.SendTimeout)
		defer timer.Stop()
		stalled = timer.C
	}

	select {
	case uc.WriteChan <- n:
		return true
	case <-uc.closed:
		return false
	case <-stalled:
		uc.Close()
		return false
	}
}

// Close marks the connection closed; safe to call more than once
func (uc *UserConnection) Close() {
	uc.closeOnce.Do(func() { close(uc.closed) })
}

// Done is closed when the connection is closed
func (uc *UserConnection) Done() <-chan struct{} {
	return uc.closed
}

// IsClosed returns true if the connection has been closed
func (uc *UserConnection) IsClosed() bool {
	select {
	case <-uc.closed:
		return true
	default:
		return false
	}
}
