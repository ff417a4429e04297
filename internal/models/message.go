package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser   Role = "user"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAI, RoleSystem:
		return true
	}
	return false
}

// BodyType is the discriminator of a MessageBody
type BodyType string

const (
	BodyText       BodyType = "text"
	BodyToolUse    BodyType = "tool_use"
	BodyToolResult BodyType = "tool_result"
)

// MessageBody is a closed sum type. The only implementations are
// TextBody, ToolUseBody and ToolResultBody.
type MessageBody interface {
	Type() BodyType
	isMessageBody()
}

// TextBody carries plain conversation text
type TextBody struct {
	Content string
}

// ToolUseBody records that the engine invoked a tool
type ToolUseBody struct {
	ToolName string
}

// ToolResultBody records that a tool invocation produced a result
type ToolResultBody struct {
	ToolName string
}

func (TextBody) Type() BodyType       { return BodyText }
func (ToolUseBody) Type() BodyType    { return BodyToolUse }
func (ToolResultBody) Type() BodyType { return BodyToolResult }

func (TextBody) isMessageBody()       {}
func (ToolUseBody) isMessageBody()    {}
func (ToolResultBody) isMessageBody() {}

var (
	ErrUnknownBodyType = errors.New("unknown message body type")
	ErrInvalidMessage  = errors.New("invalid message")
)

// BodyRecord is the flattened, storage and wire friendly form of a MessageBody
type BodyRecord struct {
	Type     BodyType `json:"type" bson:"type"`
	Content  string   `json:"content,omitempty" bson:"content,omitempty"`
	ToolName string   `json:"toolName,omitempty" bson:"toolName,omitempty"`
}

// EncodeBody flattens a body into its record form
func EncodeBody(body MessageBody) BodyRecord {
	switch b := body.(type) {
	case TextBody:
		return BodyRecord{Type: BodyText, Content: b.Content}
	case ToolUseBody:
		return BodyRecord{Type: BodyToolUse, ToolName: b.ToolName}
	case ToolResultBody:
		return BodyRecord{Type: BodyToolResult, ToolName: b.ToolName}
	}
	return BodyRecord{}
}

// Decode rebuilds the typed body, rejecting unknown discriminators
func (r BodyRecord) Decode() (MessageBody, error) {
	switch r.Type {
	case BodyText:
		return TextBody{Content: r.Content}, nil
	case BodyToolUse:
		return ToolUseBody{ToolName: r.ToolName}, nil
	case BodyToolResult:
		return ToolResultBody{ToolName: r.ToolName}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBodyType, r.Type)
}

// Message is one durable conversation event.
//
// Every field except Delivered/DeliveredAt is immutable once the message has
// been appended to the log, and Delivered only ever moves from false to true.
type Message struct {
	ID          string
	To          string // owning user
	SessionID   string
	Timestamp   time.Time
	Delivered   bool
	DeliveredAt *time.Time
	Role        Role
	Body        MessageBody
}

// Now returns the current UTC time at millisecond precision. All stores
// persist milliseconds, so timestamps are truncated up front to round-trip.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewMessageID allocates a fresh unique message / artifact id
func NewMessageID() string {
	return uuid.New().String()
}

// NewUserMessage builds the local echo of a user-authored message. It is
// delivered from the start because the author is the connection that sent it.
func NewUserMessage(userID, sessionID, text string) *Message {
	now := Now()
	return &Message{
		ID:          NewMessageID(),
		To:          userID,
		SessionID:   sessionID,
		Timestamp:   now,
		Delivered:   true,
		DeliveredAt: &now,
		Role:        RoleUser,
		Body:        TextBody{Content: text},
	}
}

// NewToolUseMessage builds the system record of a tool invocation
func NewToolUseMessage(userID, sessionID, toolName string) *Message {
	return &Message{
		ID:        NewMessageID(),
		To:        userID,
		SessionID: sessionID,
		Timestamp: Now(),
		Role:      RoleSystem,
		Body:      ToolUseBody{ToolName: toolName},
	}
}

// NewToolResultMessage builds the system record of a tool result
func NewToolResultMessage(userID, sessionID, toolName string) *Message {
	return &Message{
		ID:        NewMessageID(),
		To:        userID,
		SessionID: sessionID,
		Timestamp: Now(),
		Role:      RoleSystem,
		Body:      ToolResultBody{ToolName: toolName},
	}
}

// NewArtifactMessage builds the final ai reply under a pre-allocated artifact id
func NewArtifactMessage(artifactID, userID, sessionID, text string) *Message {
	return &Message{
		ID:        artifactID,
		To:        userID,
		SessionID: sessionID,
		Timestamp: Now(),
		Role:      RoleAI,
		Body:      TextBody{Content: text},
	}
}

// Validate checks the structural invariants of a message before it is stored
func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidMessage)
	case m.To == "":
		return fmt.Errorf("%w: empty owner", ErrInvalidMessage)
	case m.SessionID == "":
		return fmt.Errorf("%w: empty session id", ErrInvalidMessage)
	case !m.Role.Valid():
		return fmt.Errorf("%w: role %q", ErrInvalidMessage, m.Role)
	case m.Body == nil:
		return fmt.Errorf("%w: nil body", ErrInvalidMessage)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with m
func (m *Message) Clone() *Message {
	c := *m
	if m.DeliveredAt != nil {
		at := *m.DeliveredAt
		c.DeliveredAt = &at
	}
	return &c
}

// messageJSON is the wire representation; timestamps are Unix milliseconds
type messageJSON struct {
	ID          string     `json:"id"`
	To          string     `json:"to"`
	SessionID   string     `json:"sessionId"`
	Timestamp   int64      `json:"timestamp"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *int64     `json:"deliveredAt,omitempty"`
	Role        Role       `json:"role"`
	Body        BodyRecord `json:"body"`
}

// MarshalJSON implements json.Marshaler
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:        m.ID,
		To:        m.To,
		SessionID: m.SessionID,
		Timestamp: m.Timestamp.UnixMilli(),
		Delivered: m.Delivered,
		Role:      m.Role,
		Body:      EncodeBody(m.Body),
	}
	if m.DeliveredAt != nil {
		ms := m.DeliveredAt.UnixMilli()
		out.DeliveredAt = &ms
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	body, err := in.Body.Decode()
	if err != nil {
		return err
	}
	*m = Message{
		ID:        in.ID,
		To:        in.To,
		SessionID: in.SessionID,
		Timestamp: time.UnixMilli(in.Timestamp).UTC(),
		Delivered: in.Delivered,
		Role:      in.Role,
		Body:      body,
	}
	if in.DeliveredAt != nil {
		at := time.UnixMilli(*in.DeliveredAt).UTC()
		m.DeliveredAt = &at
	}
	return nil
}
