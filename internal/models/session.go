package models

import (
	"encoding/json"
	"time"
)

// DefaultSessionTitle is used when a session is first created without a title
const DefaultSessionTitle = "New Chat"

// SessionItem is the per-user metadata of one conversation thread
type SessionItem struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionUpsert describes one activity against a session. An empty Title
// means "keep whatever title the session already has".
type SessionUpsert struct {
	ID     string
	UserID string
	Title  string
	At     time.Time
}

// Apply merges the upsert into an existing item (nil when the session is unseen)
func (u SessionUpsert) Apply(existing *SessionItem) SessionItem {
	if existing == nil {
		title := u.Title
		if title == "" {
			title = DefaultSessionTitle
		}
		return SessionItem{
			ID:        u.ID,
			UserID:    u.UserID,
			Title:     title,
			CreatedAt: u.At,
			UpdatedAt: u.At,
		}
	}
	item := *existing
	if u.Title != "" {
		item.Title = u.Title
	}
	item.UpdatedAt = u.At
	return item
}

type sessionItemJSON struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// MarshalJSON implements json.Marshaler (timestamps in Unix milliseconds)
func (s SessionItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionItemJSON{
		ID:        s.ID,
		UserID:    s.UserID,
		Title:     s.Title,
		CreatedAt: s.CreatedAt.UnixMilli(),
		UpdatedAt: s.UpdatedAt.UnixMilli(),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (s *SessionItem) UnmarshalJSON(data []byte) error {
	var in sessionItemJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = SessionItem{
		ID:        in.ID,
		UserID:    in.UserID,
		Title:     in.Title,
		CreatedAt: time.UnixMilli(in.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(in.UpdatedAt).UTC(),
	}
	return nil
}
