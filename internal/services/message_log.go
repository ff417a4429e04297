package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"chatrelay/internal/models"
)

var (
	ErrEmptyUserID        = errors.New("user id is required")
	ErrEmptySessionID     = errors.New("session id is required")
	ErrDuplicateMessageID = errors.New("message id already exists")
)

// MessageStore is the durable backend of the message log
type MessageStore interface {
	// Insert adds a new record; ErrDuplicateMessageID if the id is taken
	Insert(ctx context.Context, msg *models.Message) error
	// MarkDelivered flips delivered=false records among ids and returns how many changed
	MarkDelivered(ctx context.Context, ids []string, at time.Time) (int, error)
	// FindBySession returns the user's session records ascending by timestamp
	FindBySession(ctx context.Context, userID, sessionID string) ([]*models.Message, error)
	// FindUndelivered returns the user's records still marked undelivered
	FindUndelivered(ctx context.Context, userID string) ([]*models.Message, error)
}

// MessageLog is the append-only record of every conversation event. All
// writes go through one mutex so concurrent producers cannot lose appends,
// whatever the backend does with read-modify-write.
type MessageLog struct {
	store   MessageStore
	writeMu sync.Mutex
}

// NewMessageLog creates a message log over a store
func NewMessageLog(store MessageStore) *MessageLog {
	return &MessageLog{store: store}
}

// Append durably records a new message
func (l *MessageLog) Append(ctx context.Context, msg *models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.store.Insert(ctx, msg); err != nil {
		return fmt.Errorf("failed to append message %s: %w", msg.ID, err)
	}
	return nil
}

// MarkDelivered sets delivered=true on the given ids that are still
// undelivered. Unknown and already delivered ids are ignored; when nothing
// changes nothing is written.
func (l *MessageLog) MarkDelivered(ctx context.Context, ids ...string) (int, error) {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return 0, nil
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	changed, err := l.store.MarkDelivered(ctx, unique, models.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to mark delivered: %w", err)
	}
	if changed > 0 {
		log.Printf("📬 [LOG] Marked %d message(s) delivered", changed)
	}
	return changed, nil
}

// Query returns one session's messages for replay, ascending by timestamp
func (l *MessageLog) Query(ctx context.Context, userID, sessionID string) ([]*models.Message, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	msgs, err := l.store.FindBySession(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session %s: %w", sessionID, err)
	}
	return msgs, nil
}

// QueryUndelivered returns the user's undelivered backlog. Nothing in the
// gateway pushes this on reconnect; it is here for catch-up delivery.
func (l *MessageLog) QueryUndelivered(ctx context.Context, userID string) ([]*models.Message, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	msgs, err := l.store.FindUndelivered(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query undelivered for %s: %w", userID, err)
	}
	return msgs, nil
}
