package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatrelay/internal/models"

	"github.com/patrickmn/go-cache"
)

// SessionStore is the durable backend of the session directory
type SessionStore interface {
	// Get returns the item, or nil when the user has no such session
	Get(ctx context.Context, userID, sessionID string) (*models.SessionItem, error)
	// Put inserts or fully overwrites the item
	Put(ctx context.Context, item models.SessionItem) error
	// ListByUser returns every session of the user, in any order
	ListByUser(ctx context.Context, userID string) ([]models.SessionItem, error)
}

// SessionDirectory owns per-user session metadata. Upserts are serialized
// and last-write-wins; listings are served from a short-lived cache that
// every upsert invalidates.
type SessionDirectory struct {
	store     SessionStore
	mu        sync.RWMutex
	listCache *cache.Cache
}

// NewSessionDirectory creates a directory over a store
func NewSessionDirectory(store SessionStore) *SessionDirectory {
	return &SessionDirectory{
		store:     store,
		listCache: cache.New(5*time.Minute, 10*time.Minute),
	}
}

// Upsert creates the session on first reference or bumps it. The title
// falls back to models.DefaultSessionTitle on creation and is kept when the
// upsert carries none.
func (d *SessionDirectory) Upsert(ctx context.Context, upsert models.SessionUpsert) (models.SessionItem, error) {
	if upsert.UserID == "" {
		return models.SessionItem{}, ErrEmptyUserID
	}
	if upsert.ID == "" {
		return models.SessionItem{}, ErrEmptySessionID
	}
	if upsert.At.IsZero() {
		upsert.At = models.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.store.Get(ctx, upsert.UserID, upsert.ID)
	if err != nil {
		return models.SessionItem{}, fmt.Errorf("failed to load session %s: %w", upsert.ID, err)
	}

	item := upsert.Apply(existing)
	if err := d.store.Put(ctx, item); err != nil {
		return models.SessionItem{}, fmt.Errorf("failed to save session %s: %w", upsert.ID, err)
	}
	d.listCache.Delete(upsert.UserID)
	return item, nil
}

// Bump records activity on a session, creating it if it has never been seen
func (d *SessionDirectory) Bump(ctx context.Context, userID, sessionID string) (models.SessionItem, error) {
	return d.Upsert(ctx, models.SessionUpsert{ID: sessionID, UserID: userID})
}

// ListForUser returns the user's sessions, most recently updated first
func (d *SessionDirectory) ListForUser(ctx context.Context, userID string) ([]models.SessionItem, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	if cached, ok := d.listCache.Get(userID); ok {
		items := cached.([]models.SessionItem)
		return append([]models.SessionItem(nil), items...), nil
	}

	// Filling the cache under the read lock keeps a concurrent upsert from
	// being shadowed by a listing read just before it.
	d.mu.RLock()
	defer d.mu.RUnlock()

	items, err := d.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for %s: %w", userID, err)
	}
	SortSessions(items)

	d.listCache.Set(userID, append([]models.SessionItem(nil), items...), cache.DefaultExpiration)
	return items, nil
}

// SortSessions orders items by UpdatedAt descending. Timestamps are kept
// at millisecond precision, so sessions touched in the same millisecond are
// ordered by id ascending on every backend.
func SortSessions(items []models.SessionItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
