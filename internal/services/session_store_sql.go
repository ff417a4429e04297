package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chatrelay/internal/database"
	"chatrelay/internal/models"
)

// SQLSessionStore persists session metadata in the sessions table
type SQLSessionStore struct {
	db *database.DB
}

// NewSQLSessionStore creates a store over an initialized database
func NewSQLSessionStore(db *database.DB) *SQLSessionStore {
	return &SQLSessionStore{db: db}
}

func (s *SQLSessionStore) Get(ctx context.Context, userID, sessionID string) (*models.SessionItem, error) {
	var (
		item               models.SessionItem
		createdAt, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM sessions WHERE user_id = ? AND id = ?`,
		userID, sessionID,
	).Scan(&item.ID, &item.UserID, &item.Title, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item.CreatedAt = time.UnixMilli(createdAt).UTC()
	item.UpdatedAt = time.UnixMilli(updated).UTC()
	return &item, nil
}

func (s *SQLSessionStore) Put(ctx context.Context, item models.SessionItem) error {
	query := `INSERT INTO sessions (user_id, id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET title = excluded.title, created_at = excluded.created_at, updated_at = excluded.updated_at`
	if s.db.Dialect == database.DialectMySQL {
		query = `INSERT INTO sessions (user_id, id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE title = VALUES(title), created_at = VALUES(created_at), updated_at = VALUES(updated_at)`
	}
	_, err := s.db.ExecContext(ctx, query,
		item.UserID, item.ID, item.Title, item.CreatedAt.UnixMilli(), item.UpdatedAt.UnixMilli())
	return err
}

func (s *SQLSessionStore) ListByUser(ctx context.Context, userID string) ([]models.SessionItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.SessionItem, 0)
	for rows.Next() {
		var (
			item               models.SessionItem
			createdAt, updated int64
		)
		if err := rows.Scan(&item.ID, &item.UserID, &item.Title, &createdAt, &updated); err != nil {
			return nil, err
		}
		item.CreatedAt = time.UnixMilli(createdAt).UTC()
		item.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, item)
	}
	return out, rows.Err()
}
