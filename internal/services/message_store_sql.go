package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/database"
	"chatrelay/internal/models"
)

// SQLMessageStore persists messages in the messages table (MySQL or SQLite)
type SQLMessageStore struct {
	db *database.DB
}

// NewSQLMessageStore creates a store over an initialized database
func NewSQLMessageStore(db *database.DB) *SQLMessageStore {
	return &SQLMessageStore{db: db}
}

const messageColumns = `id, to_user, session_id, ts, delivered, delivered_at, role, body_type, content, tool_name`

func (s *SQLMessageStore) Insert(ctx context.Context, msg *models.Message) error {
	body := models.EncodeBody(msg.Body)

	var deliveredAt sql.NullInt64
	if msg.DeliveredAt != nil {
		deliveredAt = sql.NullInt64{Int64: msg.DeliveredAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.To, msg.SessionID, msg.Timestamp.UnixMilli(), msg.Delivered, deliveredAt,
		string(msg.Role), string(body.Type), nullString(body.Content), nullString(body.ToolName),
	)
	if s.db.IsDuplicateKey(err) {
		return ErrDuplicateMessageID
	}
	return err
}

func (s *SQLMessageStore) MarkDelivered(ctx context.Context, ids []string, at time.Time) (int, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, true, at.UnixMilli(), false)
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivered = ?, delivered_at = ? WHERE delivered = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLMessageStore) FindBySession(ctx context.Context, userID, sessionID string) ([]*models.Message, error) {
	return s.query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE to_user = ? AND session_id = ? ORDER BY ts ASC, seq ASC`,
		userID, sessionID,
	)
}

func (s *SQLMessageStore) FindUndelivered(ctx context.Context, userID string) ([]*models.Message, error) {
	return s.query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE to_user = ? AND delivered = ? ORDER BY ts ASC, seq ASC`,
		userID, false,
	)
}

func (s *SQLMessageStore) query(ctx context.Context, query string, args ...interface{}) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.Message, 0)
	for rows.Next() {
		var (
			msg         models.Message
			ts          int64
			deliveredAt sql.NullInt64
			role        string
			bodyType    string
			content     sql.NullString
			toolName    sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.To, &msg.SessionID, &ts, &msg.Delivered, &deliveredAt,
			&role, &bodyType, &content, &toolName); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		body, err := models.BodyRecord{
			Type:     models.BodyType(bodyType),
			Content:  content.String,
			ToolName: toolName.String,
		}.Decode()
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", msg.ID, err)
		}

		msg.Timestamp = time.UnixMilli(ts).UTC()
		msg.Role = models.Role(role)
		msg.Body = body
		if deliveredAt.Valid {
			at := time.UnixMilli(deliveredAt.Int64).UTC()
			msg.DeliveredAt = &at
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
