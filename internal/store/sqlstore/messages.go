package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/pliu/sealedchat/internal/models"
)

const messageColumns = "id, sender_id, recipient_id, is_encrypted, payload, is_read, created_at"

// SaveMessage stores m and fills in its ID and CreatedAt. The payload is
// stored as given.
func (s *SQLStore) SaveMessage(ctx context.Context, m *models.Message) error {
	if !m.Payload.Kind.Valid() {
		return fmt.Errorf("sqlstore: invalid payload kind %q", m.Payload.Kind)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	query := s.rebind("INSERT INTO messages (sender_id, recipient_id, is_encrypted, payload, is_read, created_at) VALUES (?, ?, ?, ?, ?, ?) RETURNING id")
	return s.db.QueryRowContext(ctx, query,
		m.SenderID, m.RecipientID, m.Payload.IsEncrypted(), m.Payload.Body, m.IsRead, m.CreatedAt,
	).Scan(&m.ID)
}

// UserMessages returns every message sent or received by userID.
func (s *SQLStore) UserMessages(ctx context.Context, userID int) ([]models.Message, error) {
	query := s.rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE sender_id = ? OR recipient_id = ?
		ORDER BY created_at ASC, id ASC
	`)
	return s.queryMessages(ctx, query, userID, userID)
}

func (s *SQLStore) ConversationMessages(ctx context.Context, self, counterpart int) ([]models.Message, error) {
	query := s.rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
		ORDER BY created_at ASC, id ASC
	`)
	return s.queryMessages(ctx, query, self, counterpart, counterpart, self)
}

// MarkRead flags the given messages as read. Only unread messages
// addressed to recipientID are touched; the number actually changed is
// returned.
func (s *SQLStore) MarkRead(ctx context.Context, recipientID int, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, recipientID)
	for _, id := range ids {
		args = append(args, id)
	}

	query := s.rebind("UPDATE messages SET is_read = TRUE WHERE recipient_id = ? AND is_read = FALSE AND id IN (" + placeholders(len(ids)) + ")")
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m         models.Message
			encrypted bool
			body      []byte
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &encrypted, &body, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		if encrypted {
			m.Payload = models.Encrypted(body)
		} else {
			m.Payload = models.Payload{Kind: models.PayloadPlaintext, Body: body}
		}
		m.CreatedAt = m.CreatedAt.UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
