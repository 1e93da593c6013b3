package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/pliu/sealedchat/internal/models"
	"github.com/pliu/sealedchat/internal/store"
)

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	query := s.rebind("INSERT INTO users (username, email, password) VALUES (?, ?, ?) RETURNING id")
	return s.db.QueryRowContext(ctx, query, user.Username, user.Email, user.Password).Scan(&user.ID)
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := s.rebind("SELECT id, username, email, password, public_key FROM users WHERE username = ?")
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *SQLStore) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	query := s.rebind("SELECT id, username, email, password, public_key FROM users WHERE id = ?")
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLStore) scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.Password, &user.PublicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *SQLStore) SearchUsers(ctx context.Context, queryStr string) ([]models.User, error) {
	query := s.rebind("SELECT id, username, email, public_key FROM users WHERE username LIKE ? ORDER BY username LIMIT 10")
	rows, err := s.db.QueryContext(ctx, query, "%"+queryStr+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.Email, &user.PublicKey); err != nil {
			return nil, err
		}
		user.Email = maskEmail(user.Email)
		users = append(users, user)
	}
	return users, rows.Err()
}

// SetPublicKey replaces the user's published key. The last write wins.
func (s *SQLStore) SetPublicKey(ctx context.Context, userID int, key []byte) error {
	query := s.rebind("UPDATE users SET public_key = ?, key_updated_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, query, key, time.Now().UTC(), userID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetPublicKey returns the user's published key. found is false if the
// user exists but never published one.
func (s *SQLStore) GetPublicKey(ctx context.Context, userID int) ([]byte, bool, error) {
	var key []byte
	query := s.rebind("SELECT public_key FROM users WHERE id = ?")
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, store.ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return key, len(key) > 0, nil
}

func maskEmail(email string) string {
	if email == "" {
		return ""
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return email
	}
	local, domain := parts[0], parts[1]
	length := len(local)
	visible := 1
	if length > 2 {
		visible = length / 2
		if visible > 3 {
			visible = 3
		}
	}

	maskedLocal := local[:visible] + strings.Repeat("*", length-visible)
	return maskedLocal + "@" + domain
}
