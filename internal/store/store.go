package store

import (
	"context"
	"errors"

	"github.com/pliu/sealedchat/internal/models"
)

var ErrNotFound = errors.New("store: not found")

// Store is the server's persistence layer. It holds ciphertext and public
// keys only and never interprets message payloads.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id int) (*models.User, error)
	SearchUsers(ctx context.Context, query string) ([]models.User, error)

	// Key directory
	SetPublicKey(ctx context.Context, userID int, key []byte) error
	GetPublicKey(ctx context.Context, userID int) ([]byte, bool, error)

	// Message operations
	SaveMessage(ctx context.Context, m *models.Message) error
	UserMessages(ctx context.Context, userID int) ([]models.Message, error)
	ConversationMessages(ctx context.Context, self, counterpart int) ([]models.Message, error)
	MarkRead(ctx context.Context, recipientID int, ids []int64) (int64, error)

	Close() error
}
