package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/pliu/sealedchat/internal/auth"
	"github.com/pliu/sealedchat/internal/handlers"
	"github.com/pliu/sealedchat/internal/models"
)

func (c *Client) Signup(ctx context.Context, username, email, password string) (*models.User, error) {
	var u models.User
	req := handlers.SignupRequest{Username: username, Email: email, Password: password}
	if _, err := c.do(ctx, "POST", "/signup", req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Login authenticates and keeps the session cookie for later requests.
func (c *Client) Login(ctx context.Context, username, password string) (*models.User, error) {
	var u models.User
	resp, err := c.do(ctx, "POST", "/login", handlers.Credentials{Username: username, Password: password}, &u)
	if err != nil {
		return nil, err
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == auth.CookieName {
			c.setCookie(cookie.Value)
			c.log.Infof("Logged in as %s (%d)", u.Username, u.ID)
			return &u, nil
		}
	}
	return nil, errors.New("client: login response carried no session cookie")
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	var users []models.User
	_, err := c.do(ctx, "GET", "/users/search?q="+url.QueryEscape(query), nil, &users)
	return users, err
}

func (c *Client) User(ctx context.Context, userID int) (*models.User, error) {
	var u models.User
	if _, err := c.do(ctx, "GET", fmt.Sprintf("/users/%d", userID), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetPublicKey fetches userID's published key. found is false when the
// user has none.
func (c *Client) GetPublicKey(ctx context.Context, userID int) ([]byte, bool, error) {
	var resp handlers.KeyRequest
	_, err := c.do(ctx, "GET", fmt.Sprintf("/users/%d/key", userID), nil, &resp)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return resp.PublicKey, true, nil
}

// SetPublicKey publishes key for the logged in user, or withdraws the
// published key when key is empty. The relay only lets a user change their
// own key, so userID must match the session.
func (c *Client) SetPublicKey(ctx context.Context, userID int, key []byte) error {
	if len(key) == 0 {
		_, err := c.do(ctx, "DELETE", "/keys", nil, nil)
		return err
	}
	_, err := c.do(ctx, "PUT", "/keys", handlers.KeyRequest{PublicKey: key}, nil)
	return err
}

// SaveMessage stores m on the relay and fills in the fields it assigns.
func (c *Client) SaveMessage(ctx context.Context, m *models.Message) error {
	var stored models.Message
	req := handlers.SendRequest{RecipientID: m.RecipientID, Payload: m.Payload}
	if _, err := c.do(ctx, "POST", "/messages", req, &stored); err != nil {
		return err
	}
	*m = stored
	return nil
}

func (c *Client) UserMessages(ctx context.Context, self int) ([]models.Message, error) {
	var msgs []models.Message
	_, err := c.do(ctx, "GET", "/messages", nil, &msgs)
	return msgs, err
}

func (c *Client) ConversationMessages(ctx context.Context, self, counterpart int) ([]models.Message, error) {
	var msgs []models.Message
	_, err := c.do(ctx, "GET", fmt.Sprintf("/conversations/%d/messages", counterpart), nil, &msgs)
	return msgs, err
}

func (c *Client) MarkRead(ctx context.Context, self int, ids []int64) (int64, error) {
	var resp handlers.ReadResponse
	_, err := c.do(ctx, "POST", "/messages/read", handlers.ReadRequest{IDs: ids}, &resp)
	return resp.Updated, err
}

// Conversations returns the relay's aggregation of the user's messages.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	_, err := c.do(ctx, "GET", "/conversations", nil, &convs)
	return convs, err
}
