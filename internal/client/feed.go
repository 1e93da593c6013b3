package client

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/pliu/sealedchat/internal/models"
)

// Subscribe opens the change feed. The returned channel is closed when
// ctx is done or the connection drops; callers reconnect and refetch.
func (c *Client) Subscribe(ctx context.Context) (<-chan models.Notification, error) {
	cookie := c.sessionCookie()
	if cookie == nil {
		return nil, ErrUnauthorized
	}

	header := http.Header{}
	header.Set("Cookie", cookie.String())

	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: "websocket handshake refused"}
		}
		return nil, err
	}

	out := make(chan models.Notification, 16)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(out)
		defer close(done)
		defer conn.Close()
		for {
			var n models.Notification
			if err := conn.ReadJSON(&n); err != nil {
				if ctx.Err() == nil && !errors.Is(err, websocket.ErrCloseSent) {
					c.log.Noticef("Change feed closed: %v", err)
				}
				return
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			default:
				// The consumer refetches everything on the next one.
				c.log.Debugf("Dropping %s notification, consumer busy", n.Type)
			}
		}
	}()
	return out, nil
}
