package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/sealedchat/internal/metrics"
	"github.com/pliu/sealedchat/internal/models"
)

func TestHubRun(t *testing.T) {
	hub := NewHub(nil, metrics.New())
	go hub.Run()
	defer hub.Stop()

	alice := &Client{hub: hub, send: make(chan []byte, 1), userID: 1}
	bob := &Client{hub: hub, send: make(chan []byte, 1), userID: 2}
	hub.register <- alice
	hub.register <- bob

	hub.Notify(2, models.Notification{Type: models.NotificationNewMessage, ConversationWith: 1, MessageID: 9})

	select {
	case raw := <-bob.send:
		var n models.Notification
		require.NoError(t, json.Unmarshal(raw, &n))
		assert.Equal(t, models.NotificationNewMessage, n.Type)
		assert.Equal(t, 1, n.ConversationWith)
		assert.EqualValues(t, 9, n.MessageID)
	case <-time.After(time.Second):
		t.Fatal("bob was not notified")
	}

	select {
	case <-alice.send:
		t.Fatal("alice should not be notified")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub(nil, nil)
	go hub.Run()
	defer hub.Stop()

	slow := &Client{hub: hub, send: make(chan []byte, 1), userID: 1}
	slow.send <- []byte("backlog")
	observer := &Client{hub: hub, send: make(chan []byte, 1), userID: 2}
	hub.register <- slow
	hub.register <- observer

	hub.Notify(1, models.Notification{Type: models.NotificationRead})
	// The hub handles notifications in order, so once the observer hears its
	// own, the slow client has been dealt with.
	hub.Notify(2, models.Notification{Type: models.NotificationRead})
	<-observer.send

	require.Equal(t, "backlog", string(<-slow.send))
	select {
	case _, ok := <-slow.send:
		assert.False(t, ok, "send channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("slow client was not dropped")
	}
}

func TestHubStop(t *testing.T) {
	hub := NewHub(nil, nil)
	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	c := &Client{hub: hub, send: make(chan []byte, 1), userID: 1}
	hub.register <- c

	hub.Stop()
	hub.Stop()
	<-done

	_, ok := <-c.send
	assert.False(t, ok)

	// Notify after Stop must not block.
	hub.Notify(1, models.Notification{Type: models.NotificationRead})
}

func TestServeWs(t *testing.T) {
	hub := NewHub(nil, nil)
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r, 5)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration races the dial returning; keep notifying until one lands.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	received := make(chan models.Notification, 1)
	go func() {
		var n models.Notification
		if err := conn.ReadJSON(&n); err == nil {
			received <- n
		}
	}()

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case n := <-received:
			assert.Equal(t, 3, n.ConversationWith)
			return
		case <-tick.C:
			hub.Notify(5, models.Notification{Type: models.NotificationNewMessage, ConversationWith: 3})
		case <-deadline:
			t.Fatal("no notification over websocket")
		}
	}
}
