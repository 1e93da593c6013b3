package ws

import (
	"encoding/json"

	"gopkg.in/op/go-logging.v1"

	"github.com/pliu/sealedchat/internal/log"
	"github.com/pliu/sealedchat/internal/metrics"
	"github.com/pliu/sealedchat/internal/models"
)

// notification is a payload addressed to every connection of one user.
type notification struct {
	userID  int
	payload []byte
}

// Hub fans notifications out to connected clients. Notifications carry no
// message content; clients refetch from the store when one arrives.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Outbound notifications.
	notify chan notification

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	quit chan struct{}

	log     *logging.Logger
	metrics *metrics.Metrics
}

func NewHub(l *logging.Logger, m *metrics.Metrics) *Hub {
	if l == nil {
		l = log.Discard().GetLogger("ws")
	}
	return &Hub{
		notify:     make(chan notification, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		quit:       make(chan struct{}),
		log:        l,
		metrics:    m,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.log.Debugf("Client for user %d connected, %d connected", client.userID, len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case n := <-h.notify:
			for client := range h.clients {
				if client.userID != n.userID {
					continue
				}
				select {
				case client.send <- n.payload:
					h.metrics.NotificationSent()
				default:
					// Slow client; it will refetch on reconnect.
					h.log.Warningf("Dropping slow client for user %d", client.userID)
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Stop disconnects every client and ends Run.
func (h *Hub) Stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
}

// Notify queues n for every connection of userID. It never blocks the
// caller on a slow hub: notifications are hints, and a dropped one is
// recovered by the next refetch.
func (h *Hub) Notify(userID int, n models.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		h.log.Errorf("Encoding notification: %v", err)
		return
	}
	select {
	case h.notify <- notification{userID: userID, payload: payload}:
	case <-h.quit:
	default:
		h.log.Warningf("Notification queue full, dropping %s for user %d", n.Type, userID)
	}
}
