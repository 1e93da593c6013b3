package handlers

import (
	"net/http"

	"gopkg.in/op/go-logging.v1"

	"github.com/pliu/sealedchat/internal/conversation"
	"github.com/pliu/sealedchat/internal/crypto"
	"github.com/pliu/sealedchat/internal/metrics"
	"github.com/pliu/sealedchat/internal/models"
	"github.com/pliu/sealedchat/internal/store"
	"github.com/pliu/sealedchat/internal/ws"
)

type SendRequest struct {
	RecipientID int            `json:"recipient_id"`
	Payload     models.Payload `json:"payload"`
}

type ReadRequest struct {
	IDs []int64 `json:"ids"`
}

type ReadResponse struct {
	Updated int64 `json:"updated"`
}

// MessageHandler stores and serves messages. It never looks inside a
// payload beyond its kind and size.
type MessageHandler struct {
	Store   store.Store
	Hub     *ws.Hub
	Log     *logging.Logger
	Metrics *metrics.Metrics
}

func (h *MessageHandler) notify(userID int, n models.Notification) {
	if h.Hub != nil {
		h.Hub.Notify(userID, n)
	}
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req SendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Payload.Kind.Valid() {
		http.Error(w, "Invalid payload kind", http.StatusBadRequest)
		return
	}
	if req.RecipientID == userID {
		http.Error(w, "Cannot message yourself", http.StatusBadRequest)
		return
	}
	if len(req.Payload.Body) == 0 {
		http.Error(w, "Empty payload", http.StatusBadRequest)
		return
	}
	if !req.Payload.IsEncrypted() {
		if err := crypto.ValidatePlaintext(req.Payload.Body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if _, err := h.Store.GetUserByID(r.Context(), req.RecipientID); err != nil {
		serverError(w, h.Log, "send", err)
		return
	}

	m := &models.Message{
		SenderID:    userID,
		RecipientID: req.RecipientID,
		Payload:     req.Payload,
	}
	if err := h.Store.SaveMessage(r.Context(), m); err != nil {
		serverError(w, h.Log, "save message", err)
		return
	}
	h.Metrics.MessageStored(string(m.Payload.Kind))
	h.Log.Debugf("Stored %s message %d from %d to %d", m.Payload.Kind, m.ID, m.SenderID, m.RecipientID)

	h.notify(m.RecipientID, models.Notification{Type: models.NotificationNewMessage, ConversationWith: m.SenderID, MessageID: m.ID})
	h.notify(m.SenderID, models.Notification{Type: models.NotificationNewMessage, ConversationWith: m.RecipientID, MessageID: m.ID})

	writeJSON(w, http.StatusCreated, m)
}

// List returns every message the caller sent or received.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	messages, err := h.Store.UserMessages(r.Context(), userID)
	if err != nil {
		serverError(w, h.Log, "list messages", err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *MessageHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	messages, err := h.Store.UserMessages(r.Context(), userID)
	if err != nil {
		serverError(w, h.Log, "list conversations", err)
		return
	}
	convs := conversation.Aggregate(userID, messages)
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *MessageHandler) ConversationMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	counterpart, ok := pathID(w, r)
	if !ok {
		return
	}
	messages, err := h.Store.ConversationMessages(r.Context(), userID, counterpart)
	if err != nil {
		serverError(w, h.Log, "conversation messages", err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// MarkRead flags messages addressed to the caller as read. Ids the caller
// did not receive, or that are already read, are ignored.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req ReadRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	n, err := h.Store.MarkRead(r.Context(), userID, req.IDs)
	if err != nil {
		serverError(w, h.Log, "mark read", err)
		return
	}
	if n > 0 {
		h.Metrics.MarkedRead(n)
		h.notify(userID, models.Notification{Type: models.NotificationRead})
	}
	writeJSON(w, http.StatusOK, ReadResponse{Updated: n})
}
