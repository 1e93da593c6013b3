package handlers

import (
	"net/http"

	"gopkg.in/op/go-logging.v1"

	"github.com/pliu/sealedchat/internal/crypto"
	"github.com/pliu/sealedchat/internal/store"
)

// KeyRequest carries an exported public key. Body is base64 in JSON.
type KeyRequest struct {
	PublicKey []byte `json:"public_key"`
}

// KeyHandler is the public key directory.
type KeyHandler struct {
	Store store.Store
	Log   *logging.Logger
}

// PutKey publishes the caller's public key, replacing any previous one.
func (h *KeyHandler) PutKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req KeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pk, err := crypto.ImportPublicKey(req.PublicKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.Store.SetPublicKey(r.Context(), userID, req.PublicKey); err != nil {
		serverError(w, h.Log, "set public key", err)
		return
	}
	h.Log.Infof("User %d published key %s", userID, pk.Fingerprint())
	w.WriteHeader(http.StatusNoContent)
}

// DeleteKey withdraws the caller's public key. Senders fall back to
// plaintext until a new key is published.
func (h *KeyHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	if err := h.Store.SetPublicKey(r.Context(), userID, nil); err != nil {
		serverError(w, h.Log, "delete public key", err)
		return
	}
	h.Log.Noticef("User %d withdrew their public key", userID)
	w.WriteHeader(http.StatusNoContent)
}

// GetKey returns a user's public key, or 404 if they never published one.
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	key, found, err := h.Store.GetPublicKey(r.Context(), id)
	if err != nil {
		serverError(w, h.Log, "get public key", err)
		return
	}
	if !found {
		http.Error(w, "No public key", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, KeyRequest{PublicKey: key})
}
