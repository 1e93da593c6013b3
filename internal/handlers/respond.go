package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"gopkg.in/op/go-logging.v1"

	"github.com/pliu/sealedchat/internal/middleware"
	"github.com/pliu/sealedchat/internal/store"
)

// maxBodySize bounds request bodies. It leaves room for a maximum size
// ciphertext after base64 in JSON.
const maxBodySize = 256 << 10

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// serverError hides store failures from the caller and logs them instead.
func serverError(w http.ResponseWriter, l *logging.Logger, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	l.Errorf("%s: %v", op, err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func currentUser(w http.ResponseWriter, r *http.Request) (int, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return userID, ok
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id <= 0 {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
