package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/op/go-logging.v1"

	"github.com/pliu/sealedchat/internal/auth"
	"github.com/pliu/sealedchat/internal/models"
	"github.com/pliu/sealedchat/internal/store"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SignupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthHandler struct {
	Store      store.Store
	Log        *logging.Logger
	SessionTTL time.Duration
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		req.Email = req.Username + "@localhost"
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	user := &models.User{
		Username: req.Username,
		Email:    req.Email,
		Password: string(hashedPassword),
	}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		http.Error(w, "Username already exists", http.StatusConflict)
		return
	}

	h.Log.Infof("Created user %d (%s)", user.ID, user.Username)
	writeJSON(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if !decodeJSON(w, r, &creds) {
		return
	}

	user, err := h.Store.GetUserByUsername(r.Context(), creds.Username)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		serverError(w, h.Log, "login", err)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(creds.Password)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	ttl := h.SessionTTL
	if ttl <= 0 {
		ttl = auth.DefaultSessionTTL
	}
	http.SetCookie(w, auth.SessionCookie(user.ID, ttl))
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusOK, []models.User{})
		return
	}

	users, err := h.Store.SearchUsers(r.Context(), query)
	if err != nil {
		serverError(w, h.Log, "search users", err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// GetUser returns a user's public profile, including their public key if
// they have published one.
func (h *AuthHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	user, err := h.Store.GetUserByID(r.Context(), id)
	if err != nil {
		serverError(w, h.Log, "get user", err)
		return
	}
	user.Email = ""
	writeJSON(w, http.StatusOK, user)
}
