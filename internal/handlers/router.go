package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"gopkg.in/op/go-logging.v1"

	"github.com/pliu/sealedchat/internal/log"
	"github.com/pliu/sealedchat/internal/metrics"
	"github.com/pliu/sealedchat/internal/middleware"
	"github.com/pliu/sealedchat/internal/store"
	"github.com/pliu/sealedchat/internal/ws"
)

type RouterConfig struct {
	Store   store.Store
	Hub     *ws.Hub
	Log     *logging.Logger
	Metrics *metrics.Metrics

	// ExposeMetrics serves Metrics on /metrics.
	ExposeMetrics bool

	SessionTTL time.Duration
}

func NewRouter(cfg RouterConfig) *mux.Router {
	l := cfg.Log
	if l == nil {
		l = log.Discard().GetLogger("http")
	}

	authHandler := &AuthHandler{Store: cfg.Store, Log: l, SessionTTL: cfg.SessionTTL}
	keyHandler := &KeyHandler{Store: cfg.Store, Log: l}
	messageHandler := &MessageHandler{Store: cfg.Store, Hub: cfg.Hub, Log: l, Metrics: cfg.Metrics}

	r := mux.NewRouter()
	r.Use(middleware.Logging(l))

	r.HandleFunc("/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/login", authHandler.Login).Methods("POST")

	if cfg.ExposeMetrics && cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler()).Methods("GET")
	}

	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware)
	api.HandleFunc("/users/search", authHandler.SearchUsers).Methods("GET")
	api.HandleFunc("/users/{id}", authHandler.GetUser).Methods("GET")
	api.HandleFunc("/users/{id}/key", keyHandler.GetKey).Methods("GET")
	api.HandleFunc("/keys", keyHandler.PutKey).Methods("PUT")
	api.HandleFunc("/keys", keyHandler.DeleteKey).Methods("DELETE")
	api.HandleFunc("/messages", messageHandler.Send).Methods("POST")
	api.HandleFunc("/messages", messageHandler.List).Methods("GET")
	api.HandleFunc("/messages/read", messageHandler.MarkRead).Methods("POST")
	api.HandleFunc("/conversations", messageHandler.Conversations).Methods("GET")
	api.HandleFunc("/conversations/{id}/messages", messageHandler.ConversationMessages).Methods("GET")

	if cfg.Hub != nil {
		api.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := currentUser(w, r)
			if !ok {
				return
			}
			ws.ServeWs(cfg.Hub, w, r, userID)
		})
	}

	return r
}
