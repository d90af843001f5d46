// Package relay is the reference backend: messages and profiles tables with
// filter-based CRUD, path-keyed object storage, and a realtime channel
// fanning row changes and typing broadcasts to connected clients.
package relay

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/whisper-chat/whisper/internal/relay/auth"
	"github.com/whisper-chat/whisper/internal/relay/handlers"
	"github.com/whisper-chat/whisper/internal/relay/hub"
	"github.com/whisper-chat/whisper/internal/relay/store"
)

type Server struct {
	Store  store.Store
	Hub    *hub.Hub
	Issuer *auth.TokenIssuer
}

// New wires a relay over the given store. The caller owns the store's
// lifetime; the hub goroutine starts here and runs for the process lifetime.
func New(st store.Store, secret []byte) *Server {
	s := &Server{
		Store:  st,
		Hub:    hub.NewHub(),
		Issuer: auth.NewTokenIssuer(secret),
	}
	go s.Hub.Run()
	return s
}

// Router builds the full HTTP surface.
func (s *Server) Router() *mux.Router {
	authHandler := &handlers.AuthHandler{Store: s.Store, Issuer: s.Issuer}
	messageHandler := &handlers.MessageHandler{Store: s.Store, Hub: s.Hub}
	profileHandler := &handlers.ProfileHandler{Store: s.Store, Hub: s.Hub}
	objectHandler := &handlers.ObjectHandler{Store: s.Store}

	r := mux.NewRouter()
	r.HandleFunc("/auth/anonymous", authHandler.Anonymous).Methods("POST")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	api := r.NewRoute().Subrouter()
	api.Use(s.Issuer.Middleware)

	api.HandleFunc("/messages", messageHandler.Insert).Methods("POST")
	api.HandleFunc("/messages", messageHandler.List).Methods("GET")
	api.HandleFunc("/messages/read", messageHandler.MarkRead).Methods("POST")
	api.HandleFunc("/messages/unread", messageHandler.Unread).Methods("GET")
	api.HandleFunc("/messages/pending-files", messageHandler.PendingFiles).Methods("GET")
	api.HandleFunc("/messages/{id:[0-9]+}", messageHandler.Update).Methods("PATCH")

	api.HandleFunc("/profiles", profileHandler.List).Methods("GET")
	api.HandleFunc("/profiles/{id}", profileHandler.Get).Methods("GET")
	api.HandleFunc("/profiles/{id}", profileHandler.Upsert).Methods("PUT")

	api.HandleFunc("/objects/{path:.+}", objectHandler.Put).Methods("POST")
	api.HandleFunc("/objects/{path:.+}", objectHandler.Get).Methods("GET")
	api.HandleFunc("/objects/{path:.+}", objectHandler.Delete).Methods("DELETE")

	api.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWs(s.Hub, w, r, auth.UserID(r))
	}).Methods("GET")

	return r
}
