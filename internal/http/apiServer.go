package http

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"palaver/internal/api"
	"palaver/internal/ws"

	"github.com/gorilla/mux"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIRouter lays out the front-end routes. Everything but login needs a
// token.
func NewAPIRouter(h *api.API, wsServer *ws.Server) *mux.Router {
	r := mux.NewRouter()
	r.Use(api.RequireSameOrigin)

	r.HandleFunc("/api/login", h.LoginHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/logoff", h.LogoffHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/push/key", h.PushKeyHandler).Methods(http.MethodGet)
	// The websocket handshake authenticates on its own.
	r.HandleFunc("/api/ws", wsServer.HandleConnections).Methods(http.MethodGet)

	s := r.PathPrefix("/api").Subrouter()
	s.Use(h.RequireAuth)

	s.HandleFunc("/contacts", h.ContactsHandler).Methods(http.MethodGet)
	s.HandleFunc("/contacts", h.AddContactHandler).Methods(http.MethodPost)
	s.HandleFunc("/contacts/{proto}/{account}", h.RemoveContactHandler).Methods(http.MethodDelete)
	s.HandleFunc("/contacts/{proto}/{account}", h.RenameContactHandler).Methods(http.MethodPatch)
	s.HandleFunc("/contacts/{proto}/{account}/groups", h.ContactGroupHandler).Methods(http.MethodPost)
	s.HandleFunc("/contacts/{proto}/{account}/pending", h.PendingHandler).Methods(http.MethodPost)

	s.HandleFunc("/groups", h.GroupsHandler).Methods(http.MethodGet)
	s.HandleFunc("/groups", h.AddGroupHandler).Methods(http.MethodPost)
	s.HandleFunc("/groups/{id:[0-9]+}", h.RenameGroupHandler).Methods(http.MethodPatch)
	s.HandleFunc("/groups/{id:[0-9]+}", h.RemoveGroupHandler).Methods(http.MethodDelete)
	s.HandleFunc("/groups/{id:[0-9]+}/move", h.MoveGroupHandler).Methods(http.MethodPost)

	s.HandleFunc("/owners", h.OwnersHandler).Methods(http.MethodGet)
	s.HandleFunc("/owners/{proto}/status", h.OwnerStatusHandler).Methods(http.MethodPost)

	s.HandleFunc("/messages", h.SendMessageHandler).Methods(http.MethodPost)
	s.HandleFunc("/events/{id:[0-9]+}", h.WaitEventHandler).Methods(http.MethodGet)
	s.HandleFunc("/events/{id:[0-9]+}", h.CancelEventHandler).Methods(http.MethodDelete)
	s.HandleFunc("/history/{proto}/{account}", h.HistoryHandler).Methods(http.MethodGet)

	s.HandleFunc("/files", h.UploadFileHandler).Methods(http.MethodPost)
	s.HandleFunc("/files/{id}", h.DownloadFileHandler).Methods(http.MethodGet)
	s.HandleFunc("/files/{id}", h.DeleteFileHandler).Methods(http.MethodDelete)
	s.HandleFunc("/push/subscribe", h.PushSubscribeHandler).Methods(http.MethodPost)
	s.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)

	return r
}

func NewAPIServer(h *api.API, wsServer *ws.Server, addr string) *APIServer {
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           NewAPIRouter(h, wsServer),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
