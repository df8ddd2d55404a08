package http

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"palaver/internal/api"

	"github.com/gorilla/mux"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminRouter(h *api.AdminHandler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/admin/ui-users", h.AddUIUserHandler).Methods(http.MethodPost)
	r.HandleFunc("/admin/owners", h.AddOwnerHandler).Methods(http.MethodPost)
	r.HandleFunc("/admin/owners/{proto}", h.RemoveOwnerHandler).Methods(http.MethodDelete)
	r.HandleFunc("/admin/owners/{proto}/logon", h.LogonHandler).Methods(http.MethodPost)
	r.HandleFunc("/admin/owners/{proto}/logoff", h.LogoffHandler).Methods(http.MethodPost)
	r.HandleFunc("/admin/owners/{proto}/switch", h.SwitchServerHandler).Methods(http.MethodPost)
	r.HandleFunc("/admin/contacts", h.AddContactHandler).Methods(http.MethodPost)
	r.HandleFunc("/admin/stats/reset", h.ResetStatsHandler).Methods(http.MethodPost)
	return r
}

// NewAdminServer serves the admin API. It should only listen on loopback.
func NewAdminServer(h *api.AdminHandler, addr string) *AdminServer {
	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: NewAdminRouter(h),
		},
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
