package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"palaver/internal/auth"
	"palaver/internal/content"
	"palaver/internal/daemon"
	"palaver/internal/models"

	"github.com/gorilla/mux"
)

// AdminHandler serves the local-only administration endpoints.
type AdminHandler struct {
	authService *auth.AuthService
	d           *daemon.Daemon
}

func NewAdminHandler(authService *auth.AuthService, d *daemon.Daemon) *AdminHandler {
	return &AdminHandler{authService: authService, d: d}
}

type AddUIUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AddUIUserResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
}

// AddUIUserHandler creates a web front-end login.
func (h *AdminHandler) AddUIUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUIUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := content.ValidateUsername(req.Username); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	creds, err := h.authService.AddUser(req.Username, req.Password)
	if err != nil {
		writeJSON(w, statusOf(err), AddUIUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}
	slog.Info("front-end user added", "user_id", creds.UserID, "username", creds.Username)
	writeJSON(w, http.StatusCreated, AddUIUserResponse{
		Success:  true,
		UserID:   creds.UserID,
		Username: creds.Username,
	})
}

// AddOwnerRequest registers the local account of a network. Servers are
// "host:port" strings.
type AddOwnerRequest struct {
	Protocol     string   `json:"protocol"`
	Account      string   `json:"account"`
	Password     string   `json:"password,omitempty"`
	Alias        string   `json:"alias,omitempty"`
	Status       string   `json:"status,omitempty"`
	AutoResponse string   `json:"autoResponse,omitempty"`
	Servers      []string `json:"servers,omitempty"`
}

func (req AddOwnerRequest) Owner() (models.Owner, error) {
	user, err := AddContactRequest{Protocol: req.Protocol, Account: req.Account}.userID()
	if err != nil {
		return models.Owner{}, err
	}
	o := models.Owner{
		User:     models.User{ID: user, Alias: req.Alias},
		Password: req.Password,
	}
	o.Settings.AutoResponse = req.AutoResponse
	if req.Status != "" {
		if o.DesiredStatus, err = models.ParseStatus(req.Status); err != nil {
			return models.Owner{}, err
		}
	}
	for _, s := range req.Servers {
		srv, err := models.ParseServer(s)
		if err != nil {
			return models.Owner{}, err
		}
		o.Servers = append(o.Servers, srv)
	}
	return o, nil
}

func (h *AdminHandler) AddOwnerHandler(w http.ResponseWriter, r *http.Request) {
	var req AddOwnerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	o, err := req.Owner()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.d.AddOwner(o); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Message: fmt.Sprintf("Owner %s saved", o.ID)})
}

func (h *AdminHandler) RemoveOwnerHandler(w http.ResponseWriter, r *http.Request) {
	p, err := models.ParseProtocol(mux.Vars(r)["proto"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.d.RemoveOwner(p); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (h *AdminHandler) LogonHandler(w http.ResponseWriter, r *http.Request) {
	p, err := models.ParseProtocol(mux.Vars(r)["proto"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st := models.StatusOnline
	if s := r.URL.Query().Get("status"); s != "" {
		if st, err = models.ParseStatus(s); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	id, err := h.d.Logon(p, st)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, eventIDResponse{Success: true, EventID: id})
}

func (h *AdminHandler) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	p, err := models.ParseProtocol(mux.Vars(r)["proto"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.d.Logoff(p)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, eventIDResponse{Success: true, EventID: id})
}

func (h *AdminHandler) SwitchServerHandler(w http.ResponseWriter, r *http.Request) {
	p, err := models.ParseProtocol(mux.Vars(r)["proto"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.d.SwitchServer(p)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, eventIDResponse{Success: true, EventID: id})
}

func (h *AdminHandler) AddContactHandler(w http.ResponseWriter, r *http.Request) {
	var req AddContactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := req.userID()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.d.AddUser(user, req.Alias, req.GroupID)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, eventIDResponse{Success: true, EventID: id})
}

// ResetStatsHandler zeroes the daemon counters and returns their last
// values.
func (h *AdminHandler) ResetStatsHandler(w http.ResponseWriter, r *http.Request) {
	s := h.d.Stats()
	h.d.ResetStats()
	writeJSON(w, http.StatusOK, s)
}
