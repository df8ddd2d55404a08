// Package api implements the HTTP handlers of the web front end and the
// local admin interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"palaver/internal/auth"
	"palaver/internal/daemon"
	"palaver/internal/filestore"
	"palaver/internal/models"
	"palaver/internal/registry"
	"palaver/internal/storage"
)

// Store is what the handlers persist outside the contact list.
type Store interface {
	UpsertPushSubscription(sub storage.PushSubscription) error
	UpsertFileMetadata(meta storage.FileMetadata) error
	GetFileMetadata(id string) (storage.FileMetadata, error)
	DeleteFileMetadata(id string) (storage.FileMetadata, bool, error)
}

type Config struct {
	Auth           *auth.AuthService
	Daemon         *daemon.Daemon
	Files          filestore.FileStore
	Store          Store
	VAPIDPublicKey string
}

type API struct {
	auth     *auth.AuthService
	d        *daemon.Daemon
	files    filestore.FileStore
	store    Store
	vapidKey string
}

func New(cfg Config) *API {
	return &API{
		auth:     cfg.Auth,
		d:        cfg.Daemon,
		files:    cfg.Files,
		store:    cfg.Store,
		vapidKey: cfg.VAPIDPublicKey,
	}
}

type ctxKey struct{}

func withUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// UserID returns the front-end user authenticated by RequireAuth.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.APIResponse{Success: false, Message: msg})
}

// statusOf maps daemon and registry errors to HTTP codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, registry.ErrGroupNotFound),
		errors.Is(err, filestore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrExists),
		errors.Is(err, registry.ErrGroupExists),
		errors.Is(err, registry.ErrOwnerOnline),
		errors.Is(err, auth.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, daemon.ErrUnknownProtocol),
		errors.Is(err, daemon.ErrNoOwner),
		errors.Is(err, daemon.ErrEmptyMessage):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth rejects requests without a live token.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.auth.GetUserID(getToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), id)))
	})
}

// RequireSameOrigin rejects cross-site state changes. Requests without an
// Origin header come from non-browser clients and pass.
func RequireSameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				writeError(w, http.StatusForbidden, "Cross-origin request refused")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// Support both JSON and Form (since login pages post forms)
	if r.Header.Get("Content-Type") == "application/json" {
		if !decodeJSON(w, r, &req) {
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "Failed to parse form")
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	loginResp, userID := a.auth.Login(req)
	if !loginResp.Success {
		writeJSON(w, http.StatusUnauthorized, loginResp)
		return
	}
	slog.Info("front-end user logged in", "user_id", userID)

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})
	writeJSON(w, http.StatusOK, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := getToken(r); token != "" {
		if err := a.auth.Logoff(token); err != nil {
			slog.Warn("failed to log off", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.d.Stats())
}

type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// PushSubscribeHandler takes the browser's PushSubscription JSON as is.
func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req pushSubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "Endpoint and keys are required")
		return
	}
	sub := storage.PushSubscription{
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
		UserID:   UserID(r.Context()),
	}
	if err := a.store.UpsertPushSubscription(sub); err != nil {
		slog.Error("failed to store push subscription", "user_id", sub.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store subscription")
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.vapidKey == "" {
		writeError(w, http.StatusNotFound, "Push notifications are disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.vapidKey})
}
