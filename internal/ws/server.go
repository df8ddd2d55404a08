package ws

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type tokenResolver interface {
	GetUserID(token string) (string, error)
}

type Server struct {
	auth     tokenResolver
	hub      messageHub
	upgrader *websocket.Upgrader
}

func NewServer(auth tokenResolver, hub messageHub) *Server {
	return &Server{
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleConnections upgrades an authenticated request and serves it until
// either side goes away. Browsers cannot set headers on a websocket
// handshake, so the token may also come as a query parameter.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID, err := s.auth.GetUserID(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "user_id", userID, "error", err)
		return
	}

	clientID := userID + "/" + uuid.NewString()
	slog.Info("websocket client connected", "client_id", clientID)
	if err := NewConnection(s.hub, ws, clientID).Handle(r.Context()); err != nil {
		slog.Debug("websocket client gone", "client_id", clientID, "error", err)
		return
	}
	slog.Info("websocket client disconnected", "client_id", clientID)
}
