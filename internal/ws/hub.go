package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"palaver/internal/content"
	"palaver/internal/daemon"
	"palaver/internal/models"
	"palaver/internal/signal"
)

const clientBuffer = 100

var errEmptyAccount = errors.New("contact account is required")

// Daemon is the part of the daemon the web front end drives.
type Daemon interface {
	PluginRegister(name string, mask signal.Kind) *signal.Plugin
	PluginUnregister(p *signal.Plugin)
	SendMessage(user models.UserID, text string, opts daemon.SendOptions) (uint64, error)
	CancelEvent(id uint64) bool
	SetStatus(p models.ProtocolID, status models.Status, text string) (uint64, error)
	UIViewEvent(user models.UserID)
	PopPendingEvent(user models.UserID) (models.UserEvent, bool)
}

// Hub is the web front end's signal plugin. Every signal it gets from the
// bus is fanned out to all connected clients.
type Hub struct {
	d      Daemon
	plugin *signal.Plugin

	// Map of clientID -> Connection channel
	clients map[string]chan models.ServerMessage
	closed  bool

	mu sync.RWMutex
}

func NewHub(d Daemon) *Hub {
	return &Hub{
		d:       d,
		plugin:  d.PluginRegister("ws", signal.All),
		clients: make(map[string]chan models.ServerMessage),
	}
}

// Run forwards bus signals until ctx is done. On return the plugin is
// unregistered and every client channel is closed.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.plugin.Wake():
			for _, s := range h.plugin.Drain() {
				h.broadcast(signalMessage(s))
			}
		}
	}
}

func (h *Hub) shutdown() {
	h.d.PluginUnregister(h.plugin)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}

func (h *Hub) Join(clientID string) chan models.ServerMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan models.ServerMessage, clientBuffer)
	if h.closed {
		close(ch)
		return ch
	}
	if old, ok := h.clients[clientID]; ok {
		close(old)
	}
	h.clients[clientID] = ch
	return ch
}

func (h *Hub) Leave(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[clientID]; ok {
		close(ch)
		delete(h.clients, clientID)
	}
}

// Connected reports how many clients are attached.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg models.ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			slog.Warn("client too slow, dropping signal", "client_id", id, "signal_id", msg.SignalID)
		}
	}
}

func (h *Hub) send(clientID string, msg models.ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch, ok := h.clients[clientID]
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		slog.Warn("client too slow, dropping reply", "client_id", clientID, "type", msg.Type)
	}
}

// Dispatch runs a client request against the daemon and replies to that
// client only.
func (h *Hub) Dispatch(clientID string, msg models.ClientMessage) {
	reply, err := h.handle(msg)
	if err != nil {
		slog.Warn("client request failed", "client_id", clientID, "type", msg.Type, "error", err)
		h.send(clientID, models.ServerMessage{Type: models.ServerMessageTypeError, Text: err.Error()})
		return
	}
	h.send(clientID, reply)
}

func (h *Hub) handle(msg models.ClientMessage) (models.ServerMessage, error) {
	ack := models.ServerMessage{Type: models.ServerMessageTypeAck}

	switch msg.Type {
	case models.ClientMessageTypeSend:
		if msg.Account == "" {
			return ack, errEmptyAccount
		}
		id, err := h.d.SendMessage(msg.UserID(), msg.Content, daemon.SendOptions{})
		if err != nil {
			return ack, err
		}
		ack.EventID = id

	case models.ClientMessageTypeCancel:
		if !h.d.CancelEvent(msg.EventID) {
			return ack, errors.New("event is not pending")
		}
		ack.EventID = msg.EventID

	case models.ClientMessageTypeStatus:
		st, err := models.ParseStatus(msg.Status)
		if err != nil {
			return ack, err
		}
		id, err := h.d.SetStatus(msg.Protocol, st, msg.Content)
		if err != nil {
			return ack, err
		}
		ack.EventID = id

	case models.ClientMessageTypeView:
		if msg.Account == "" {
			return ack, errEmptyAccount
		}
		user := msg.UserID()
		ue, ok := h.d.PopPendingEvent(user)
		if !ok {
			return ack, errors.New("no pending events")
		}
		h.d.UIViewEvent(user)
		ack.User = &user
		ack.Events = []models.FlatEvent{renderEvent(user, ue)}

	default:
		return ack, errors.New("unknown message type")
	}

	return ack, nil
}

func renderEvent(user models.UserID, ue models.UserEvent) models.FlatEvent {
	f := ue.Flatten()
	f.User = &user
	if f.Text != "" {
		f.HTML = content.Render(f.Text)
	}
	return f
}

func signalMessage(s signal.Signal) models.ServerMessage {
	msg := models.ServerMessage{
		Type:     models.ServerMessageTypeSignal,
		SignalID: s.ID,
		Kind:     s.Kind.String(),
		Sub:      s.Sub.String(),
		Arg:      s.Arg,
		Text:     s.Text,
	}
	if !s.User.IsZero() {
		user := s.User
		msg.User = &user
	}
	if s.Done != nil {
		msg.EventID = s.Done.ID
		msg.Result = s.Done.Result.String()
		if s.Done.Err != "" {
			msg.Text = s.Done.Err
		}
	}
	return msg
}
