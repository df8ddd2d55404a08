package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"palaver/internal/daemon"
	"palaver/internal/event"
	"palaver/internal/models"
	"palaver/internal/signal"

	"github.com/stretchr/testify/require"
)

type fakeDaemon struct {
	bus *signal.Bus

	mu       sync.Mutex
	sent     []string
	statuses []models.Status
	viewed   []models.UserID
	pending  map[models.UserID][]models.UserEvent
	sendErr  error
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		bus:     signal.NewBus(),
		pending: make(map[models.UserID][]models.UserEvent),
	}
}

func (f *fakeDaemon) PluginRegister(name string, mask signal.Kind) *signal.Plugin {
	return f.bus.Register(name, mask)
}

func (f *fakeDaemon) PluginUnregister(p *signal.Plugin) {
	f.bus.Unregister(p)
}

func (f *fakeDaemon) SendMessage(user models.UserID, text string, _ daemon.SendOptions) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent = append(f.sent, user.Key()+":"+text)
	return uint64(len(f.sent)), nil
}

func (f *fakeDaemon) CancelEvent(id uint64) bool {
	return id == 7
}

func (f *fakeDaemon) SetStatus(_ models.ProtocolID, status models.Status, _ string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return 42, nil
}

func (f *fakeDaemon) UIViewEvent(user models.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewed = append(f.viewed, user)
}

func (f *fakeDaemon) PopPendingEvent(user models.UserID) (models.UserEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.pending[user]
	if len(q) == 0 {
		return models.UserEvent{}, false
	}
	f.pending[user] = q[1:]
	return q[0], true
}

func receive(t *testing.T, ch chan models.ServerMessage) models.ServerMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for server message")
	}
	return models.ServerMessage{}
}

func TestHub_Signals(t *testing.T) {
	d := newFakeDaemon()
	h := NewHub(d)
	require.Equal(t, []string{"ws"}, d.bus.Plugins())

	ch1 := h.Join("c1")
	ch2 := h.Join("c2")
	require.Equal(t, 2, h.Connected())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- h.Run(ctx) }()

	bob := models.UserID{Protocol: models.ProtocolIRC, Account: "bob"}
	d.bus.Push(signal.New(signal.UserUpdated, signal.SubStatus, bob, 1))

	for _, ch := range []chan models.ServerMessage{ch1, ch2} {
		msg := receive(t, ch)
		require.Equal(t, models.ServerMessageTypeSignal, msg.Type)
		require.Equal(t, "user_updated", msg.Kind)
		require.Equal(t, "status", msg.Sub)
		require.Equal(t, &bob, msg.User)
		require.Equal(t, int64(1), msg.Arg)
	}

	t.Run("EventDone", func(t *testing.T) {
		d.bus.Push(signal.NewDone(event.Done{ID: 5, User: bob, Result: event.Failed, Err: "no route"}))
		msg := receive(t, ch1)
		require.Equal(t, "event_done", msg.Kind)
		require.Equal(t, uint64(5), msg.EventID)
		require.Equal(t, "failed", msg.Result)
		require.Equal(t, "no route", msg.Text)
		receive(t, ch2)
	})

	t.Run("Leave", func(t *testing.T) {
		h.Leave("c1")
		_, ok := <-ch1
		require.False(t, ok)
		require.Equal(t, 1, h.Connected())
	})

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, ok := <-ch2
	require.False(t, ok, "client channels are closed on shutdown")
	require.Empty(t, d.bus.Plugins())

	// A late join gets a closed channel.
	_, ok = <-h.Join("late")
	require.False(t, ok)
}

func TestHub_Dispatch(t *testing.T) {
	d := newFakeDaemon()
	h := NewHub(d)
	ch := h.Join("c1")
	bob := models.UserID{Protocol: models.ProtocolIRC, Account: "bob"}

	t.Run("Send", func(t *testing.T) {
		h.Dispatch("c1", models.ClientMessage{
			Type:     models.ClientMessageTypeSend,
			Protocol: models.ProtocolIRC,
			Account:  "bob",
			Content:  "hello",
		})
		msg := receive(t, ch)
		require.Equal(t, models.ServerMessageTypeAck, msg.Type)
		require.Equal(t, uint64(1), msg.EventID)
		require.Equal(t, []string{bob.Key() + ":hello"}, d.sent)
	})

	t.Run("SendWithoutAccount", func(t *testing.T) {
		h.Dispatch("c1", models.ClientMessage{Type: models.ClientMessageTypeSend, Content: "x"})
		msg := receive(t, ch)
		require.Equal(t, models.ServerMessageTypeError, msg.Type)
	})

	t.Run("SendFails", func(t *testing.T) {
		d.sendErr = errors.New("not logged on")
		defer func() { d.sendErr = nil }()
		h.Dispatch("c1", models.ClientMessage{Type: models.ClientMessageTypeSend, Protocol: models.ProtocolIRC, Account: "bob"})
		msg := receive(t, ch)
		require.Equal(t, models.ServerMessageTypeError, msg.Type)
		require.Equal(t, "not logged on", msg.Text)
	})

	t.Run("Cancel", func(t *testing.T) {
		h.Dispatch("c1", models.ClientMessage{Type: models.ClientMessageTypeCancel, EventID: 7})
		require.Equal(t, models.ServerMessageTypeAck, receive(t, ch).Type)

		h.Dispatch("c1", models.ClientMessage{Type: models.ClientMessageTypeCancel, EventID: 8})
		require.Equal(t, models.ServerMessageTypeError, receive(t, ch).Type)
	})

	t.Run("Status", func(t *testing.T) {
		h.Dispatch("c1", models.ClientMessage{Type: models.ClientMessageTypeStatus, Protocol: models.ProtocolIRC, Status: "away"})
		msg := receive(t, ch)
		require.Equal(t, uint64(42), msg.EventID)
		require.Equal(t, []models.Status{models.StatusOnline | models.StatusAway}, d.statuses)

		h.Dispatch("c1", models.ClientMessage{Type: models.ClientMessageTypeStatus, Status: "sleepy"})
		require.Equal(t, models.ServerMessageTypeError, receive(t, ch).Type)
	})

	t.Run("View", func(t *testing.T) {
		d.pending[bob] = []models.UserEvent{models.NewUserEvent(models.Message{Text: "*hi*"}, true)}
		h.Dispatch("c1", models.ClientMessage{Type: models.ClientMessageTypeView, Protocol: models.ProtocolIRC, Account: "bob"})
		msg := receive(t, ch)
		require.Equal(t, models.ServerMessageTypeAck, msg.Type)
		require.Len(t, msg.Events, 1)
		require.Equal(t, "*hi*", msg.Events[0].Text)
		require.Equal(t, "<p><em>hi</em></p>", msg.Events[0].HTML)
		require.Equal(t, []models.UserID{bob}, d.viewed)

		h.Dispatch("c1", models.ClientMessage{Type: models.ClientMessageTypeView, Protocol: models.ProtocolIRC, Account: "bob"})
		require.Equal(t, models.ServerMessageTypeError, receive(t, ch).Type)
	})

	t.Run("Unknown", func(t *testing.T) {
		h.Dispatch("c1", models.ClientMessage{Type: "join"})
		require.Equal(t, models.ServerMessageTypeError, receive(t, ch).Type)
	})
}
