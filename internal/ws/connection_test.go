package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"palaver/internal/models"
)

type mockWS struct {
	readCh      chan models.ClientMessage
	writeCh     chan any
	closeCh     chan struct{}
	closeOnce   sync.Once
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientMessage, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() {
		m.closed = true
		close(m.closeCh)
	})
	return nil
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case msg, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.ClientMessage); ok {
			*ptr = msg
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockHub struct {
	joinCh     chan string
	leaveCh    chan string
	dispatchCh chan models.ClientMessage
	// per client channel
	clientChans map[string]chan models.ServerMessage
}

func newMockHub() *mockHub {
	return &mockHub{
		joinCh:      make(chan string, 10),
		leaveCh:     make(chan string, 10),
		dispatchCh:  make(chan models.ClientMessage, 10),
		clientChans: make(map[string]chan models.ServerMessage),
	}
}

func (m *mockHub) Join(clientID string) chan models.ServerMessage {
	m.joinCh <- clientID
	ch := make(chan models.ServerMessage, 10)
	m.clientChans[clientID] = ch
	return ch
}

func (m *mockHub) Leave(clientID string) {
	m.leaveCh <- clientID
	if ch, ok := m.clientChans[clientID]; ok {
		close(ch)
		delete(m.clientChans, clientID)
	}
}

func (m *mockHub) Dispatch(_ string, msg models.ClientMessage) {
	m.dispatchCh <- msg
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	clientID := "user1/a"

	conn := NewConnection(hub, ws, clientID)
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	// Verify Join was called
	select {
	case id := <-hub.joinCh:
		if id != clientID {
			t.Errorf("Expected Join with %s, got %s", clientID, id)
		}
	default:
		t.Error("Join not called on NewConnection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start Handle in goroutine
	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// 1. Send message from Client -> Hub
	clientMsg := models.ClientMessage{
		Type:     models.ClientMessageTypeSend,
		Protocol: models.ProtocolIRC,
		Account:  "bob",
		Content:  "hello",
	}
	ws.readCh <- clientMsg

	select {
	case received := <-hub.dispatchCh:
		if received.Content != clientMsg.Content {
			t.Errorf("Hub received wrong content: %v", received)
		}
	case <-time.After(1 * time.Second):
		t.Error("Hub did not receive dispatched message")
	}

	// 2. Send message from Server -> Client
	serverMsg := models.ServerMessage{
		Type:   models.ServerMessageTypeSignal,
		Kind:   "user_events",
		Events: []models.FlatEvent{{Text: "hi back"}},
	}
	hub.clientChans[clientID] <- serverMsg

	select {
	case received := <-ws.writeCh:
		sMsg, ok := received.(models.ServerMessage)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if len(sMsg.Events) == 0 || sMsg.Events[0].Text != "hi back" {
			t.Errorf("WS received wrong content: %v", sMsg)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive server message")
	}

	// 3. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	// Verify Leave called
	select {
	case id := <-hub.leaveCh:
		if id != clientID {
			t.Errorf("Expected Leave with %s, got %s", clientID, id)
		}
	default:
		t.Error("Leave not called")
	}

	// Verify WS Close called
	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	clientID := "user2/b"

	conn := NewConnection(hub, ws, clientID)

	// Simulate ReadJSON error immediately
	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_HubClosed(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	clientID := "user3/c"

	conn := NewConnection(hub, ws, clientID)
	<-hub.joinCh

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	// The hub shutting down closes the client channel.
	ch := hub.clientChans[clientID]
	delete(hub.clientChans, clientID)
	close(ch)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean return on hub shutdown, got %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after hub closed")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}
