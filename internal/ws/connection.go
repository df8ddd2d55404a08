package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"palaver/internal/models"
)

var errHubClosed = errors.New("hub closed")

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type messageHub interface {
	Join(clientID string) chan models.ServerMessage
	Leave(clientID string)
	Dispatch(clientID string, msg models.ClientMessage)
}

// Connection is one websocket client. Requests go to the hub, signals and
// replies come back on the channel the hub gave it.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	clientID   string
	log        *slog.Logger
	fromClient chan models.ClientMessage
	fromServer chan models.ServerMessage
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	clientID string,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		clientID:   clientID,
		log:        slog.With("client_id", clientID),
		fromClient: make(chan models.ClientMessage),
		fromServer: hub.Join(clientID),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		close(c.errorCh)
		c.hub.Leave(c.clientID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	if cerr := c.ws.Close(); cerr != nil {
		c.log.Debug("failed to close websocket", "error", cerr)
	}
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errHubClosed) {
		return err
	}
	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			c.log.Debug("client request", "type", msg.Type)
			c.hub.Dispatch(c.clientID, msg)
		case msg, ok := <-c.fromServer:
			if !ok {
				return errHubClosed
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
