package backend

import (
	"testing"

	"palaver/internal/event"
	"palaver/internal/models"

	"github.com/stretchr/testify/require"
)

func TestRemoteServers_Cursor(t *testing.T) {
	rs := NewRemoteServers(
		models.Server{Host: "a", Port: 1},
		models.Server{Host: "b", Port: 2},
	)
	require.Nil(t, rs.Current())

	require.Equal(t, "a", rs.Next().Host)
	require.Equal(t, "b", rs.Next().Host)
	require.Equal(t, "a", rs.Next().Host, "next wraps around")

	rs.Set(2)
	require.Equal(t, "b", rs.Current().Host)
	rs.Set(0)
	require.Nil(t, rs.Current())
	rs.Set(5) // out of range is ignored
	require.Nil(t, rs.Current())
}

func TestRemoteServers_PickExhaustsRetries(t *testing.T) {
	rs := NewRemoteServers(
		models.Server{Host: "a", Port: 1},
		models.Server{Host: "b", Port: 2},
	)

	var order []string
	for {
		s := rs.Pick()
		if s == nil {
			break
		}
		order = append(order, s.Host)
		s.Retrying()
	}
	require.Equal(t, []string{"a", "a", "a", "b", "b", "b"}, order)

	rs.Reset()
	require.NotNil(t, rs.Pick())

	require.Nil(t, NewRemoteServers().Pick())
}

func TestRemoteServer_OK(t *testing.T) {
	s := &RemoteServer{}
	for s.Retry() {
		s.Retrying()
	}
	s.OK()
	require.True(t, s.Retry())
}

func TestHandlerTable(t *testing.T) {
	called := false
	tbl := HandlerTable{
		event.OpSendMessage: func(Session, *event.Event) (Sent, error) {
			called = true
			return Sent{Result: Delivered}, nil
		},
	}

	sent, err := tbl.Dispatch(nil, &event.Event{Op: event.OpSendMessage})
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, Delivered, sent.Result)

	_, err = tbl.Dispatch(nil, &event.Event{Op: event.OpSendFile})
	require.ErrorIs(t, err, ErrUnsupported)
}
