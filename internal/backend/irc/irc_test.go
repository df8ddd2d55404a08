package irc

import (
	"strings"
	"testing"

	"palaver/internal/backend"
	"palaver/internal/backend/backendtest"
	"palaver/internal/event"
	"palaver/internal/models"

	"github.com/stretchr/testify/require"
)

func logon(t *testing.T) (*Backend, *backendtest.Session) {
	t.Helper()
	b := New(backend.Timeouts{})
	sess := backendtest.NewSession(models.ProtocolIRC, "me", "secret")
	sess.Info.Alias = "Me Myself"

	require.NoError(t, b.Start(sess))
	require.Equal(t, []string{"PASS secret", "NICK me", "USER me 0 * :Me Myself"}, sess.Lines("\r\n"))

	out := sess.Apply(b.ProcessPacket(sess, []byte(":irc.example.net 001 me :Welcome to the network")))
	require.Equal(t, backend.StateReady, out.State)
	require.Len(t, out.Completions, 1)
	require.Equal(t, event.ByWire(sess.Sock, backend.LogonSeq), out.Completions[0].Locator)
	require.Equal(t, event.Success, out.Completions[0].Result)
	return b, sess
}

func TestLogon(t *testing.T) {
	logon(t)
}

func TestLogon_NickInUse(t *testing.T) {
	b := New(backend.Timeouts{})
	sess := backendtest.NewSession(models.ProtocolIRC, "me", "")
	require.NoError(t, b.Start(sess))
	require.Equal(t, []string{"NICK me", "USER me 0 * me"}, sess.Lines("\r\n"))

	out := b.ProcessPacket(sess, []byte(":irc.example.net 433 * me :Nickname is already in use"))
	require.False(t, out.Close)
	require.Equal(t, "NICK me_\r\n", sess.Written())

	out = b.ProcessPacket(sess, []byte(":irc.example.net 433 * me_ :Nickname is already in use"))
	require.True(t, out.Close)
	require.ErrorIs(t, out.Err, ErrNickInUse)
	require.Equal(t, event.Failed, out.Completions[0].Result)
}

func TestLogon_BadPassword(t *testing.T) {
	b := New(backend.Timeouts{})
	sess := backendtest.NewSession(models.ProtocolIRC, "me", "wrong")
	require.NoError(t, b.Start(sess))

	out := b.ProcessPacket(sess, []byte(":irc.example.net 464 me :Password incorrect"))
	require.ErrorIs(t, out.Err, backend.ErrAuthFailed)
	require.Equal(t, "Password incorrect", out.Completions[0].Err)
}

func newEvent(op event.Op, to string, c models.Content) *event.Event {
	ev := &event.Event{
		ID:       1,
		Op:       op,
		User:     models.UserID{Protocol: models.ProtocolIRC, Account: to},
		Protocol: models.ProtocolIRC,
	}
	if c != nil {
		ev.SetUserEvent(models.NewUserEvent(c, false))
	}
	return ev
}

func TestSendMessage(t *testing.T) {
	b, sess := logon(t)

	sent, err := b.Send(sess, newEvent(event.OpSendMessage, "bob", models.Message{Text: "hello there\nsecond line"}))
	require.NoError(t, err)
	require.Equal(t, backend.Delivered, sent.Result)
	require.Equal(t, []string{"PRIVMSG bob :hello there", "PRIVMSG bob :second line"}, sess.Lines("\r\n"))

	_, err = b.Send(sess, newEvent(event.OpSendFile, "bob", models.File{Name: "a"}))
	require.ErrorIs(t, err, backend.ErrUnsupported)
}

func TestChunks(t *testing.T) {
	long := strings.Repeat("é", 300)
	parts := chunks(long)
	require.Len(t, parts, 2)
	require.Equal(t, long, parts[0]+parts[1])
	for _, p := range parts {
		require.LessOrEqual(t, len(p), maxText)
	}
	require.Empty(t, chunks("\n\n"))
}

func TestIncoming(t *testing.T) {
	b, sess := logon(t)

	out := b.ProcessPacket(sess, []byte(":bob!b@host PRIVMSG me :\x02hi\x02 there"))
	require.Len(t, out.Received, 1)
	require.Equal(t, "bob", out.Received[0].From.Account)
	require.Equal(t, models.Message{Text: "hi there"}, out.Received[0].Event.Content)

	out = b.ProcessPacket(sess, []byte(":bob!b@host PRIVMSG me :\x01ACTION waves\x01"))
	require.Equal(t, models.Message{Text: "* bob waves"}, out.Received[0].Event.Content)

	require.Empty(t, b.ProcessPacket(sess, []byte(":bob!b@host PRIVMSG #chan :hello all")).Received)
	require.Empty(t, b.ProcessPacket(sess, []byte(":bob!b@host PRIVMSG me :\x01VERSION\x01")).Received)
}

func TestPingPong(t *testing.T) {
	b, sess := logon(t)

	b.ProcessPacket(sess, []byte("PING :irc.example.net"))
	require.Equal(t, "PONG irc.example.net\r\n", sess.Written())

	require.NoError(t, b.Ping(sess))
	require.Equal(t, "PING palaver\r\n", sess.Written())
}

func TestMonitorPresence(t *testing.T) {
	b, sess := logon(t)

	_, err := b.Send(sess, newEvent(event.OpAddUser, "bob", nil))
	require.NoError(t, err)
	require.Equal(t, "MONITOR + bob\r\n", sess.Written())

	out := b.ProcessPacket(sess, []byte(":irc.example.net 730 me :bob!b@host,carol!c@host"))
	require.Len(t, out.Presence, 2)
	require.Equal(t, "carol", out.Presence[1].User.Account)
	require.Equal(t, models.StatusOnline, out.Presence[0].Status)

	out = b.ProcessPacket(sess, []byte(":irc.example.net 731 me :bob"))
	require.Equal(t, models.StatusOffline, out.Presence[0].Status)
}

func TestWhois(t *testing.T) {
	b, sess := logon(t)

	sent, err := b.Send(sess, newEvent(event.OpRequestInfo, "Bob", nil))
	require.NoError(t, err)
	require.Equal(t, backend.AwaitReply, sent.Result)
	require.Equal(t, "WHOIS Bob\r\n", sess.Written())

	require.Empty(t, b.ProcessPacket(sess, []byte(":irc.example.net 311 me bob b host * :Bob Builder")).Completions)
	out := b.ProcessPacket(sess, []byte(":irc.example.net 318 me bob :End of /WHOIS list"))
	require.Len(t, out.Completions, 1)
	require.Equal(t, event.ByWire(sess.Sock, sent.Seq), out.Completions[0].Locator)
	require.Equal(t, "Bob Builder", out.Completions[0].Search.Alias)

	sent, err = b.Send(sess, newEvent(event.OpRequestInfo, "ghost", nil))
	require.NoError(t, err)
	out = b.ProcessPacket(sess, []byte(":irc.example.net 401 me ghost :No such nick/channel"))
	require.Equal(t, event.Failed, out.Completions[0].Result)
}

func TestStatusAndQuit(t *testing.T) {
	b, sess := logon(t)

	ev := newEvent(event.OpSetStatus, "", nil)
	ev.Params.Status = models.StatusOnline | models.StatusAway
	ev.Params.Text = "out for lunch"
	_, err := b.Send(sess, ev)
	require.NoError(t, err)
	require.Equal(t, "AWAY :out for lunch\r\n", sess.Written())

	ev.Params.Status = models.StatusOnline
	_, err = b.Send(sess, ev)
	require.NoError(t, err)
	require.Equal(t, "AWAY\r\n", sess.Written())

	_, err = b.Send(sess, newEvent(event.OpLogoff, "", nil))
	require.NoError(t, err)
	require.Equal(t, "QUIT Leaving\r\n", sess.Written())

	out := b.ProcessPacket(sess, []byte("ERROR :Closing Link: me (Quit: Leaving)"))
	require.True(t, out.Close)
	require.ErrorIs(t, out.Err, ErrClosed)
}
