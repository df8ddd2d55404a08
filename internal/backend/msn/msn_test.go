package msn

import (
	"bufio"
	"fmt"
	"strings"
	"testing"

	"palaver/internal/backend"
	"palaver/internal/backend/backendtest"
	"palaver/internal/event"
	"palaver/internal/models"

	"github.com/stretchr/testify/require"
)

func incoming(from, alias, payload string) []byte {
	return fmt.Appendf(nil, "MSG %s %s %d\r\n%s", from, alias, len(payload), payload)
}

func TestSplit(t *testing.T) {
	payload := "MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\nhi\r\nthere"
	stream := "ACK 3\r\n" + string(incoming("bob@example.com", "Bob", payload)) + "NLN AWY bob@example.com Bob\r\n"

	sc := bufio.NewScanner(strings.NewReader(stream))
	sc.Split(split)
	var tokens []string
	for sc.Scan() {
		tokens = append(tokens, sc.Text())
	}
	require.NoError(t, sc.Err())
	require.Len(t, tokens, 3)
	require.Equal(t, "ACK 3", tokens[0])
	require.True(t, strings.HasSuffix(tokens[1], "hi\r\nthere"))
	require.Equal(t, "NLN AWY bob@example.com Bob", tokens[2])
}

func TestSplit_WaitsForPayload(t *testing.T) {
	adv, tok, err := split([]byte("MSG bob Bob 10\r\nabc"), false)
	require.NoError(t, err)
	require.Zero(t, adv)
	require.Nil(t, tok)

	_, _, err = split([]byte("MSG bob Bob 10\r\nabc"), true)
	require.Error(t, err)

	_, _, err = split([]byte("MSG bob Bob -1\r\n"), false)
	require.ErrorIs(t, err, errBadPayloadLen)
}

func logon(t *testing.T) (*Backend, *backendtest.Session) {
	t.Helper()
	b := New(backend.Timeouts{})
	sess := backendtest.NewSession(models.ProtocolMSN, "me@example.com", "secret")

	require.NoError(t, b.Start(sess))
	require.Equal(t, "VER 1 MSNP8 CVR0\r\n", sess.Written())

	sess.Apply(b.ProcessPacket(sess, []byte("VER 1 MSNP8")))
	require.Equal(t, "USR 2 PLN me@example.com secret\r\n", sess.Written())

	out := sess.Apply(b.ProcessPacket(sess, []byte("USR 2 OK me@example.com Me")))
	require.Equal(t, backend.StateReady, out.State)
	require.Len(t, out.Completions, 1)
	require.Equal(t, event.ByWire(sess.Sock, backend.LogonSeq), out.Completions[0].Locator)
	require.Equal(t, event.Success, out.Completions[0].Result)
	require.Equal(t, []string{"CHG 3 NLN", "SYN 4 0"}, sess.Lines("\r\n"))

	out = b.ProcessPacket(sess, []byte("CHG 3 NLN"))
	require.Empty(t, out.Completions)
	require.NotNil(t, out.OwnerStatus)
	require.Equal(t, models.StatusOnline, *out.OwnerStatus)
	return b, sess
}

func TestLogon(t *testing.T) {
	logon(t)
}

func TestLogon_AuthFailure(t *testing.T) {
	b := New(backend.Timeouts{})
	sess := backendtest.NewSession(models.ProtocolMSN, "me@example.com", "wrong")
	require.NoError(t, b.Start(sess))
	b.ProcessPacket(sess, []byte("VER 1 MSNP8"))

	out := b.ProcessPacket(sess, []byte("911 2"))
	require.True(t, out.Close)
	require.ErrorIs(t, out.Err, backend.ErrAuthFailed)
	require.Len(t, out.Completions, 1)
	require.Equal(t, event.Failed, out.Completions[0].Result)
	require.Equal(t, "authentication failed", out.Completions[0].Err)
}

func newEvent(op event.Op, to string, c models.Content) *event.Event {
	ev := &event.Event{
		ID:       1,
		Op:       op,
		User:     models.UserID{Protocol: models.ProtocolMSN, Account: to},
		Protocol: models.ProtocolMSN,
	}
	if c != nil {
		ev.SetUserEvent(models.NewUserEvent(c, false))
	}
	return ev
}

func TestSendMessage(t *testing.T) {
	b, sess := logon(t)
	sess.Written()

	ev := newEvent(event.OpSendMessage, "bob@example.com", models.Message{Text: "hello"})
	sent, err := b.Send(sess, ev)
	require.NoError(t, err)
	require.Equal(t, backend.AwaitReply, sent.Result)
	require.Equal(t, uint32(5), sent.Seq)

	w := sess.Written()
	head, payload, ok := strings.Cut(w, "\r\n")
	require.True(t, ok)
	require.Equal(t, fmt.Sprintf("MSG 5 A %d", len(payload)), head)
	require.Contains(t, payload, "To: bob@example.com\r\n")
	require.True(t, strings.HasSuffix(payload, "\r\n\r\nhello"))

	out := b.ProcessPacket(sess, []byte("ACK 5"))
	require.Len(t, out.Completions, 1)
	require.Equal(t, event.Acked, out.Completions[0].Result)

	out = b.ProcessPacket(sess, []byte("217 6"))
	require.Equal(t, event.Failed, out.Completions[0].Result)
	require.Equal(t, "user not online", out.Completions[0].Err)
}

func TestFileOffer(t *testing.T) {
	b, sess := logon(t)
	sess.Written()

	ev := newEvent(event.OpSendFile, "bob@example.com", models.File{Name: "a.txt", Size: 12})
	sent, err := b.Send(sess, ev)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sent.SubSeq)
	require.Contains(t, sess.Written(), "Application-File: a.txt")

	out := b.ProcessPacket(sess, fmt.Appendf(nil, "ACK %d", sent.Seq))
	require.Len(t, out.Completions, 1)
	require.True(t, out.Completions[0].Extend)

	body := "Invitation-Command: ACCEPT\r\nInvitation-Cookie: 1\r\nPort: 6891\r\n\r\n"
	payload := "MIME-Version: 1.0\r\nContent-Type: text/x-msmsgsinvite; charset=UTF-8\r\n\r\n" + body
	out = b.ProcessPacket(sess, incoming("bob@example.com", "Bob", payload))
	require.Len(t, out.Completions, 1)
	c := out.Completions[0]
	require.True(t, c.Extended)
	require.Equal(t, event.ByWireSub(sess.Sock, sent.Seq, 1), c.Locator)
	require.True(t, c.Ack.Accepted)
	require.Equal(t, 6891, c.Ack.Port)
}

func TestIncoming(t *testing.T) {
	b, sess := logon(t)

	payload := "MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\nX-MMS-IM-Format: FN=Arial; EF=; CO=ff; CS=0; PF=22\r\n\r\nhi"
	out := b.ProcessPacket(sess, incoming("bob@example.com", "Bob", payload))
	require.Len(t, out.Received, 1)
	in := out.Received[0]
	require.Equal(t, "bob@example.com", in.From.Account)
	require.False(t, in.Raw)
	require.Equal(t, models.Message{Text: "hi"}, in.Event.Content)
	require.Equal(t, uint32(0xff0000), in.Event.Color)

	typing := "MIME-Version: 1.0\r\nContent-Type: text/x-msmsgscontrol\r\nTypingUser: bob@example.com\r\n\r\n"
	require.Empty(t, b.ProcessPacket(sess, incoming("bob@example.com", "Bob", typing)).Received)

	invite := "MIME-Version: 1.0\r\nContent-Type: text/x-msmsgsinvite; charset=UTF-8\r\n\r\n" +
		"Application-Name: File Transfer\r\nInvitation-Command: INVITE\r\nInvitation-Cookie: 42\r\nApplication-File: b.zip\r\nApplication-FileSize: 100\r\n\r\n"
	out = b.ProcessPacket(sess, incoming("bob@example.com", "Bob", invite))
	require.Len(t, out.Received, 1)
	require.Equal(t, uint32(42), out.Received[0].Event.Ref)
	require.Equal(t, models.File{Name: "b.zip", Size: 100}, out.Received[0].Event.Content)
}

func TestPresenceAndRoster(t *testing.T) {
	b, sess := logon(t)

	out := b.ProcessPacket(sess, []byte("NLN AWY bob@example.com Bob%20B"))
	require.Equal(t, []backend.Presence{{
		User:   models.UserID{Protocol: models.ProtocolMSN, Account: "bob@example.com"},
		Status: models.StatusOnline | models.StatusAway,
		Alias:  "Bob B",
	}}, out.Presence)

	out = b.ProcessPacket(sess, []byte("FLN bob@example.com"))
	require.Equal(t, models.StatusOffline, out.Presence[0].Status)

	out = b.ProcessPacket(sess, []byte("LSG 1 Work 0"))
	require.Equal(t, []backend.ServerGroup{{ID: 1, Name: "Work"}}, out.ServerGroups)

	out = b.ProcessPacket(sess, []byte("LST carol@example.com Carol 11 1,2"))
	require.Len(t, out.Roster, 1)
	require.Equal(t, []int{1, 2}, out.Roster[0].Groups)

	// Reverse list only: not ours.
	require.Empty(t, b.ProcessPacket(sess, []byte("LST dave@example.com Dave 8")).Roster)

	out = b.ProcessPacket(sess, []byte("ADC 0 RL N=erin@example.com F=Erin"))
	require.Len(t, out.Received, 1)
	require.Equal(t, models.KindAdded, out.Received[0].Event.Content.Kind())
}

func TestServerKick(t *testing.T) {
	b, sess := logon(t)
	out := b.ProcessPacket(sess, []byte("OUT OTH"))
	require.True(t, out.Close)
	require.ErrorIs(t, out.Err, ErrSignedOnElsewhere)
}

func TestUnsupported(t *testing.T) {
	b, sess := logon(t)
	_, err := b.Send(sess, newEvent(event.OpRequestInfo, "bob@example.com", nil))
	require.ErrorIs(t, err, backend.ErrUnsupported)
}

func TestNames(t *testing.T) {
	require.Equal(t, "Bob%20B%2E", encodeName("Bob B."))
	require.Equal(t, "Bob B.", decodeName("Bob%20B%2E"))
	require.Equal(t, "AWY", statusCode(models.StatusOnline|models.StatusAway))
	require.Equal(t, "HDN", statusCode(models.StatusOnline|models.StatusInvisible|models.StatusAway))
}
