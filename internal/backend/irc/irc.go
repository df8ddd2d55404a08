// Package irc is a small IRC client backend. Contacts are nicknames and
// presence comes from MONITOR.
package irc

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"palaver/internal/backend"
	"palaver/internal/event"
	"palaver/internal/models"

	"github.com/ergochat/irc-go/ircfmt"
	"github.com/ergochat/irc-go/ircmsg"
)

const (
	// Leaves room for the prefix the server adds when relaying.
	maxText  = 400
	ctcpMark = "\x01"
)

var (
	ErrNickInUse = errors.New("nickname is already in use")
	ErrClosed    = errors.New("server closed the link")
)

var DefaultTimeouts = backend.Timeouts{
	Ack:          30 * time.Second,
	Logon:        time.Minute,
	ExtendedIdle: 5 * time.Minute,
	Ping:         90 * time.Second,
}

type whois struct {
	seq   uint32
	alias string
}

type session struct {
	nick       string
	registered bool
	triedAlt   bool
	seq        uint32
	// Pending WHOIS replies by folded nick.
	whois map[string]*whois
}

func (s *session) next() uint32 {
	s.seq++
	if s.seq == backend.LogonSeq {
		s.seq++
	}
	return s.seq
}

type Backend struct {
	timeouts backend.Timeouts
	handlers backend.HandlerTable
}

func New(timeouts backend.Timeouts) *Backend {
	if timeouts == (backend.Timeouts{}) {
		timeouts = DefaultTimeouts
	}
	b := &Backend{timeouts: timeouts}
	b.handlers = backend.HandlerTable{
		event.OpLogoff:      b.logoff,
		event.OpSetStatus:   b.setStatus,
		event.OpSendMessage: b.sendMessage,
		event.OpSendURL:     b.sendMessage,
		event.OpAddUser:     b.monitor("+"),
		event.OpRemoveUser:  b.monitor("-"),
		event.OpRequestInfo: b.requestInfo,
	}
	return b
}

func (b *Backend) Protocol() models.ProtocolID {
	return models.ProtocolIRC
}

func (b *Backend) Split() bufio.SplitFunc {
	return bufio.ScanLines
}

func (b *Backend) Timeouts() backend.Timeouts {
	return b.timeouts
}

func state(sess backend.Session) *session {
	if s, ok := sess.Data().(*session); ok {
		return s
	}
	s := &session{whois: make(map[string]*whois)}
	sess.SetData(s)
	return s
}

func write(sess backend.Session, command string, params ...string) error {
	msg := ircmsg.MakeMessage(nil, "", command, params...)
	line, err := msg.Line()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", command, err)
	}
	return sess.Write([]byte(line))
}

func fold(nick string) string {
	return strings.ToLower(nick)
}

func (b *Backend) Start(sess backend.Session) error {
	owner := sess.Owner()
	s := &session{nick: owner.ID.Account, whois: make(map[string]*whois)}
	sess.SetData(s)

	if owner.Password != "" {
		if err := write(sess, "PASS", owner.Password); err != nil {
			return err
		}
	}
	realName := owner.Alias
	if realName == "" {
		realName = s.nick
	}
	if err := write(sess, "NICK", s.nick); err != nil {
		return err
	}
	return write(sess, "USER", s.nick, "0", "*", realName)
}

func (b *Backend) Send(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	return b.handlers.Dispatch(sess, ev)
}

func (b *Backend) Ping(sess backend.Session) error {
	return write(sess, "PING", "palaver")
}

func (b *Backend) Disconnected(sess backend.Session) {
	sess.SetData(nil)
}

func (b *Backend) logoff(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	reason := ev.Params.Text
	if reason == "" {
		reason = "Leaving"
	}
	return backend.Sent{Result: backend.Delivered}, write(sess, "QUIT", reason)
}

// setStatus maps every away-like state to AWAY with the status text; IRC has
// no finer presence.
func (b *Backend) setStatus(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	seq := state(sess).next()
	st := ev.Params.Status
	if st&(models.StatusAway|models.StatusNA|models.StatusOccupied|models.StatusDND|models.StatusIdle) == 0 {
		return backend.Sent{Result: backend.Delivered, Seq: seq}, write(sess, "AWAY")
	}
	text := ev.Params.Text
	if text == "" {
		text = st.String()
	}
	return backend.Sent{Result: backend.Delivered, Seq: seq}, write(sess, "AWAY", text)
}

func chunks(text string) []string {
	var out []string
	for line := range strings.SplitSeq(text, "\n") {
		line = strings.TrimRight(line, "\r")
		for len(line) > maxText {
			cut := maxText
			// Do not split a UTF-8 sequence.
			for cut > 0 && line[cut]&0xC0 == 0x80 {
				cut--
			}
			if cut == 0 {
				cut = maxText
			}
			out = append(out, line[:cut])
			line = line[cut:]
		}
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func (b *Backend) sendMessage(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	if ev.User.Account == "" {
		return backend.Sent{}, errors.New("no target nickname")
	}
	var text string
	if ue := ev.UserEvent(); ue != nil {
		switch c := ue.Content.(type) {
		case models.Message:
			text = c.Text
		case models.URL:
			text = c.Summary()
		default:
			return backend.Sent{}, backend.ErrUnsupported
		}
	} else {
		text = ev.Params.Text
	}

	lines := chunks(text)
	if len(lines) == 0 {
		return backend.Sent{}, errors.New("empty message")
	}
	seq := state(sess).next()
	for _, line := range lines {
		if err := write(sess, "PRIVMSG", ev.User.Account, line); err != nil {
			return backend.Sent{}, err
		}
	}
	return backend.Sent{Result: backend.Delivered, Seq: seq}, nil
}

func (b *Backend) monitor(op string) backend.Handler {
	return func(sess backend.Session, ev *event.Event) (backend.Sent, error) {
		seq := state(sess).next()
		return backend.Sent{Result: backend.Delivered, Seq: seq}, write(sess, "MONITOR", op, ev.User.Account)
	}
}

// requestInfo runs WHOIS; the real name comes back as the alias.
func (b *Backend) requestInfo(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	s := state(sess)
	seq := s.next()
	if err := write(sess, "WHOIS", ev.User.Account); err != nil {
		return backend.Sent{}, err
	}
	s.whois[fold(ev.User.Account)] = &whois{seq: seq}
	return backend.Sent{Seq: seq}, nil
}

func user(nick string) models.UserID {
	return models.UserID{Protocol: models.ProtocolIRC, Account: nick}
}

func (b *Backend) ProcessPacket(sess backend.Session, pkt []byte) backend.Outcome {
	var out backend.Outcome
	if len(pkt) == 0 {
		return out
	}
	msg, err := ircmsg.ParseLine(string(pkt))
	if err != nil {
		slog.Warn("failed to parse irc line", "error", err)
		return out
	}
	s := state(sess)

	switch msg.Command {
	case "PING":
		if err := write(sess, "PONG", msg.Params...); err != nil {
			out.Fail(err)
		}
	case "PONG":
	case "001":
		if len(msg.Params) > 0 {
			s.nick = msg.Params[0]
		}
		s.registered = true
		out.State = backend.StateReady
		out.Complete(event.ByWire(sess.Socket(), backend.LogonSeq), event.Success)
		st := models.StatusOnline
		out.OwnerStatus = &st
	case "433", "432":
		if s.registered {
			return out
		}
		if s.triedAlt {
			failLogon(sess, &out, "nickname is already in use", ErrNickInUse)
			return out
		}
		s.triedAlt = true
		s.nick += "_"
		if err := write(sess, "NICK", s.nick); err != nil {
			out.Fail(err)
		}
	case "464", "465":
		failLogon(sess, &out, lastParam(msg), backend.ErrAuthFailed)
	case "ERROR":
		if !s.registered {
			failLogon(sess, &out, lastParam(msg), ErrClosed)
			return out
		}
		out.Fail(fmt.Errorf("%w: %s", ErrClosed, lastParam(msg)))
	case "PRIVMSG":
		b.privmsg(s, msg, &out)
	case "730", "731":
		st := models.StatusOffline
		if msg.Command == "730" {
			st = models.StatusOnline
		}
		for target := range strings.SplitSeq(lastParam(msg), ",") {
			nick, _, _ := strings.Cut(target, "!")
			if nick != "" {
				out.Presence = append(out.Presence, backend.Presence{User: user(nick), Status: st})
			}
		}
	case "311":
		// <me> <nick> <user> <host> * :<real name>
		if len(msg.Params) >= 6 {
			if w := s.whois[fold(msg.Params[1])]; w != nil {
				w.alias = msg.Params[5]
			}
		}
	case "318":
		if len(msg.Params) >= 2 {
			nick := msg.Params[1]
			if w := s.whois[fold(nick)]; w != nil {
				delete(s.whois, fold(nick))
				out.Completions = append(out.Completions, backend.Completion{
					Locator: event.ByWire(sess.Socket(), w.seq),
					Result:  event.Acked,
					Search:  &event.SearchAck{Users: []models.UserID{user(nick)}, Alias: w.alias},
				})
			}
		}
	case "401":
		if len(msg.Params) >= 2 {
			nick := msg.Params[1]
			if w := s.whois[fold(nick)]; w != nil {
				delete(s.whois, fold(nick))
				out.Completions = append(out.Completions, backend.Completion{
					Locator: event.ByWire(sess.Socket(), w.seq),
					Result:  event.Failed,
					Err:     lastParam(msg),
				})
			}
		}
	}
	return out
}

func lastParam(msg ircmsg.Message) string {
	if len(msg.Params) == 0 {
		return msg.Command
	}
	return msg.Params[len(msg.Params)-1]
}

func failLogon(sess backend.Session, out *backend.Outcome, reason string, err error) {
	out.Completions = append(out.Completions, backend.Completion{
		Locator: event.ByWire(sess.Socket(), backend.LogonSeq),
		Result:  event.Failed,
		Err:     reason,
	})
	out.Fail(err)
}

func (b *Backend) privmsg(s *session, msg ircmsg.Message, out *backend.Outcome) {
	if len(msg.Params) < 2 {
		return
	}
	// Channel traffic is not ours.
	if !strings.EqualFold(msg.Params[0], s.nick) {
		return
	}
	nick := msg.Nick()
	if nick == "" {
		return
	}
	text := msg.Params[1]
	if strings.HasPrefix(text, ctcpMark) {
		body := strings.Trim(text, ctcpMark)
		action, ok := strings.CutPrefix(body, "ACTION ")
		if !ok {
			slog.Debug("ignoring ctcp request", "from", nick, "request", body)
			return
		}
		text = "* " + nick + " " + action
	}
	ue := models.NewUserEvent(models.Message{Text: ircfmt.Strip(text)}, true)
	out.Received = append(out.Received, backend.Incoming{From: user(nick), Event: ue, Raw: true})
}
