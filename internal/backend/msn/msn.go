// Package msn speaks a single-socket MSNP dialect: notification commands
// and switchboard messages share the server connection.
package msn

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"palaver/internal/backend"
	"palaver/internal/event"
	"palaver/internal/models"
)

const (
	protocolVersion = "MSNP8"
	hotmail         = "Hotmail"

	contentText    = "text/plain; charset=UTF-8"
	contentInvite  = "text/x-msmsgsinvite; charset=UTF-8"
	contentControl = "text/x-msmsgscontrol"

	appFileTransfer = "File Transfer"
	appChat         = "Chat"
)

var (
	ErrSignedOnElsewhere = errors.New("signed on from another location")
	ErrServerShutdown    = errors.New("server is going down")
)

var DefaultTimeouts = backend.Timeouts{
	Ack:          30 * time.Second,
	Logon:        time.Minute,
	ExtendedIdle: 5 * time.Minute,
	Ping:         time.Minute,
}

var statusByCode = map[string]models.Status{
	"NLN": models.StatusOnline,
	"BSY": models.StatusOnline | models.StatusOccupied,
	"IDL": models.StatusOnline | models.StatusIdle,
	"BRB": models.StatusOnline | models.StatusAway,
	"AWY": models.StatusOnline | models.StatusAway,
	"PHN": models.StatusOnline | models.StatusOccupied,
	"LUN": models.StatusOnline | models.StatusNA,
	"HDN": models.StatusOnline | models.StatusInvisible,
	"FLN": models.StatusOffline,
}

func statusCode(s models.Status) string {
	switch {
	case s&models.StatusInvisible != 0:
		return "HDN"
	case s&(models.StatusDND|models.StatusOccupied) != 0:
		return "BSY"
	case s&models.StatusNA != 0:
		return "LUN"
	case s&models.StatusAway != 0:
		return "AWY"
	case s&models.StatusIdle != 0:
		return "IDL"
	}
	return "NLN"
}

var errorText = map[string]string{
	"201": "invalid parameter",
	"205": "invalid user",
	"207": "already logged in",
	"208": "invalid account name",
	"209": "invalid friendly name",
	"210": "list full",
	"215": "user already in list",
	"216": "user not in list",
	"217": "user not online",
	"218": "already in that mode",
	"500": "internal server error",
	"600": "server is busy",
	"601": "server unavailable",
	"911": "authentication failed",
}

// session is the per-connection state kept in Session.Data.
type session struct {
	trid uint32
	// internal marks transaction ids of commands no Event waits for.
	internal map[uint32]string
	// offers maps the trid of an outgoing invite to its cookie.
	offers map[uint32]uint32
	// invites maps a cookie to the trid of its offer.
	invites map[uint32]uint32
	cookie  uint32
}

func newSession() *session {
	return &session{
		internal: make(map[uint32]string),
		offers:   make(map[uint32]uint32),
		invites:  make(map[uint32]uint32),
	}
}

func (s *session) next() uint32 {
	s.trid++
	if s.trid == backend.LogonSeq {
		s.trid++
	}
	return s.trid
}

func (s *session) nextInternal(cmd string) uint32 {
	t := s.next()
	s.internal[t] = cmd
	return t
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
		event.OpLogoff:       b.logoff,
		event.OpSetStatus:    b.setStatus,
		event.OpSendMessage:  b.sendMessage,
		event.OpSendURL:      b.sendMessage,
		event.OpSendFile:     b.sendInvite,
		event.OpChatRequest:  b.sendInvite,
		event.OpFileAccept:   b.answerInvite,
		event.OpFileRefuse:   b.answerInvite,
		event.OpChatAccept:   b.answerInvite,
		event.OpChatRefuse:   b.answerInvite,
		event.OpAddUser:      b.addUser,
		event.OpRemoveUser:   b.removeUser,
		event.OpGrantAuth:    b.listAdd("AL"),
		event.OpRefuseAuth:   b.listAdd("BL"),
		event.OpRenameUser:   b.renameUser,
		event.OpChangeGroups: b.changeGroups,
	}
	return b
}

func (b *Backend) Protocol() models.ProtocolID {
	return models.ProtocolMSN
}

func (b *Backend) Split() bufio.SplitFunc {
	return split
}

func (b *Backend) Timeouts() backend.Timeouts {
	return b.timeouts
}

func state(sess backend.Session) *session {
	if s, ok := sess.Data().(*session); ok {
		return s
	}
	s := newSession()
	sess.SetData(s)
	return s
}

func (b *Backend) Start(sess backend.Session) error {
	s := newSession()
	sess.SetData(s)
	return sess.Write(command("VER", s.nextInternal("VER"), protocolVersion, "CVR0"))
}

func (b *Backend) Send(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	return b.handlers.Dispatch(sess, ev)
}

func (b *Backend) Ping(sess backend.Session) error {
	return sess.Write([]byte("PNG\r\n"))
}

func (b *Backend) Disconnected(sess backend.Session) {
	sess.SetData(nil)
}

func (b *Backend) logoff(sess backend.Session, _ *event.Event) (backend.Sent, error) {
	return backend.Sent{Result: backend.Delivered}, sess.Write([]byte("OUT\r\n"))
}

func (b *Backend) setStatus(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	t := state(sess).next()
	return backend.Sent{Seq: t}, sess.Write(command("CHG", t, statusCode(ev.Params.Status)))
}

func messageText(ev *event.Event) (string, error) {
	ue := ev.UserEvent()
	if ue == nil {
		return ev.Params.Text, nil
	}
	switch c := ue.Content.(type) {
	case models.Message:
		return c.Text, nil
	case models.URL:
		return c.Summary(), nil
	}
	return "", backend.ErrUnsupported
}

func (b *Backend) sendMessage(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	text, err := messageText(ev)
	if err != nil {
		return backend.Sent{}, err
	}
	var color uint32
	if ue := ev.UserEvent(); ue != nil {
		color = ue.Color
	}
	t := state(sess).next()
	pkt := message(t, [][2]string{
		{"Content-Type", contentText},
		{"X-MMS-IM-Format", fmt.Sprintf("FN=Arial; EF=; CO=%x; CS=0; PF=22", rgbToBGR(color))},
		{"To", ev.User.Account},
	}, text)
	return backend.Sent{Seq: t}, sess.Write(pkt)
}

func inviteBody(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n\r\n"
}

func (b *Backend) sendInvite(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	s := state(sess)
	s.cookie++
	cookie := s.cookie

	var body string
	switch ev.Op {
	case event.OpSendFile:
		ue := ev.UserEvent()
		if ue == nil {
			return backend.Sent{}, errors.New("file offer without payload")
		}
		f, ok := ue.Content.(models.File)
		if !ok {
			return backend.Sent{}, backend.ErrUnsupported
		}
		body = inviteBody(
			"Application-Name: "+appFileTransfer,
			"Invitation-Command: INVITE",
			"Invitation-Cookie: "+strconv.FormatUint(uint64(cookie), 10),
			"Application-File: "+f.Name,
			"Application-FileSize: "+strconv.FormatInt(f.Size, 10),
		)
	default:
		body = inviteBody(
			"Application-Name: "+appChat,
			"Invitation-Command: INVITE",
			"Invitation-Cookie: "+strconv.FormatUint(uint64(cookie), 10),
		)
	}

	t := s.next()
	s.offers[t] = cookie
	s.invites[cookie] = t
	pkt := message(t, [][2]string{
		{"Content-Type", contentInvite},
		{"To", ev.User.Account},
	}, body)
	return backend.Sent{Seq: t, SubSeq: cookie}, sess.Write(pkt)
}

func (b *Backend) answerInvite(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	lines := []string{"Invitation-Cookie: " + strconv.FormatUint(uint64(ev.Params.Ref), 10)}
	switch ev.Op {
	case event.OpFileAccept, event.OpChatAccept:
		lines = append(lines, "Invitation-Command: ACCEPT")
		if ev.Params.Port > 0 {
			lines = append(lines, "Port: "+strconv.Itoa(ev.Params.Port))
		}
	default:
		lines = append(lines, "Invitation-Command: CANCEL", "Cancel-Code: REJECT")
		if ev.Params.Text != "" {
			lines = append(lines, "Cancel-Reason: "+ev.Params.Text)
		}
	}
	t := state(sess).next()
	pkt := message(t, [][2]string{
		{"Content-Type", contentInvite},
		{"To", ev.User.Account},
	}, inviteBody(lines...))
	return backend.Sent{Result: backend.Delivered, Seq: t}, sess.Write(pkt)
}

func (b *Backend) addUser(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	alias := ev.Params.Alias
	if alias == "" {
		alias = ev.User.Account
	}
	t := state(sess).next()
	return backend.Sent{Seq: t}, sess.Write(command("ADC", t, "FL", "N="+ev.User.Account, "F="+encodeName(alias)))
}

func (b *Backend) removeUser(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	t := state(sess).next()
	return backend.Sent{Seq: t}, sess.Write(command("REM", t, "FL", ev.User.Account))
}

func (b *Backend) listAdd(list string) backend.Handler {
	return func(sess backend.Session, ev *event.Event) (backend.Sent, error) {
		t := state(sess).next()
		return backend.Sent{Seq: t}, sess.Write(command("ADC", t, list, "N="+ev.User.Account))
	}
}

func (b *Backend) renameUser(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	t := state(sess).next()
	return backend.Sent{Seq: t}, sess.Write(command("SBP", t, ev.User.Account, "MFN", encodeName(ev.Params.Alias)))
}

// changeGroups moves a contact to the server groups named by their ids.
func (b *Backend) changeGroups(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	if len(ev.Params.Groups) == 0 {
		return backend.Sent{}, errors.New("no target group")
	}
	t := state(sess).next()
	return backend.Sent{Seq: t}, sess.Write(command("ADC", t, "FL", "C="+ev.User.Account, ev.Params.Groups[0]))
}

// rgbToBGR converts between the 0xRRGGBB colors of UserEvent and the BGR
// order used on the wire.
func rgbToBGR(c uint32) uint32 {
	return (c&0xff)<<16 | c&0xff00 | (c>>16)&0xff
}

func (b *Backend) ProcessPacket(sess backend.Session, raw []byte) backend.Outcome {
	var out backend.Outcome
	p, err := parsePacket(raw)
	if err != nil {
		slog.Warn("failed to parse msn packet", "error", err)
		return out
	}
	s := state(sess)

	if isNumeric(p.cmd) {
		b.serverError(sess, s, p, &out)
		return out
	}

	switch p.cmd {
	case "VER":
		delete(s.internal, p.trid)
		owner := sess.Owner()
		if err := sess.Write(command("USR", s.nextInternal("USR"), "PLN", owner.ID.Account, owner.Password)); err != nil {
			out.Fail(err)
		}
	case "USR":
		delete(s.internal, p.trid)
		if p.arg(0) != "OK" {
			out.Fail(fmt.Errorf("unexpected logon reply %q", p.arg(0)))
			return out
		}
		out.State = backend.StateReady
		out.Complete(event.ByWire(sess.Socket(), backend.LogonSeq), event.Success)

		status := sess.Owner().Status
		if !status.IsOnline() {
			status = models.StatusOnline
		}
		err := sess.Write(command("CHG", s.nextInternal("CHG"), statusCode(status)))
		if err == nil {
			err = sess.Write(command("SYN", s.nextInternal("SYN"), "0"))
		}
		if err != nil {
			out.Fail(err)
		}
	case "CHG":
		st, ok := statusByCode[p.arg(0)]
		if !ok {
			slog.Warn("unknown msn status", "code", p.arg(0))
			return out
		}
		out.OwnerStatus = &st
		if _, internal := s.internal[p.trid]; internal {
			delete(s.internal, p.trid)
			return out
		}
		out.Complete(event.ByWire(sess.Socket(), p.trid), event.Acked)
	case "SYN":
		delete(s.internal, p.trid)
	case "ILN":
		out.Presence = append(out.Presence, presence(p.arg(0), p.arg(1), p.arg(2)))
	case "NLN":
		out.Presence = append(out.Presence, presence(p.arg(0), p.arg(1), p.arg(2)))
	case "FLN":
		out.Presence = append(out.Presence, presence("FLN", p.arg(0), ""))
	case "LSG":
		id, err := strconv.Atoi(p.arg(0))
		if err != nil {
			return out
		}
		out.ServerGroups = append(out.ServerGroups, backend.ServerGroup{ID: id, Name: decodeName(p.arg(1))})
	case "ADG":
		id, err := strconv.Atoi(p.arg(1))
		if err != nil {
			return out
		}
		out.ServerGroups = append(out.ServerGroups, backend.ServerGroup{ID: id, Name: decodeName(p.arg(0))})
	case "LST":
		b.listEntry(p, &out)
	case "ADC":
		b.added(sess, p, &out)
	case "REM", "SBP":
		out.Complete(event.ByWire(sess.Socket(), p.trid), event.Acked)
	case "ACK":
		if _, ok := s.offers[p.trid]; ok {
			delete(s.offers, p.trid)
			out.Completions = append(out.Completions, backend.Completion{
				Locator: event.ByWire(sess.Socket(), p.trid),
				Extend:  true,
			})
			return out
		}
		out.Complete(event.ByWire(sess.Socket(), p.trid), event.Acked)
	case "NAK":
		b.dropOffer(s, p.trid)
		out.Completions = append(out.Completions, backend.Completion{
			Locator: event.ByWire(sess.Socket(), p.trid),
			Result:  event.Failed,
			Err:     "message not delivered",
		})
	case "MSG":
		b.message(sess, s, p, &out)
	case "QNG", "NOT":
	case "OUT":
		switch p.arg(0) {
		case "OTH":
			out.Fail(ErrSignedOnElsewhere)
		case "SSD":
			out.Fail(ErrServerShutdown)
		default:
			out.Close = true
		}
	default:
		slog.Debug("unhandled msn command", "cmd", p.cmd)
	}
	return out
}

func (b *Backend) dropOffer(s *session, trid uint32) {
	if cookie, ok := s.offers[trid]; ok {
		delete(s.offers, trid)
		delete(s.invites, cookie)
	}
}

func (b *Backend) serverError(sess backend.Session, s *session, p packet, out *backend.Outcome) {
	text, ok := errorText[p.cmd]
	if !ok {
		text = "server error " + p.cmd
	}
	if cmd, internal := s.internal[p.trid]; internal {
		delete(s.internal, p.trid)
		switch cmd {
		case "VER", "USR":
			out.Completions = append(out.Completions, backend.Completion{
				Locator: event.ByWire(sess.Socket(), backend.LogonSeq),
				Result:  event.Failed,
				Err:     text,
			})
			if p.cmd == "911" {
				out.Fail(backend.ErrAuthFailed)
			} else {
				out.Fail(errors.New(text))
			}
		default:
			slog.Warn("msn command refused", "cmd", cmd, "code", p.cmd, "reason", text)
		}
		return
	}
	b.dropOffer(s, p.trid)
	out.Completions = append(out.Completions, backend.Completion{
		Locator: event.ByWire(sess.Socket(), p.trid),
		Result:  event.Failed,
		Err:     text,
	})
}

func presence(code, account, alias string) backend.Presence {
	st, ok := statusByCode[code]
	if !ok {
		st = models.StatusOnline
	}
	return backend.Presence{
		User:   models.UserID{Protocol: models.ProtocolMSN, Account: account},
		Status: st,
		Alias:  decodeName(alias),
	}
}

const (
	listForward = 1 << iota
	listAllow
	listBlock
	listReverse
)

// listEntry handles "LST account friendly lists groups".
func (b *Backend) listEntry(p packet, out *backend.Outcome) {
	lists, err := strconv.Atoi(p.arg(2))
	if err != nil || lists&listForward == 0 {
		return
	}
	item := backend.RosterItem{
		User:  models.UserID{Protocol: models.ProtocolMSN, Account: p.arg(0)},
		Alias: decodeName(p.arg(1)),
	}
	for _, g := range strings.Split(p.arg(3), ",") {
		if id, err := strconv.Atoi(g); err == nil {
			item.Groups = append(item.Groups, id)
		}
	}
	out.Roster = append(out.Roster, item)
}

// added handles ADC replies and "someone added you" notices on the
// reverse list.
func (b *Backend) added(sess backend.Session, p packet, out *backend.Outcome) {
	if p.trid != 0 {
		out.Complete(event.ByWire(sess.Socket(), p.trid), event.Acked)
		return
	}
	if p.arg(0) != "RL" {
		return
	}
	account := keyValue(p.args, "N")
	if account == "" {
		return
	}
	ue := models.NewUserEvent(models.Added{}, true)
	out.Received = append(out.Received, backend.Incoming{
		From:  models.UserID{Protocol: models.ProtocolMSN, Account: account},
		Event: ue,
	})
	out.Presence = append(out.Presence, backend.Presence{
		User:   models.UserID{Protocol: models.ProtocolMSN, Account: account},
		Status: models.StatusOffline,
		Alias:  decodeName(keyValue(p.args, "F")),
	})
}

// message handles "MSG account friendly len" from a contact.
func (b *Backend) message(sess backend.Session, s *session, p packet, out *backend.Outcome) {
	account := p.arg(0)
	if account == hotmail {
		return
	}
	hdr, body, err := parseMIME(p.payload)
	if err != nil {
		slog.Warn("failed to parse msn message", "from", account, "error", err)
		return
	}
	from := models.UserID{Protocol: models.ProtocolMSN, Account: account}

	ctype := hdr.Get("Content-Type")
	switch {
	case strings.HasPrefix(ctype, contentControl):
		return
	case strings.HasPrefix(ctype, "text/x-msmsgsinvite"):
		b.invite(sess, s, from, body, out)
	case strings.HasPrefix(ctype, "text/plain"):
		ue := models.NewUserEvent(models.Message{Text: string(body)}, true)
		ue.Color = colorFromFormat(hdr.Get("X-MMS-IM-Format"))
		out.Received = append(out.Received, backend.Incoming{
			From:  from,
			Event: ue,
			Raw:   !strings.Contains(strings.ToUpper(ctype), "UTF-8"),
		})
	default:
		slog.Debug("unhandled msn content type", "from", account, "type", ctype)
	}
}

func colorFromFormat(format string) uint32 {
	for part := range strings.SplitSeq(format, ";") {
		v, ok := strings.CutPrefix(strings.TrimSpace(part), "CO=")
		if !ok {
			continue
		}
		c, err := strconv.ParseUint(v, 16, 32)
		if err != nil {
			return 0
		}
		return rgbToBGR(uint32(c))
	}
	return 0
}

func (b *Backend) invite(sess backend.Session, s *session, from models.UserID, body []byte, out *backend.Outcome) {
	hdr, _, err := parseMIME(body)
	if err != nil {
		slog.Warn("failed to parse msn invitation", "from", from.Account, "error", err)
		return
	}
	n, err := strconv.ParseUint(hdr.Get("Invitation-Cookie"), 10, 32)
	if err != nil {
		return
	}
	cookie := uint32(n)

	switch hdr.Get("Invitation-Command") {
	case "INVITE":
		var ue models.UserEvent
		if hdr.Get("Application-Name") == appFileTransfer {
			size, _ := strconv.ParseInt(hdr.Get("Application-FileSize"), 10, 64)
			ue = models.NewUserEvent(models.File{Name: hdr.Get("Application-File"), Size: size}, true)
		} else {
			ue = models.NewUserEvent(models.ChatRequest{}, true)
		}
		ue.Ref = cookie
		out.Received = append(out.Received, backend.Incoming{From: from, Event: ue})
	case "ACCEPT", "CANCEL":
		trid, ok := s.invites[cookie]
		if !ok {
			return
		}
		delete(s.invites, cookie)
		ack := event.ExtendedAck{Accepted: hdr.Get("Invitation-Command") == "ACCEPT"}
		if !ack.Accepted {
			ack.Response = hdr.Get("Cancel-Reason")
			if ack.Response == "" {
				ack.Response = hdr.Get("Cancel-Code")
			}
		}
		ack.Port, _ = strconv.Atoi(hdr.Get("Port"))
		out.Completions = append(out.Completions, backend.Completion{
			Locator:  event.ByWireSub(sess.Socket(), trid, cookie),
			Result:   event.Success,
			Ack:      &ack,
			Extended: true,
		})
	}
}
