// Package jabber is the XMPP client backend. It negotiates SASL and
// resource binding on the raw socket and then exchanges stanzas.
package jabber

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"palaver/internal/backend"
	"palaver/internal/event"
	"palaver/internal/models"

	"mellium.im/sasl"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

const (
	resource = "palaver"
	bindID   = "bind_1"
	rosterID = "roster_1"
	pingID   = "ping_"
	eventID  = "ev"
)

var (
	ErrNoMechanism = errors.New("server offers no usable SASL mechanism")
	ErrConflict    = errors.New("resource conflict: signed on from another location")
)

var DefaultTimeouts = backend.Timeouts{
	Ack:          30 * time.Second,
	Logon:        time.Minute,
	ExtendedIdle: 5 * time.Minute,
	Ping:         2 * time.Minute,
}

// Preferred first.
var mechanisms = []sasl.Mechanism{sasl.ScramSha256, sasl.ScramSha1, sasl.Plain}

type phase int

const (
	phaseAuth phase = iota
	phaseBind
	phaseReady
)

type session struct {
	phase  phase
	neg    *sasl.Negotiator
	mech   string
	bound  jid.JID
	domain string
	seq    uint32
	pings  int
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
		event.OpLogoff:       b.logoff,
		event.OpSetStatus:    b.setStatus,
		event.OpSendMessage:  b.sendMessage,
		event.OpSendURL:      b.sendMessage,
		event.OpAddUser:      b.rosterSet,
		event.OpRemoveUser:   b.rosterSet,
		event.OpRenameUser:   b.rosterSet,
		event.OpChangeGroups: b.rosterSet,
		event.OpGrantAuth:    b.subscription(stanza.SubscribedPresence),
		event.OpRefuseAuth:   b.subscription(stanza.UnsubscribedPresence),
		event.OpRequestAuth:  b.subscription(stanza.SubscribePresence),
		event.OpRequestInfo:  b.requestInfo,
	}
	return b
}

func (b *Backend) Protocol() models.ProtocolID {
	return models.ProtocolXMPP
}

func (b *Backend) Split() bufio.SplitFunc {
	return newSplit()
}

func (b *Backend) Timeouts() backend.Timeouts {
	return b.timeouts
}

func state(sess backend.Session) *session {
	if s, ok := sess.Data().(*session); ok {
		return s
	}
	s := &session{}
	sess.SetData(s)
	return s
}

func (b *Backend) Start(sess backend.Session) error {
	owner, err := jid.Parse(sess.Owner().ID.Account)
	if err != nil {
		return fmt.Errorf("failed to parse account: %w", err)
	}
	s := &session{domain: owner.Domainpart()}
	sess.SetData(s)
	return sess.Write(streamHeader(s.domain))
}

func (b *Backend) Send(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	return b.handlers.Dispatch(sess, ev)
}

func (b *Backend) Ping(sess backend.Session) error {
	s := state(sess)
	s.pings++
	v := iq{IQ: stanza.IQ{ID: pingID + strconv.Itoa(s.pings), Type: stanza.GetIQ}, Ping: &ping{}}
	if s.domain != "" {
		v.To, _ = jid.Parse(s.domain)
	}
	return writeXML(sess, v)
}

func (b *Backend) Disconnected(sess backend.Session) {
	sess.SetData(nil)
}

func writeXML(sess backend.Session, v any) error {
	out, err := xml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode stanza: %w", err)
	}
	return sess.Write(out)
}

func eventStanzaID(seq uint32) string {
	return eventID + strconv.FormatUint(uint64(seq), 10)
}

func parseEventID(id string) (uint32, bool) {
	v, ok := strings.CutPrefix(id, eventID)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func userJID(u models.UserID) (jid.JID, error) {
	j, err := jid.Parse(u.Account)
	if err != nil {
		return jid.JID{}, fmt.Errorf("invalid address %q: %w", u.Account, err)
	}
	return j, nil
}

func showFor(s models.Status) string {
	switch {
	case s&(models.StatusDND|models.StatusOccupied) != 0:
		return "dnd"
	case s&models.StatusNA != 0:
		return "xa"
	case s&(models.StatusAway|models.StatusIdle) != 0:
		return "away"
	case s&models.StatusFFC != 0:
		return "chat"
	}
	return ""
}

func statusFor(show string) models.Status {
	switch show {
	case "dnd":
		return models.StatusOnline | models.StatusDND
	case "xa":
		return models.StatusOnline | models.StatusNA
	case "away":
		return models.StatusOnline | models.StatusAway
	case "chat":
		return models.StatusOnline | models.StatusFFC
	}
	return models.StatusOnline
}

func ownPresence(st models.Status, text string) presence {
	p := presence{Show: showFor(st), Status: text}
	p.ID = "pres"
	if st&models.StatusInvisible != 0 {
		p.Type = stanza.UnavailablePresence
	}
	return p
}

func (b *Backend) logoff(sess backend.Session, _ *event.Event) (backend.Sent, error) {
	p := presence{}
	p.Type = stanza.UnavailablePresence
	p.ID = "bye"
	if err := writeXML(sess, p); err != nil {
		return backend.Sent{}, err
	}
	return backend.Sent{Result: backend.Delivered}, sess.Write(streamClose)
}

func (b *Backend) setStatus(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	seq := state(sess).next()
	p := ownPresence(ev.Params.Status, ev.Params.Text)
	p.ID = eventStanzaID(seq)
	return backend.Sent{Result: backend.Delivered, Seq: seq}, writeXML(sess, p)
}

func (b *Backend) sendMessage(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	to, err := userJID(ev.User)
	if err != nil {
		return backend.Sent{}, err
	}
	seq := state(sess).next()
	m := message{}
	m.ID = eventStanzaID(seq)
	m.To = to
	m.Type = stanza.ChatMessage

	ue := ev.UserEvent()
	switch {
	case ue == nil:
		m.Body = ev.Params.Text
	default:
		switch c := ue.Content.(type) {
		case models.Message:
			m.Body = c.Text
		case models.URL:
			m.Body = c.Summary()
			m.OOB = &oob{URL: c.URL, Desc: c.Description}
		default:
			return backend.Sent{}, backend.ErrUnsupported
		}
	}
	return backend.Sent{Result: backend.Delivered, Seq: seq}, writeXML(sess, m)
}

// rosterSet adds, updates or removes a roster item; the server answers
// with an iq result.
func (b *Backend) rosterSet(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	if _, err := userJID(ev.User); err != nil {
		return backend.Sent{}, err
	}
	item := rosterItem{JID: ev.User.Account, Name: ev.Params.Alias, Groups: ev.Params.Groups}
	if ev.Op == event.OpRemoveUser {
		item = rosterItem{JID: ev.User.Account, Subscription: "remove"}
	}
	seq := state(sess).next()
	v := iq{IQ: stanza.IQ{ID: eventStanzaID(seq), Type: stanza.SetIQ}, Roster: &rosterQuery{Items: []rosterItem{item}}}
	if err := writeXML(sess, v); err != nil {
		return backend.Sent{}, err
	}
	if ev.Op == event.OpAddUser {
		to, _ := userJID(ev.User)
		p := presence{}
		p.ID = eventStanzaID(seq) + "s"
		p.To = to
		p.Type = stanza.SubscribePresence
		if err := writeXML(sess, p); err != nil {
			return backend.Sent{}, err
		}
	}
	return backend.Sent{Seq: seq}, nil
}

func (b *Backend) subscription(typ stanza.PresenceType) backend.Handler {
	return func(sess backend.Session, ev *event.Event) (backend.Sent, error) {
		to, err := userJID(ev.User)
		if err != nil {
			return backend.Sent{}, err
		}
		seq := state(sess).next()
		p := presence{Status: ev.Params.Text}
		p.ID = eventStanzaID(seq)
		p.To = to.Bare()
		p.Type = typ
		return backend.Sent{Result: backend.Delivered, Seq: seq}, writeXML(sess, p)
	}
}

func (b *Backend) requestInfo(sess backend.Session, ev *event.Event) (backend.Sent, error) {
	to, err := userJID(ev.User)
	if err != nil {
		return backend.Sent{}, err
	}
	seq := state(sess).next()
	v := iq{IQ: stanza.IQ{ID: eventStanzaID(seq), To: to.Bare(), Type: stanza.GetIQ}, VCard: &vcard{}}
	return backend.Sent{Seq: seq}, writeXML(sess, v)
}

// rootName returns the local name and prefix of the packet's first element.
func rootName(pkt []byte) (xml.Name, error) {
	dec := xml.NewDecoder(bytes.NewReader(pkt))
	for {
		tok, err := dec.RawToken()
		if err != nil {
			return xml.Name{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t.Name, nil
		case xml.EndElement:
			return t.Name, nil
		}
	}
}

func (b *Backend) ProcessPacket(sess backend.Session, pkt []byte) backend.Outcome {
	var out backend.Outcome
	s := state(sess)

	if bytes.HasPrefix(pkt, []byte("</")) {
		slog.Info("xmpp stream closed by server", "socket", sess.Socket())
		out.Close = true
		return out
	}
	name, err := rootName(pkt)
	if err != nil {
		slog.Warn("failed to parse xmpp packet", "error", err)
		return out
	}

	switch {
	case name.Space == "stream" && name.Local == "stream":
		// New stream header; features follow.
	case name.Local == "features":
		b.features(sess, s, pkt, &out)
	case name.Local == "challenge" || name.Local == "success" || name.Local == "failure":
		b.sasl(sess, s, name.Local, pkt, &out)
	case name.Space == "stream" && name.Local == "error":
		var e streamError
		_ = xml.Unmarshal(pkt, &e)
		if e.String() == "conflict" {
			out.Fail(ErrConflict)
		} else {
			out.Fail(fmt.Errorf("stream error: %s", e.String()))
		}
	case name.Local == "iq":
		b.iq(sess, s, pkt, &out)
	case name.Local == "message":
		b.message(sess, pkt, &out)
	case name.Local == "presence":
		b.presence(sess, pkt, &out)
	default:
		slog.Debug("unhandled xmpp element", "name", name.Local)
	}
	return out
}

func failLogon(sess backend.Session, out *backend.Outcome, reason string, err error) {
	out.Completions = append(out.Completions, backend.Completion{
		Locator: event.ByWire(sess.Socket(), backend.LogonSeq),
		Result:  event.Failed,
		Err:     reason,
	})
	out.Fail(err)
}

func (b *Backend) features(sess backend.Session, s *session, pkt []byte, out *backend.Outcome) {
	var f features
	if err := xml.Unmarshal(pkt, &f); err != nil {
		failLogon(sess, out, "bad stream features", err)
		return
	}

	switch s.phase {
	case phaseAuth:
		var mech sasl.Mechanism
		for _, m := range mechanisms {
			if slices.Contains(f.Mechanisms.Mechanism, m.Name) {
				mech = m
				break
			}
		}
		if mech.Name == "" {
			failLogon(sess, out, ErrNoMechanism.Error(), ErrNoMechanism)
			return
		}
		owner := sess.Owner()
		user, err := jid.Parse(owner.ID.Account)
		if err != nil {
			failLogon(sess, out, "invalid account", err)
			return
		}
		s.mech = mech.Name
		s.neg = sasl.NewClient(mech, sasl.Credentials(func() ([]byte, []byte, []byte) {
			return []byte(user.Localpart()), []byte(owner.Password), nil
		}))
		_, resp, err := s.neg.Step(nil)
		if err != nil {
			failLogon(sess, out, "authentication failed", err)
			return
		}
		auth := saslAuth{Mechanism: mech.Name, Data: base64.StdEncoding.EncodeToString(resp)}
		if err := writeXML(sess, auth); err != nil {
			out.Fail(err)
		}
	case phaseBind:
		if f.Bind == nil {
			failLogon(sess, out, "server does not offer resource binding", errors.New("no bind feature"))
			return
		}
		v := iq{IQ: stanza.IQ{ID: bindID, Type: stanza.SetIQ}, Bind: &bindQuery{Resource: resource}}
		if err := writeXML(sess, v); err != nil {
			out.Fail(err)
		}
	}
}

func (b *Backend) sasl(sess backend.Session, s *session, kind string, pkt []byte, out *backend.Outcome) {
	var r saslReply
	if err := xml.Unmarshal(pkt, &r); err != nil {
		failLogon(sess, out, "bad sasl reply", err)
		return
	}
	if kind == "failure" {
		reason := "not-authorized"
		if len(r.Condition) > 0 {
			reason = r.Condition[0].XMLName.Local
		}
		failLogon(sess, out, reason, backend.ErrAuthFailed)
		return
	}
	if s.neg == nil {
		failLogon(sess, out, "unexpected sasl reply", backend.ErrAuthFailed)
		return
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.Data))
	if err != nil {
		failLogon(sess, out, "bad sasl payload", err)
		return
	}
	switch kind {
	case "challenge":
		_, resp, err := s.neg.Step(data)
		if err != nil {
			failLogon(sess, out, "authentication failed", err)
			return
		}
		if err := writeXML(sess, saslResponse{Data: base64.StdEncoding.EncodeToString(resp)}); err != nil {
			out.Fail(err)
		}
	case "success":
		// SCRAM carries the server signature here.
		if len(data) > 0 && s.mech != sasl.Plain.Name {
			if _, _, err := s.neg.Step(data); err != nil {
				failLogon(sess, out, "server signature mismatch", err)
				return
			}
		}
		s.neg = nil
		s.phase = phaseBind
		slog.Debug("xmpp authenticated", "mechanism", s.mech)
		if err := sess.Write(streamHeader(s.domain)); err != nil {
			out.Fail(err)
		}
	}
}

func (b *Backend) iq(sess backend.Session, s *session, pkt []byte, out *backend.Outcome) {
	var v iq
	if err := xml.Unmarshal(pkt, &v); err != nil {
		slog.Warn("failed to parse iq", "error", err)
		return
	}

	switch v.Type {
	case stanza.GetIQ:
		reply := iq{IQ: stanza.IQ{ID: v.ID, To: v.From, Type: stanza.ResultIQ}}
		if v.Ping == nil {
			reply.Type = stanza.ErrorIQ
			reply.Error = &stanzaError{Type: "cancel", Condition: []anyElem{{XMLName: xml.Name{Space: nsStanzas, Local: "service-unavailable"}}}}
		}
		if err := writeXML(sess, reply); err != nil {
			out.Fail(err)
		}
		return
	case stanza.SetIQ:
		if v.Roster != nil {
			out.Roster = append(out.Roster, rosterItems(v.Roster)...)
		}
		if err := writeXML(sess, iq{IQ: stanza.IQ{ID: v.ID, Type: stanza.ResultIQ}}); err != nil {
			out.Fail(err)
		}
		return
	}

	switch {
	case v.ID == bindID:
		if v.Type == stanza.ErrorIQ || v.Bind == nil {
			failLogon(sess, out, "resource binding failed: "+v.Error.String(), errors.New("bind failed"))
			return
		}
		bound, err := jid.Parse(v.Bind.JID)
		if err != nil {
			failLogon(sess, out, "bad bound address", err)
			return
		}
		s.bound = bound
		s.phase = phaseReady
		out.State = backend.StateReady
		out.Complete(event.ByWire(sess.Socket(), backend.LogonSeq), event.Success)

		st := sess.Owner().Status
		if !st.IsOnline() {
			st = models.StatusOnline
		}
		out.OwnerStatus = &st
		err = writeXML(sess, ownPresence(st, ""))
		if err == nil {
			err = writeXML(sess, iq{IQ: stanza.IQ{ID: rosterID, Type: stanza.GetIQ}, Roster: &rosterQuery{}})
		}
		if err != nil {
			out.Fail(err)
		}
	case v.ID == rosterID:
		if v.Roster != nil {
			out.Roster = append(out.Roster, rosterItems(v.Roster)...)
		}
	case strings.HasPrefix(v.ID, pingID):
	default:
		seq, ok := parseEventID(v.ID)
		if !ok {
			return
		}
		c := backend.Completion{Locator: event.ByWire(sess.Socket(), seq), Result: event.Acked}
		if v.Type == stanza.ErrorIQ {
			c.Result = event.Failed
			c.Err = v.Error.String()
		} else if v.VCard != nil {
			alias := v.VCard.Nickname
			if alias == "" {
				alias = v.VCard.FullName
			}
			from := models.UserID{Protocol: models.ProtocolXMPP, Account: v.From.Bare().String()}
			c.Search = &event.SearchAck{Users: []models.UserID{from}, Alias: alias}
		}
		out.Completions = append(out.Completions, c)
	}
}

func rosterItems(q *rosterQuery) []backend.RosterItem {
	var items []backend.RosterItem
	for _, it := range q.Items {
		if it.Subscription == "remove" {
			continue
		}
		items = append(items, backend.RosterItem{
			User:       models.UserID{Protocol: models.ProtocolXMPP, Account: it.JID},
			Alias:      it.Name,
			GroupNames: it.Groups,
		})
	}
	return items
}

func (b *Backend) message(sess backend.Session, pkt []byte, out *backend.Outcome) {
	var m message
	if err := xml.Unmarshal(pkt, &m); err != nil {
		slog.Warn("failed to parse message", "error", err)
		return
	}
	if m.Type == stanza.ErrorMessage {
		// Delivery failures after the write already completed the Event.
		slog.Info("xmpp message bounced", "id", m.ID, "from", m.From.String(), "reason", m.Error.String())
		return
	}
	if m.Body == "" && m.OOB == nil {
		return
	}
	from := models.UserID{Protocol: models.ProtocolXMPP, Account: m.From.Bare().String()}

	var ue models.UserEvent
	if m.OOB != nil {
		ue = models.NewUserEvent(models.URL{URL: m.OOB.URL, Description: m.OOB.Desc}, true)
	} else {
		ue = models.NewUserEvent(models.Message{Text: m.Body}, true)
	}
	out.Received = append(out.Received, backend.Incoming{From: from, Event: ue})
}

func (b *Backend) presence(sess backend.Session, pkt []byte, out *backend.Outcome) {
	var p presence
	if err := xml.Unmarshal(pkt, &p); err != nil {
		slog.Warn("failed to parse presence", "error", err)
		return
	}
	from := models.UserID{Protocol: models.ProtocolXMPP, Account: p.From.Bare().String()}
	if s := state(sess); from.Account == s.bound.Bare().String() {
		return
	}

	switch p.Type {
	case stanza.AvailablePresence:
		out.Presence = append(out.Presence, backend.Presence{User: from, Status: statusFor(p.Show)})
	case stanza.UnavailablePresence:
		out.Presence = append(out.Presence, backend.Presence{User: from, Status: models.StatusOffline})
	case stanza.SubscribePresence:
		ue := models.NewUserEvent(models.AuthRequest{Reason: p.Status}, true)
		out.Received = append(out.Received, backend.Incoming{From: from, Event: ue})
	case stanza.SubscribedPresence:
		ue := models.NewUserEvent(models.Added{}, true)
		out.Received = append(out.Received, backend.Incoming{From: from, Event: ue})
	}
}
