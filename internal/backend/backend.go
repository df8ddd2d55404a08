// Package backend defines what a network implementation must provide so the
// reactor and event table can drive it without knowing its wire format.
package backend

import (
	"bufio"
	"errors"
	"time"

	"palaver/internal/event"
	"palaver/internal/models"
	"palaver/internal/signal"
)

// LogonSeq is the sequence the logon Event is bound to. Backends never use
// it for anything else.
const LogonSeq uint32 = 0

var (
	ErrNotConnected = errors.New("not connected")
	ErrUnsupported  = errors.New("operation not supported by protocol")
	ErrAuthFailed   = errors.New("authentication failed")
)

// State of one connection. The zero value means "no change" in an Outcome.
type State int

const (
	StateUnchanged State = iota
	StateUninitialized
	StateConnecting
	StateConnected
	StateNegotiating
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unchanged"
}

// Usable reports whether Events may be dispatched on the connection.
func (s State) Usable() bool {
	return s == StateReady
}

// Session is the reactor's view of one connection, handed to a backend
// only during reactor callbacks.
type Session interface {
	Socket() models.SocketID
	Protocol() models.ProtocolID
	Owner() OwnerInfo
	State() State
	Write(p []byte) error
	// Data is backend-private per-connection state.
	Data() any
	SetData(v any)
}

type OwnerInfo struct {
	ID       models.UserID
	Alias    string
	Password string
	Status   models.Status
	Server   models.Server
}

type SendResult int

const (
	// AwaitReply keeps the Event running until a matching reply.
	AwaitReply SendResult = iota
	// Delivered completes the Event with Acked as soon as the write succeeds.
	Delivered
)

// Sent tells the reactor how to track what Send wrote.
type Sent struct {
	Result SendResult
	Seq    uint32
	SubSeq uint32
}

// Completion resolves one Event.
type Completion struct {
	Locator event.Locator
	Result  event.Result
	Ack     *event.ExtendedAck
	Search  *event.SearchAck
	Err     string
	// Extend moves a running Event to the extended table instead of
	// completing it; Result is ignored.
	Extend bool
	// Extended targets the extended table.
	Extended bool
}

// Presence is a contact status change reported by the network.
type Presence struct {
	User   models.UserID
	Status models.Status
	Alias  string
}

// Incoming is a user event that arrived from a contact.
type Incoming struct {
	From  models.UserID
	Event models.UserEvent
	// Raw marks text that may need decoding with the contact's encoding.
	Raw bool
}

// RosterItem is one entry of the server-side contact list.
type RosterItem struct {
	User  models.UserID
	Alias string
	// Groups are server group ids.
	Groups []int
	// GroupNames is used by networks that name groups instead of numbering
	// them.
	GroupNames []string
}

type ServerGroup struct {
	ID   int
	Name string
}

// Outcome is everything a packet produced.
type Outcome struct {
	State        State
	Completions  []Completion
	Signals      []signal.Signal
	Received     []Incoming
	Presence     []Presence
	Roster       []RosterItem
	ServerGroups []ServerGroup
	OwnerStatus  *models.Status
	// Close asks the reactor to drop the connection after applying the rest.
	Close bool
	Err   error
}

func (o *Outcome) Complete(loc event.Locator, res event.Result) {
	o.Completions = append(o.Completions, Completion{Locator: loc, Result: res})
}

func (o *Outcome) Fail(err error) {
	o.Err = err
	o.Close = true
}

type Timeouts struct {
	// Ack bounds how long a running Event waits for its reply.
	Ack time.Duration
	// Logon bounds the time from connect to Ready.
	Logon time.Duration
	// ExtendedIdle bounds how long a two-phase Event waits for the peer.
	ExtendedIdle time.Duration
	// Ping is the keepalive interval; zero disables pings.
	Ping time.Duration
}

// Backend is one network implementation. All methods are called from the
// reactor goroutine.
type Backend interface {
	Protocol() models.ProtocolID
	Split() bufio.SplitFunc
	Timeouts() Timeouts
	// Start runs once the socket is connected and sends the greeting.
	Start(sess Session) error
	// Send writes ev to the network. An error fails ev immediately.
	Send(sess Session, ev *event.Event) (Sent, error)
	ProcessPacket(sess Session, pkt []byte) Outcome
	Ping(sess Session) error
	Disconnected(sess Session)
}

// Handler dispatches Ops to per-operation functions; backends embed it to
// avoid a switch per Send.
type Handler func(sess Session, ev *event.Event) (Sent, error)

type HandlerTable map[event.Op]Handler

func (t HandlerTable) Dispatch(sess Session, ev *event.Event) (Sent, error) {
	h, ok := t[ev.Op]
	if !ok {
		return Sent{}, ErrUnsupported
	}
	return h(sess, ev)
}
