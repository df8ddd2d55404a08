// Package event tracks in-flight protocol exchanges until each one reaches
// exactly one terminal result.
package event

import (
	"context"
	"slices"
	"time"

	"palaver/internal/models"
)

type Result int

const (
	Pending Result = iota
	Success
	Acked
	Failed
	TimedOut
	Error
	Cancelled
)

func (r Result) String() string {
	switch r {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Acked:
		return "acked"
	case Failed:
		return "failed"
	case TimedOut:
		return "timedout"
	case Error:
		return "error"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Delivered reports whether the remote side got the request.
func (r Result) Delivered() bool {
	return r == Success || r == Acked
}

func (r Result) Terminal() bool {
	return r != Pending
}

type ConnectType int

const (
	ViaServer ConnectType = iota
	Direct
)

// Op is the operation an Event performs.
type Op int

const (
	OpNone Op = iota
	OpLogon
	OpLogoff
	OpSetStatus
	OpSendMessage
	OpSendURL
	OpSendContactList
	OpSendFile
	OpChatRequest
	OpChatAccept
	OpChatRefuse
	OpFileAccept
	OpFileRefuse
	OpAddUser
	OpRemoveUser
	OpRenameUser
	OpChangeGroups
	OpGrantAuth
	OpRefuseAuth
	OpRequestAuth
	OpRequestInfo
	OpFetchAutoResponse
)

var opNames = map[Op]string{
	OpNone:              "none",
	OpLogon:             "logon",
	OpLogoff:            "logoff",
	OpSetStatus:         "set_status",
	OpSendMessage:       "send_message",
	OpSendURL:           "send_url",
	OpSendContactList:   "send_contacts",
	OpSendFile:          "send_file",
	OpChatRequest:       "chat_request",
	OpChatAccept:        "chat_accept",
	OpChatRefuse:        "chat_refuse",
	OpFileAccept:        "file_accept",
	OpFileRefuse:        "file_refuse",
	OpAddUser:           "add_user",
	OpRemoveUser:        "remove_user",
	OpRenameUser:        "rename_user",
	OpChangeGroups:      "change_groups",
	OpGrantAuth:         "grant_auth",
	OpRefuseAuth:        "refuse_auth",
	OpRequestAuth:       "request_auth",
	OpRequestInfo:       "request_info",
	OpFetchAutoResponse: "fetch_auto_response",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return "unknown"
}

// ExtendedAck is the answer to a two-phase request such as a chat or file
// offer.
type ExtendedAck struct {
	Accepted bool
	Port     int
	Response string
}

type SearchAck struct {
	Users []models.UserID
	Alias string
	More  int
}

// Params carries operation arguments that are not a UserEvent.
type Params struct {
	Status models.Status
	Alias  string
	Text   string
	Groups []string
	Port   int
	// Ref points at the remote request being answered (accept/refuse).
	Ref uint32
}

// Event is one outstanding protocol exchange. Wire fields are only changed
// by the Table while the Event is in it.
type Event struct {
	ID       uint64
	Socket   models.SocketID
	Seq      uint32
	SubSeq   uint32
	User     models.UserID
	Protocol models.ProtocolID
	Op       Op
	Connect  ConnectType
	Params   Params
	Created  time.Time
	Deadline time.Time

	result    Result
	err       string
	userEvent *models.UserEvent
	extAck    *ExtendedAck
	search    *SearchAck

	ctx    context.Context
	cancel context.CancelFunc
}

func (e *Event) Result() Result {
	return e.result
}

// Context is cancelled once the Event is terminal.
func (e *Event) Context() context.Context {
	return e.ctx
}

func (e *Event) Cancelled() bool {
	return e.ctx.Err() != nil
}

func (e *Event) SetError(msg string) {
	e.err = msg
}

func (e *Event) SetUserEvent(ue models.UserEvent) {
	e.userEvent = &ue
}

func (e *Event) SetExtendedAck(a ExtendedAck) {
	e.extAck = &a
}

func (e *Event) SetSearchAck(a SearchAck) {
	e.search = &a
}

// UserEvent returns the payload without giving up ownership.
func (e *Event) UserEvent() *models.UserEvent {
	return e.userEvent
}

func (e *Event) ExtendedAck() *ExtendedAck {
	return e.extAck
}

// GrabUserEvent moves the payload out of the Event.
func (e *Event) GrabUserEvent() *models.UserEvent {
	ue := e.userEvent
	e.userEvent = nil
	return ue
}

func (e *Event) GrabExtendedAck() *ExtendedAck {
	a := e.extAck
	e.extAck = nil
	return a
}

func (e *Event) GrabSearchAck() *SearchAck {
	a := e.search
	e.search = nil
	return a
}

// Done is an immutable summary of a completed Event.
type Done struct {
	ID          uint64
	Result      Result
	User        models.UserID
	Protocol    models.ProtocolID
	Op          Op
	Socket      models.SocketID
	Seq         uint32
	UserEventID string
	ExtendedAck *ExtendedAck
	SearchAck   *SearchAck
	Err         string
}

func (e *Event) Snapshot() Done {
	d := Done{
		ID:       e.ID,
		Result:   e.result,
		User:     e.User,
		Protocol: e.Protocol,
		Op:       e.Op,
		Socket:   e.Socket,
		Seq:      e.Seq,
		Err:      e.err,
	}
	if e.userEvent != nil {
		d.UserEventID = e.userEvent.ID
	}
	if e.extAck != nil {
		a := *e.extAck
		d.ExtendedAck = &a
	}
	if e.search != nil {
		s := *e.search
		s.Users = slices.Clone(s.Users)
		d.SearchAck = &s
	}
	return d
}
