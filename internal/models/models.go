package models

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
)

// ProtocolID names a chat network.
type ProtocolID string

const (
	ProtocolMSN  ProtocolID = "MSN"
	ProtocolXMPP ProtocolID = "XMPP"
	ProtocolIRC  ProtocolID = "IRC"
	// ProtocolICQ is reserved; no backend speaks OSCAR.
	ProtocolICQ ProtocolID = "ICQ"
)

func ParseProtocol(s string) (ProtocolID, error) {
	switch p := ProtocolID(strings.ToUpper(s)); p {
	case ProtocolMSN, ProtocolXMPP, ProtocolIRC, ProtocolICQ:
		return p, nil
	case "JABBER":
		return ProtocolXMPP, nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// UserID identifies a contact on one network.
type UserID struct {
	Protocol ProtocolID `json:"protocol"`
	Account  string     `json:"account"`
}

// Key is the index and storage key, "PROTO:account".
func (id UserID) Key() string {
	return string(id.Protocol) + ":" + id.Account
}

func (id UserID) String() string {
	return id.Key()
}

func (id UserID) IsZero() bool {
	return id.Protocol == "" && id.Account == ""
}

func ParseUserID(key string) (UserID, error) {
	proto, account, ok := strings.Cut(key, ":")
	if !ok || account == "" {
		return UserID{}, fmt.Errorf("malformed user id %q", key)
	}
	p, err := ParseProtocol(proto)
	if err != nil {
		return UserID{}, err
	}
	return UserID{Protocol: p, Account: account}, nil
}

// SocketID is a reactor-assigned connection descriptor.
type SocketID int64

const NoSocket SocketID = 0

// Server is one remote endpoint of a network.
type Server struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

func (s Server) String() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ParseServer is the inverse of String.
func ParseServer(str string) (Server, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(str))
	if err != nil {
		return Server{}, fmt.Errorf("invalid server %q: %w", str, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return Server{}, fmt.Errorf("invalid port in %q", str)
	}
	return Server{Host: host, Port: n}, nil
}

type UserSettings struct {
	AutoResponse string `json:"autoResponse,omitempty"`
	Encoding     string `json:"encoding,omitempty"`
	AuthRequired bool   `json:"authRequired,omitempty"`
	Ignore       bool   `json:"ignore,omitempty"`
}

// User is a contact record.
type User struct {
	ID        UserID       `json:"id"`
	Alias     string       `json:"alias"`
	Status    Status       `json:"status"`
	Groups    []int        `json:"groups,omitempty"`
	Socket    SocketID     `json:"-"`
	Pending   []UserEvent  `json:"-"`
	Settings  UserSettings `json:"settings"`
	Permanent bool         `json:"permanent"`
	LastSeen  int64        `json:"lastSeen"` // Unix timestamp (seconds)

	// AutoResponded is set once the owner's away message went out to this
	// contact and cleared when the owner status changes.
	AutoResponded bool `json:"-"`
}

func (u *User) InGroup(id int) bool {
	_, ok := slices.BinarySearch(u.Groups, id)
	return ok
}

// SetGroup adds or removes a group membership, keeping Groups sorted.
// It reports whether anything changed.
func (u *User) SetGroup(id int, member bool) bool {
	i, ok := slices.BinarySearch(u.Groups, id)
	switch {
	case member && !ok:
		u.Groups = slices.Insert(u.Groups, i, id)
		return true
	case !member && ok:
		u.Groups = slices.Delete(u.Groups, i, i+1)
		return true
	}
	return false
}

// Clone returns a deep copy safe to use after the registry lock is released.
func (u *User) Clone() User {
	c := *u
	c.Groups = slices.Clone(u.Groups)
	c.Pending = slices.Clone(u.Pending)
	return c
}

// Owner is the local account on one network.
type Owner struct {
	User
	Password      string   `json:"-"`
	DesiredStatus Status   `json:"desiredStatus"`
	Servers       []Server `json:"servers,omitempty"`
}

func (o *Owner) Clone() Owner {
	c := *o
	c.User = o.User.Clone()
	c.Servers = slices.Clone(o.Servers)
	return c
}

// Group is a named, ordered container of users.
type Group struct {
	ID        int                `json:"id"`
	Name      string             `json:"name"`
	SortIndex int                `json:"sortIndex"`
	ServerIDs map[ProtocolID]int `json:"serverIds,omitempty"`
}

func (g Group) Clone() Group {
	if g.ServerIDs != nil {
		ids := make(map[ProtocolID]int, len(g.ServerIDs))
		for k, v := range g.ServerIDs {
			ids[k] = v
		}
		g.ServerIDs = ids
	}
	return g
}

// ClientMessage represents a message sent from a websocket client.
type ClientMessage struct {
	Type     ClientMessageType `json:"type"`
	Protocol ProtocolID        `json:"protocol,omitempty"`
	Account  string            `json:"account,omitempty"`
	Content  string            `json:"content,omitempty"`
	EventID  uint64            `json:"eventId,omitempty"`
	Status   string            `json:"status,omitempty"`
}

func (m ClientMessage) UserID() UserID {
	return UserID{Protocol: m.Protocol, Account: m.Account}
}

// ServerMessage represents a message to a websocket client.
type ServerMessage struct {
	Type     ServerMessageType `json:"type"`
	SignalID string            `json:"signalId,omitempty"`
	Kind     string            `json:"kind,omitempty"`
	Sub      string            `json:"sub,omitempty"`
	User     *UserID           `json:"user,omitempty"`
	Arg      int64             `json:"arg,omitempty"`
	EventID  uint64            `json:"eventId,omitempty"`
	Result   string            `json:"result,omitempty"`
	Events   []FlatEvent       `json:"events,omitempty"`
	Text     string            `json:"text,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeSend   ClientMessageType = "send"
	ClientMessageTypeCancel ClientMessageType = "cancel"
	ClientMessageTypeStatus ClientMessageType = "status"
	ClientMessageTypeView   ClientMessageType = "view"
)

type ServerMessageType string

const (
	ServerMessageTypeSignal ServerMessageType = "signal"
	ServerMessageTypeAck    ServerMessageType = "ack"
	ServerMessageTypeError  ServerMessageType = "error"
)

// APIResponse is the generic JSON reply of the HTTP handlers.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
