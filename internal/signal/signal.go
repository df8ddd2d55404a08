// Package signal carries state-change notifications from the daemon to its
// plugins.
package signal

import (
	"palaver/internal/event"
	"palaver/internal/models"

	"github.com/google/uuid"
)

// Kind is a bit so plugins can subscribe with a mask.
type Kind uint32

const (
	UserUpdated Kind = 1 << iota
	ListChanged
	Logon
	Logoff
	EventDone
	PluginLoaded
	PluginUnloaded
	Disconnected
	UIViewEvent
	UIMessage
	UserEvents
	OwnerStatus

	All Kind = 1<<iota - 1
)

var kindNames = []struct {
	k    Kind
	name string
}{
	{UserUpdated, "user_updated"},
	{ListChanged, "list_changed"},
	{Logon, "logon"},
	{Logoff, "logoff"},
	{EventDone, "event_done"},
	{PluginLoaded, "plugin_loaded"},
	{PluginUnloaded, "plugin_unloaded"},
	{Disconnected, "disconnected"},
	{UIViewEvent, "ui_view_event"},
	{UIMessage, "ui_message"},
	{UserEvents, "user_events"},
	{OwnerStatus, "owner_status"},
}

func (k Kind) String() string {
	for _, kn := range kindNames {
		if kn.k == k {
			return kn.name
		}
	}
	return "unknown"
}

// Sub refines a Kind.
type Sub int

const (
	SubNone Sub = iota
	SubStatus
	SubInfo
	SubSettings
	SubGroups
	SubEventAdded
	SubEventRead
	SubUserAdded
	SubUserRemoved
	SubGroupAdded
	SubGroupRemoved
	SubGroupRenamed
	SubGroupsReordered
)

var subNames = map[Sub]string{
	SubNone:            "",
	SubStatus:          "status",
	SubInfo:            "info",
	SubSettings:        "settings",
	SubGroups:          "groups",
	SubEventAdded:      "event_added",
	SubEventRead:       "event_read",
	SubUserAdded:       "user_added",
	SubUserRemoved:     "user_removed",
	SubGroupAdded:      "group_added",
	SubGroupRemoved:    "group_removed",
	SubGroupRenamed:    "group_renamed",
	SubGroupsReordered: "groups_reordered",
}

func (s Sub) String() string {
	return subNames[s]
}

// Signal is an immutable notification. Consumers get their own copy.
type Signal struct {
	ID   string
	Kind Kind
	Sub  Sub
	User models.UserID
	Arg  int64
	Text string
	Done *event.Done
}

func New(kind Kind, sub Sub, user models.UserID, arg int64) Signal {
	return Signal{
		ID:   uuid.NewString(),
		Kind: kind,
		Sub:  sub,
		User: user,
		Arg:  arg,
	}
}

func NewDone(d event.Done) Signal {
	s := New(EventDone, SubNone, d.User, int64(d.ID))
	s.Done = &d
	return s
}

// clone gives a copy that shares nothing mutable with s.
func (s Signal) clone() Signal {
	if s.Done != nil {
		d := *s.Done
		if d.ExtendedAck != nil {
			a := *d.ExtendedAck
			d.ExtendedAck = &a
		}
		if d.SearchAck != nil {
			a := *d.SearchAck
			a.Users = append([]models.UserID(nil), a.Users...)
			d.SearchAck = &a
		}
		s.Done = &d
	}
	return s
}
