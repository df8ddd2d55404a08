package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ContentKind string

const (
	KindMessage     ContentKind = "message"
	KindURL         ContentKind = "url"
	KindFile        ContentKind = "file"
	KindChatRequest ContentKind = "chat"
	KindContactList ContentKind = "contacts"
	KindAuthRequest ContentKind = "auth"
	KindAdded       ContentKind = "added"
)

// Content is the payload of a UserEvent. The set of variants is closed.
type Content interface {
	Kind() ContentKind
	Summary() string
	isContent()
}

type Message struct {
	Text string
}

type URL struct {
	URL         string
	Description string
}

type File struct {
	Name        string
	Size        int64
	MIME        string
	Description string
	FileID      string
}

type ChatRequest struct {
	Reason string
}

type ContactList struct {
	Contacts []UserID
}

type AuthRequest struct {
	Reason string
}

// Added tells the owner that someone put them on their list.
type Added struct{}

func (Message) Kind() ContentKind     { return KindMessage }
func (URL) Kind() ContentKind         { return KindURL }
func (File) Kind() ContentKind        { return KindFile }
func (ChatRequest) Kind() ContentKind { return KindChatRequest }
func (ContactList) Kind() ContentKind { return KindContactList }
func (AuthRequest) Kind() ContentKind { return KindAuthRequest }
func (Added) Kind() ContentKind       { return KindAdded }

func (m Message) Summary() string     { return m.Text }
func (u URL) Summary() string         { return strings.TrimSpace(u.Description + " " + u.URL) }
func (f File) Summary() string        { return fmt.Sprintf("%s (%d bytes)", f.Name, f.Size) }
func (c ChatRequest) Summary() string { return c.Reason }
func (c ContactList) Summary() string { return fmt.Sprintf("%d contacts", len(c.Contacts)) }
func (a AuthRequest) Summary() string { return a.Reason }
func (Added) Summary() string         { return "added you to their contact list" }

func (Message) isContent()     {}
func (URL) isContent()         {}
func (File) isContent()        {}
func (ChatRequest) isContent() {}
func (ContactList) isContent() {}
func (AuthRequest) isContent() {}
func (Added) isContent()       {}

type EventFlags uint32

const (
	FlagUrgent EventFlags = 1 << iota
	FlagDirect
	FlagMultiRecipient
	FlagAutoResponse
)

// UserEvent is a message, URL, file offer or similar item exchanged with a
// contact.
type UserEvent struct {
	ID       string
	Time     int64 // Unix timestamp (seconds)
	Incoming bool
	Flags    EventFlags
	Color    uint32
	// Ref identifies a remote request (file or chat offer) so it can be
	// answered later.
	Ref     uint32
	Content Content
}

func NewUserEvent(c Content, incoming bool) UserEvent {
	return UserEvent{
		ID:       uuid.NewString(),
		Time:     time.Now().Unix(),
		Incoming: incoming,
		Content:  c,
	}
}

// FlatEvent is the tagged wire/storage form of a UserEvent.
type FlatEvent struct {
	ID       string      `json:"id" msgpack:"id"`
	Time     int64       `json:"time" msgpack:"time"`
	Incoming bool        `json:"incoming" msgpack:"incoming"`
	Flags    EventFlags  `json:"flags,omitempty" msgpack:"flags"`
	Color    uint32      `json:"color,omitempty" msgpack:"color"`
	Ref      uint32      `json:"ref,omitempty" msgpack:"ref"`
	Kind     ContentKind `json:"kind" msgpack:"kind"`
	Text     string      `json:"text,omitempty" msgpack:"text"`
	URL      string      `json:"url,omitempty" msgpack:"url"`
	Name     string      `json:"name,omitempty" msgpack:"name"`
	Size     int64       `json:"size,omitempty" msgpack:"size"`
	MIME     string      `json:"mime,omitempty" msgpack:"mime"`
	FileID   string      `json:"fileId,omitempty" msgpack:"fileId"`
	Contacts []UserID    `json:"contacts,omitempty" msgpack:"contacts"`
	User     *UserID     `json:"user,omitempty" msgpack:"-"`
	HTML     string      `json:"html,omitempty" msgpack:"-"`
}

func (e UserEvent) Flatten() FlatEvent {
	f := FlatEvent{
		ID:       e.ID,
		Time:     e.Time,
		Incoming: e.Incoming,
		Flags:    e.Flags,
		Color:    e.Color,
		Ref:      e.Ref,
	}
	if e.Content == nil {
		return f
	}
	f.Kind = e.Content.Kind()
	switch c := e.Content.(type) {
	case Message:
		f.Text = c.Text
	case URL:
		f.URL = c.URL
		f.Text = c.Description
	case File:
		f.Name = c.Name
		f.Size = c.Size
		f.MIME = c.MIME
		f.FileID = c.FileID
		f.Text = c.Description
	case ChatRequest:
		f.Text = c.Reason
	case ContactList:
		f.Contacts = c.Contacts
	case AuthRequest:
		f.Text = c.Reason
	}
	return f
}

func (f FlatEvent) Unflatten() (UserEvent, error) {
	e := UserEvent{
		ID:       f.ID,
		Time:     f.Time,
		Incoming: f.Incoming,
		Flags:    f.Flags,
		Color:    f.Color,
		Ref:      f.Ref,
	}
	switch f.Kind {
	case KindMessage:
		e.Content = Message{Text: f.Text}
	case KindURL:
		e.Content = URL{URL: f.URL, Description: f.Text}
	case KindFile:
		e.Content = File{Name: f.Name, Size: f.Size, MIME: f.MIME, FileID: f.FileID, Description: f.Text}
	case KindChatRequest:
		e.Content = ChatRequest{Reason: f.Text}
	case KindContactList:
		e.Content = ContactList{Contacts: f.Contacts}
	case KindAuthRequest:
		e.Content = AuthRequest{Reason: f.Text}
	case KindAdded:
		e.Content = Added{}
	default:
		return UserEvent{}, fmt.Errorf("unknown event kind %q", f.Kind)
	}
	return e, nil
}
