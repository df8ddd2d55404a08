package storage

import (
	"encoding"
	"encoding/binary"

	"palaver/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBToken struct {
	UserID string `msgpack:"userId"`
	Token  string `msgpack:"token"`
}

func (t *DBToken) Key() []byte {
	return []byte(t.Token)
}

func (t *DBToken) MarshalBinary() (data []byte, err error) {
	type alias DBToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBToken) UnmarshalBinary(data []byte) error {
	type alias DBToken
	return msgpack.Unmarshal(data, (*alias)(t))
}

// DBLogin is a front-end login, not a network account.
type DBLogin struct {
	ID           string `msgpack:"id"`
	UserName     string `msgpack:"userName"`
	PasswordHash string `msgpack:"passwordHash"`
}

func (l *DBLogin) Key() []byte {
	return []byte(l.UserName)
}

func (l *DBLogin) MarshalBinary() (data []byte, err error) {
	type alias DBLogin
	return msgpack.Marshal((*alias)(l))
}

func (l *DBLogin) UnmarshalBinary(data []byte) error {
	type alias DBLogin
	return msgpack.Unmarshal(data, (*alias)(l))
}

type DBContact struct {
	Protocol     string             `msgpack:"protocol"`
	Account      string             `msgpack:"account"`
	Alias        string             `msgpack:"alias"`
	Groups       []int              `msgpack:"groups"`
	Permanent    bool               `msgpack:"permanent"`
	LastSeen     int64              `msgpack:"lastSeen"`
	AutoResponse string             `msgpack:"autoResponse"`
	Encoding     string             `msgpack:"encoding"`
	AuthRequired bool               `msgpack:"authRequired"`
	Ignore       bool               `msgpack:"ignore"`
	Pending      []models.FlatEvent `msgpack:"pending"`
}

func (c *DBContact) Key() []byte {
	return []byte(c.userID().Key())
}

func (c *DBContact) userID() models.UserID {
	return models.UserID{Protocol: models.ProtocolID(c.Protocol), Account: c.Account}
}

func (c *DBContact) MarshalBinary() (data []byte, err error) {
	type alias DBContact
	return msgpack.Marshal((*alias)(c))
}

func (c *DBContact) UnmarshalBinary(data []byte) error {
	type alias DBContact
	return msgpack.Unmarshal(data, (*alias)(c))
}

func contactFromUser(u models.User) DBContact {
	c := DBContact{
		Protocol:     string(u.ID.Protocol),
		Account:      u.ID.Account,
		Alias:        u.Alias,
		Groups:       u.Groups,
		Permanent:    u.Permanent,
		LastSeen:     u.LastSeen,
		AutoResponse: u.Settings.AutoResponse,
		Encoding:     u.Settings.Encoding,
		AuthRequired: u.Settings.AuthRequired,
		Ignore:       u.Settings.Ignore,
	}
	for _, ue := range u.Pending {
		c.Pending = append(c.Pending, ue.Flatten())
	}
	return c
}

func (c *DBContact) user() (models.User, error) {
	u := models.User{
		ID:        c.userID(),
		Alias:     c.Alias,
		Groups:    c.Groups,
		Permanent: c.Permanent,
		LastSeen:  c.LastSeen,
		Settings: models.UserSettings{
			AutoResponse: c.AutoResponse,
			Encoding:     c.Encoding,
			AuthRequired: c.AuthRequired,
			Ignore:       c.Ignore,
		},
	}
	for _, f := range c.Pending {
		ue, err := f.Unflatten()
		if err != nil {
			return models.User{}, err
		}
		u.Pending = append(u.Pending, ue)
	}
	return u, nil
}

// DBOwner must not embed DBContact or the alias below picks up its
// MarshalBinary.
type DBOwner struct {
	Contact       DBContact       `msgpack:"contact"`
	Password      string          `msgpack:"password"`
	DesiredStatus uint32          `msgpack:"desiredStatus"`
	Servers       []models.Server `msgpack:"servers"`
}

func (o *DBOwner) Key() []byte {
	return []byte(o.Contact.Protocol)
}

func (o *DBOwner) MarshalBinary() (data []byte, err error) {
	type alias DBOwner
	return msgpack.Marshal((*alias)(o))
}

func (o *DBOwner) UnmarshalBinary(data []byte) error {
	type alias DBOwner
	return msgpack.Unmarshal(data, (*alias)(o))
}

type DBGroup struct {
	ID        int            `msgpack:"id"`
	Name      string         `msgpack:"name"`
	SortIndex int            `msgpack:"sortIndex"`
	ServerIDs map[string]int `msgpack:"serverIds"`
}

func (g *DBGroup) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(g.ID))
	return key
}

func (g *DBGroup) MarshalBinary() (data []byte, err error) {
	type alias DBGroup
	return msgpack.Marshal((*alias)(g))
}

func (g *DBGroup) UnmarshalBinary(data []byte) error {
	type alias DBGroup
	return msgpack.Unmarshal(data, (*alias)(g))
}

// DBHistory is one entry of a contact's history sub-bucket.
type DBHistory struct {
	Seq   uint64           `msgpack:"seq"`
	Event models.FlatEvent `msgpack:"event"`
}

func (h *DBHistory) Key() []byte {
	return seqKey(h.Seq)
}

func (h *DBHistory) MarshalBinary() (data []byte, err error) {
	type alias DBHistory
	return msgpack.Marshal((*alias)(h))
}

func (h *DBHistory) UnmarshalBinary(data []byte) error {
	type alias DBHistory
	return msgpack.Unmarshal(data, (*alias)(h))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// PushSubscription is a browser endpoint registered for web push.
type PushSubscription struct {
	Endpoint string `msgpack:"endpoint" json:"endpoint"`
	P256dh   string `msgpack:"p256dh" json:"p256dh"`
	Auth     string `msgpack:"auth" json:"auth"`
	UserID   string `msgpack:"userId" json:"-"`
}

func (p *PushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *PushSubscription) MarshalBinary() (data []byte, err error) {
	type alias PushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *PushSubscription) UnmarshalBinary(data []byte) error {
	type alias PushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}
