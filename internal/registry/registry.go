// Package registry holds owners, contacts and groups behind per-entity
// read/write locks.
//
// Nothing outside this package keeps a pointer to a User or Owner beyond the
// life of the handle it came from. Lock order: an entity lock may be taken
// before an index transaction, never the other way round, and user locks are
// never held together with the group list lock.
package registry

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"palaver/internal/models"

	"github.com/c-pro/geche"
)

type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

var (
	ErrExists        = errors.New("already exists")
	ErrGroupExists   = errors.New("group name already exists")
	ErrGroupNotFound = errors.New("group not found")
	ErrOwnerOnline   = errors.New("owner is online")
	ErrNotWritable   = errors.New("group list is not locked for writing")
)

type DirtyKind int

const (
	DirtyUser DirtyKind = iota
	DirtyUserRemoved
	DirtyOwner
	DirtyOwnerRemoved
	DirtyGroups
)

// Dirty names something that changed and should be written out.
type Dirty struct {
	Kind     DirtyKind
	User     models.UserID
	Protocol models.ProtocolID
}

type DirtyFunc func(Dirty)

type userEntry struct {
	mu      sync.RWMutex
	user    models.User
	removed bool
}

type ownerEntry struct {
	mu      sync.RWMutex
	owner   models.Owner
	removed bool
}

type Registry struct {
	users     *geche.Locker[string, *userEntry]
	userOrder []string // guarded by the users locker

	owners     *geche.Locker[models.ProtocolID, *ownerEntry]
	ownerOrder []models.ProtocolID // guarded by the owners locker

	groups groupList

	dirty DirtyFunc
}

func New(dirty DirtyFunc) *Registry {
	return &Registry{
		users:  geche.NewLocker[string, *userEntry](geche.NewMapCache[string, *userEntry]()),
		owners: geche.NewLocker[models.ProtocolID, *ownerEntry](geche.NewMapCache[models.ProtocolID, *ownerEntry]()),
		groups: groupList{nextID: 1},
		dirty:  dirty,
	}
}

func (r *Registry) markDirty(d Dirty) {
	if r.dirty != nil {
		r.dirty(d)
	}
}

// Restore replaces the registry contents with previously persisted state.
// It does not report anything dirty.
func (r *Registry) Restore(owners []models.Owner, users []models.User, groups []models.Group) {
	tx := r.owners.Lock()
	for _, p := range r.ownerOrder {
		_ = tx.Del(p)
	}
	r.ownerOrder = r.ownerOrder[:0]
	for _, o := range owners {
		tx.Set(o.ID.Protocol, &ownerEntry{owner: o.Clone()})
		r.ownerOrder = append(r.ownerOrder, o.ID.Protocol)
	}
	tx.Unlock()

	utx := r.users.Lock()
	for _, k := range r.userOrder {
		_ = utx.Del(k)
	}
	r.userOrder = r.userOrder[:0]
	for i := range users {
		k := users[i].ID.Key()
		if _, err := utx.Get(k); err == nil {
			continue
		}
		utx.Set(k, &userEntry{user: users[i].Clone()})
		r.userOrder = append(r.userOrder, k)
	}
	utx.Unlock()

	r.groups.restore(groups)
}

// UserHandle is a scoped lock on one contact.
type UserHandle struct {
	r        *Registry
	e        *userEntry
	mode     Mode
	released bool
}

func (h *UserHandle) IsLocked() bool {
	return h != nil && h.e != nil && !h.released
}

func (h *UserHandle) Mode() Mode {
	return h.mode
}

// User returns the locked record, or nil when the handle is not locked.
// Read handles must not modify it.
func (h *UserHandle) User() *models.User {
	if !h.IsLocked() {
		return nil
	}
	return &h.e.user
}

// Release drops the lock. Releasing twice is a no-op.
func (h *UserHandle) Release() {
	if !h.IsLocked() {
		return
	}
	h.released = true
	id := h.e.user.ID
	if h.mode == Write {
		h.e.mu.Unlock()
		h.r.markDirty(Dirty{Kind: DirtyUser, User: id})
		return
	}
	h.e.mu.RUnlock()
}

func lockRW(mu *sync.RWMutex, mode Mode) {
	if mode == Write {
		mu.Lock()
	} else {
		mu.RLock()
	}
}

func unlockRW(mu *sync.RWMutex, mode Mode) {
	if mode == Write {
		mu.Unlock()
	} else {
		mu.RUnlock()
	}
}

func (r *Registry) lookupUser(key string) (*userEntry, bool) {
	tx := r.users.RLock()
	defer tx.Unlock()
	e, err := tx.Get(key)
	return e, err == nil
}

func (r *Registry) lockUserEntry(e *userEntry, mode Mode) *UserHandle {
	lockRW(&e.mu, mode)
	if e.removed {
		unlockRW(&e.mu, mode)
		return &UserHandle{}
	}
	return &UserHandle{r: r, e: e, mode: mode}
}

// LockUser blocks until the contact can be locked in the requested mode.
// An unknown or concurrently removed contact yields an unlocked handle.
func (r *Registry) LockUser(id models.UserID, mode Mode) *UserHandle {
	e, ok := r.lookupUser(id.Key())
	if !ok {
		return &UserHandle{}
	}
	return r.lockUserEntry(e, mode)
}

// WithUser runs fn under the contact's lock. It returns models.ErrNotFound
// when the contact does not exist.
func (r *Registry) WithUser(id models.UserID, mode Mode, fn func(u *models.User) error) error {
	h := r.LockUser(id, mode)
	if !h.IsLocked() {
		return models.ErrNotFound
	}
	defer h.Release()
	return fn(h.User())
}

// ReadUser returns a copy of the contact.
func (r *Registry) ReadUser(id models.UserID) (models.User, bool) {
	h := r.LockUser(id, Read)
	if !h.IsLocked() {
		return models.User{}, false
	}
	defer h.Release()
	return h.User().Clone(), true
}

func (r *Registry) UserExists(id models.UserID) bool {
	_, ok := r.lookupUser(id.Key())
	return ok
}

// AddUser puts a contact on the list. Adding a temporary contact again as
// permanent promotes it.
func (r *Registry) AddUser(id models.UserID, alias string, permanent bool, groupID int) error {
	if groupID != 0 {
		// Held until the membership is written so RemoveGroup cannot
		// run in between.
		gh := r.LockGroupList(Read)
		defer gh.Release()
		if _, ok := gh.Get(groupID); !ok {
			return ErrGroupNotFound
		}
	}
	if alias == "" {
		alias = id.Account
	}

	key := id.Key()
	tx := r.users.Lock()
	if e, err := tx.Get(key); err == nil {
		tx.Unlock()
		if !permanent {
			return ErrExists
		}
		h := r.lockUserEntry(e, Write)
		if !h.IsLocked() {
			return models.ErrNotFound
		}
		defer h.Release()
		u := h.User()
		if u.Permanent {
			return ErrExists
		}
		u.Permanent = true
		u.Alias = alias
		if groupID != 0 {
			u.SetGroup(groupID, true)
		}
		return nil
	}

	u := models.User{ID: id, Alias: alias, Permanent: permanent}
	if groupID != 0 {
		u.SetGroup(groupID, true)
	}
	tx.Set(key, &userEntry{user: u})
	r.userOrder = append(r.userOrder, key)
	tx.Unlock()

	r.markDirty(Dirty{Kind: DirtyUser, User: id})
	return nil
}

func (r *Registry) RemoveUser(id models.UserID) error {
	key := id.Key()
	e, ok := r.lookupUser(key)
	if !ok {
		return models.ErrNotFound
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return models.ErrNotFound
	}
	e.removed = true
	e.mu.Unlock()

	tx := r.users.Lock()
	_ = tx.Del(key)
	if i := slices.Index(r.userOrder, key); i >= 0 {
		r.userOrder = slices.Delete(r.userOrder, i, i+1)
	}
	tx.Unlock()

	r.markDirty(Dirty{Kind: DirtyUserRemoved, User: id})
	return nil
}

func (r *Registry) userEntries() []*userEntry {
	tx := r.users.RLock()
	defer tx.Unlock()
	entries := make([]*userEntry, 0, len(r.userOrder))
	for _, k := range r.userOrder {
		if e, err := tx.Get(k); err == nil {
			entries = append(entries, e)
		}
	}
	return entries
}

// Users returns copies of every contact in insertion order.
func (r *Registry) Users() []models.User {
	entries := r.userEntries()
	users := make([]models.User, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		if !e.removed {
			users = append(users, e.user.Clone())
		}
		e.mu.RUnlock()
	}
	return users
}

func (r *Registry) NumUsers() int {
	tx := r.users.RLock()
	defer tx.Unlock()
	return len(r.userOrder)
}

// ForEachUser locks each contact in turn and calls fn until it returns
// false. The set of contacts is fixed when the call starts.
func (r *Registry) ForEachUser(mode Mode, fn func(u *models.User) bool) {
	for _, e := range r.userEntries() {
		h := r.lockUserEntry(e, mode)
		if !h.IsLocked() {
			continue
		}
		more := fn(h.User())
		h.Release()
		if !more {
			return
		}
	}
}

// OwnerHandle is a scoped lock on one owner.
type OwnerHandle struct {
	r        *Registry
	e        *ownerEntry
	mode     Mode
	released bool
}

func (h *OwnerHandle) IsLocked() bool {
	return h != nil && h.e != nil && !h.released
}

func (h *OwnerHandle) Mode() Mode {
	return h.mode
}

func (h *OwnerHandle) Owner() *models.Owner {
	if !h.IsLocked() {
		return nil
	}
	return &h.e.owner
}

func (h *OwnerHandle) Release() {
	if !h.IsLocked() {
		return
	}
	h.released = true
	proto := h.e.owner.ID.Protocol
	if h.mode == Write {
		h.e.mu.Unlock()
		h.r.markDirty(Dirty{Kind: DirtyOwner, Protocol: proto})
		return
	}
	h.e.mu.RUnlock()
}

func (r *Registry) lookupOwner(p models.ProtocolID) (*ownerEntry, bool) {
	tx := r.owners.RLock()
	defer tx.Unlock()
	e, err := tx.Get(p)
	return e, err == nil
}

func (r *Registry) LockOwner(p models.ProtocolID, mode Mode) *OwnerHandle {
	e, ok := r.lookupOwner(p)
	if !ok {
		return &OwnerHandle{}
	}
	lockRW(&e.mu, mode)
	if e.removed {
		unlockRW(&e.mu, mode)
		return &OwnerHandle{}
	}
	return &OwnerHandle{r: r, e: e, mode: mode}
}

func (r *Registry) WithOwner(p models.ProtocolID, mode Mode, fn func(o *models.Owner) error) error {
	h := r.LockOwner(p, mode)
	if !h.IsLocked() {
		return models.ErrNotFound
	}
	defer h.Release()
	return fn(h.Owner())
}

func (r *Registry) ReadOwner(p models.ProtocolID) (models.Owner, bool) {
	h := r.LockOwner(p, Read)
	if !h.IsLocked() {
		return models.Owner{}, false
	}
	defer h.Release()
	return h.Owner().Clone(), true
}

func (r *Registry) AddOwner(o models.Owner) error {
	p := o.ID.Protocol
	tx := r.owners.Lock()
	if _, err := tx.Get(p); err == nil {
		tx.Unlock()
		return ErrExists
	}
	tx.Set(p, &ownerEntry{owner: o.Clone()})
	r.ownerOrder = append(r.ownerOrder, p)
	tx.Unlock()

	r.markDirty(Dirty{Kind: DirtyOwner, Protocol: p})
	return nil
}

// RemoveOwner drops the owner for a protocol. It is refused unless the
// owner is offline.
func (r *Registry) RemoveOwner(p models.ProtocolID) error {
	e, ok := r.lookupOwner(p)
	if !ok {
		return models.ErrNotFound
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return models.ErrNotFound
	}
	if e.owner.Status.IsOnline() {
		e.mu.Unlock()
		return ErrOwnerOnline
	}
	e.removed = true
	e.mu.Unlock()

	tx := r.owners.Lock()
	_ = tx.Del(p)
	if i := slices.Index(r.ownerOrder, p); i >= 0 {
		r.ownerOrder = slices.Delete(r.ownerOrder, i, i+1)
	}
	tx.Unlock()

	r.markDirty(Dirty{Kind: DirtyOwnerRemoved, Protocol: p})
	return nil
}

func (r *Registry) Owners() []models.Owner {
	tx := r.owners.RLock()
	entries := make([]*ownerEntry, 0, len(r.ownerOrder))
	for _, p := range r.ownerOrder {
		if e, err := tx.Get(p); err == nil {
			entries = append(entries, e)
		}
	}
	tx.Unlock()

	owners := make([]models.Owner, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		if !e.removed {
			owners = append(owners, e.owner.Clone())
		}
		e.mu.RUnlock()
	}
	return owners
}

// SetUserInGroup adds or removes a group membership.
func (r *Registry) SetUserInGroup(id models.UserID, groupID int, member bool) error {
	gh := r.LockGroupList(Read)
	defer gh.Release()
	if _, ok := gh.Get(groupID); !ok {
		return ErrGroupNotFound
	}
	return r.WithUser(id, Write, func(u *models.User) error {
		u.SetGroup(groupID, member)
		return nil
	})
}

// RemoveGroup deletes a group and unassigns its members.
func (r *Registry) RemoveGroup(id int) error {
	if err := r.groups.remove(id); err != nil {
		return err
	}
	r.markDirty(Dirty{Kind: DirtyGroups})

	for _, e := range r.userEntries() {
		e.mu.Lock()
		changed := !e.removed && e.user.SetGroup(id, false)
		uid := e.user.ID
		e.mu.Unlock()
		if changed {
			slog.Debug("unassigned user from removed group", "user", uid, "group", id)
			r.markDirty(Dirty{Kind: DirtyUser, User: uid})
		}
	}
	return nil
}
