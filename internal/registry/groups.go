package registry

import (
	"slices"
	"sync"

	"palaver/internal/models"
)

// groupList keeps groups ordered by SortIndex. Sort indices are always
// 0..n-1.
type groupList struct {
	mu     sync.RWMutex
	groups []models.Group
	nextID int
}

func (gl *groupList) renumber() {
	for i := range gl.groups {
		gl.groups[i].SortIndex = i
	}
}

func (gl *groupList) indexOf(id int) int {
	return slices.IndexFunc(gl.groups, func(g models.Group) bool { return g.ID == id })
}

func (gl *groupList) indexOfName(name string) int {
	return slices.IndexFunc(gl.groups, func(g models.Group) bool { return g.Name == name })
}

func (gl *groupList) restore(groups []models.Group) {
	gl.mu.Lock()
	defer gl.mu.Unlock()

	gl.groups = make([]models.Group, 0, len(groups))
	gl.nextID = 1
	for _, g := range groups {
		gl.groups = append(gl.groups, g.Clone())
		if g.ID >= gl.nextID {
			gl.nextID = g.ID + 1
		}
	}
	slices.SortStableFunc(gl.groups, func(a, b models.Group) int { return a.SortIndex - b.SortIndex })
	gl.renumber()
}

func (gl *groupList) remove(id int) error {
	gl.mu.Lock()
	defer gl.mu.Unlock()

	i := gl.indexOf(id)
	if i < 0 {
		return ErrGroupNotFound
	}
	gl.groups = slices.Delete(gl.groups, i, i+1)
	gl.renumber()
	return nil
}

// GroupListHandle is a scoped lock on the whole group list. Changes made
// through a Write handle are reported dirty once, on Release.
type GroupListHandle struct {
	r        *Registry
	gl       *groupList
	mode     Mode
	released bool
	changed  bool
}

func (r *Registry) LockGroupList(mode Mode) *GroupListHandle {
	lockRW(&r.groups.mu, mode)
	return &GroupListHandle{r: r, gl: &r.groups, mode: mode}
}

func (h *GroupListHandle) IsLocked() bool {
	return h != nil && h.gl != nil && !h.released
}

func (h *GroupListHandle) Release() {
	if !h.IsLocked() {
		return
	}
	h.released = true
	unlockRW(&h.gl.mu, h.mode)
	if h.changed {
		h.r.markDirty(Dirty{Kind: DirtyGroups})
	}
}

// Groups returns copies in sort order.
func (h *GroupListHandle) Groups() []models.Group {
	if !h.IsLocked() {
		return nil
	}
	out := make([]models.Group, len(h.gl.groups))
	for i, g := range h.gl.groups {
		out[i] = g.Clone()
	}
	return out
}

func (h *GroupListHandle) Get(id int) (models.Group, bool) {
	if !h.IsLocked() {
		return models.Group{}, false
	}
	i := h.gl.indexOf(id)
	if i < 0 {
		return models.Group{}, false
	}
	return h.gl.groups[i].Clone(), true
}

func (h *GroupListHandle) Len() int {
	if !h.IsLocked() {
		return 0
	}
	return len(h.gl.groups)
}

func (h *GroupListHandle) writable() error {
	if !h.IsLocked() || h.mode != Write {
		return ErrNotWritable
	}
	return nil
}

// Add appends a group at the end of the sort order and returns its id.
func (h *GroupListHandle) Add(name string) (int, error) {
	if err := h.writable(); err != nil {
		return 0, err
	}
	gl := h.gl
	if gl.indexOfName(name) >= 0 {
		return 0, ErrGroupExists
	}
	id := gl.nextID
	gl.nextID++
	gl.groups = append(gl.groups, models.Group{ID: id, Name: name, SortIndex: len(gl.groups)})
	h.changed = true
	return id, nil
}

func (h *GroupListHandle) Rename(id int, name string) error {
	if err := h.writable(); err != nil {
		return err
	}
	gl := h.gl
	i := gl.indexOf(id)
	if i < 0 {
		return ErrGroupNotFound
	}
	if j := gl.indexOfName(name); j >= 0 && j != i {
		return ErrGroupExists
	}
	gl.groups[i].Name = name
	h.changed = true
	return nil
}

// Move puts a group at newIndex, shifting the others. Out-of-range indices
// are clamped.
func (h *GroupListHandle) Move(id, newIndex int) error {
	if err := h.writable(); err != nil {
		return err
	}
	gl := h.gl
	i := gl.indexOf(id)
	if i < 0 {
		return ErrGroupNotFound
	}
	newIndex = max(0, min(newIndex, len(gl.groups)-1))
	g := gl.groups[i]
	gl.groups = slices.Delete(gl.groups, i, i+1)
	gl.groups = slices.Insert(gl.groups, newIndex, g)
	gl.renumber()
	h.changed = true
	return nil
}

func (h *GroupListHandle) SetServerID(id int, p models.ProtocolID, serverID int) error {
	if err := h.writable(); err != nil {
		return err
	}
	gl := h.gl
	i := gl.indexOf(id)
	if i < 0 {
		return ErrGroupNotFound
	}
	if gl.groups[i].ServerIDs == nil {
		gl.groups[i].ServerIDs = make(map[models.ProtocolID]int)
	}
	gl.groups[i].ServerIDs[p] = serverID
	h.changed = true
	return nil
}

func (r *Registry) Groups() []models.Group {
	h := r.LockGroupList(Read)
	defer h.Release()
	return h.Groups()
}

func (r *Registry) AddGroup(name string) (int, error) {
	h := r.LockGroupList(Write)
	defer h.Release()
	return h.Add(name)
}

func (r *Registry) RenameGroup(id int, name string) error {
	h := r.LockGroupList(Write)
	defer h.Release()
	return h.Rename(id, name)
}

func (r *Registry) ModifyGroupSorting(id, newIndex int) error {
	h := r.LockGroupList(Write)
	defer h.Release()
	return h.Move(id, newIndex)
}

func (r *Registry) GroupExists(id int) bool {
	h := r.LockGroupList(Read)
	defer h.Release()
	return h.gl.indexOf(id) >= 0
}

func (r *Registry) GroupIDByName(name string) (int, bool) {
	h := r.LockGroupList(Read)
	defer h.Release()
	i := h.gl.indexOfName(name)
	if i < 0 {
		return 0, false
	}
	return h.gl.groups[i].ID, true
}

func (r *Registry) GroupName(id int) (string, bool) {
	g, ok := r.group(id)
	return g.Name, ok
}

func (r *Registry) group(id int) (models.Group, bool) {
	h := r.LockGroupList(Read)
	defer h.Release()
	return h.Get(id)
}

func (r *Registry) NumGroups() int {
	h := r.LockGroupList(Read)
	defer h.Release()
	return h.Len()
}

// SetGroupServerID records the id a network assigned to a group.
func (r *Registry) SetGroupServerID(id int, p models.ProtocolID, serverID int) error {
	h := r.LockGroupList(Write)
	defer h.Release()
	return h.SetServerID(id, p, serverID)
}

// GroupFromServerID maps a network's group id back to the local one.
func (r *Registry) GroupFromServerID(p models.ProtocolID, serverID int) (int, bool) {
	h := r.LockGroupList(Read)
	defer h.Release()
	for _, g := range h.gl.groups {
		if sid, ok := g.ServerIDs[p]; ok && sid == serverID {
			return g.ID, true
		}
	}
	return 0, false
}
