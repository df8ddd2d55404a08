package daemon

import (
	"context"
	"log/slog"
	"sync"

	"palaver/internal/auth"
	"palaver/internal/history"
	"palaver/internal/models"
	"palaver/internal/registry"
)

// Persister mirrors registry changes into the store. Dirty keys coalesce,
// and each one is written from a snapshot taken under a read handle.
type Persister struct {
	store   Store
	sealer  *auth.Sealer
	reg     *registry.Registry
	history *history.Recorder

	mu    sync.Mutex
	users map[models.UserID]bool // true when removed
	owner map[models.ProtocolID]bool
	group bool
	wake  chan struct{}

	flushMu sync.Mutex
}

func newPersister(store Store, sealer *auth.Sealer) *Persister {
	return &Persister{
		store:  store,
		sealer: sealer,
		users:  make(map[models.UserID]bool),
		owner:  make(map[models.ProtocolID]bool),
		wake:   make(chan struct{}, 1),
	}
}

// Mark is the registry's dirty callback. It never blocks.
func (p *Persister) Mark(d registry.Dirty) {
	p.mu.Lock()
	switch d.Kind {
	case registry.DirtyUser:
		p.users[d.User] = false
	case registry.DirtyUserRemoved:
		p.users[d.User] = true
	case registry.DirtyOwner:
		p.owner[d.Protocol] = false
	case registry.DirtyOwnerRemoved:
		p.owner[d.Protocol] = true
	case registry.DirtyGroups:
		p.group = true
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-p.wake:
			p.Flush()
		case <-ctx.Done():
			p.Flush()
			return
		}
	}
}

// Flush writes everything marked so far.
func (p *Persister) Flush() {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	users, owners, groups := p.users, p.owner, p.group
	p.users = make(map[models.UserID]bool)
	p.owner = make(map[models.ProtocolID]bool)
	p.group = false
	p.mu.Unlock()

	if p.store == nil {
		return
	}
	for proto, removed := range owners {
		p.writeOwner(proto, removed)
	}
	for id, removed := range users {
		p.writeUser(id, removed)
	}
	if groups {
		if err := p.store.SaveGroups(p.reg.Groups()); err != nil {
			slog.Error("failed to save groups", "error", err)
		}
	}
}

func (p *Persister) writeOwner(proto models.ProtocolID, removed bool) {
	o, ok := p.reg.ReadOwner(proto)
	if removed || !ok {
		if err := p.store.DeleteOwner(proto); err != nil {
			slog.Error("failed to delete owner", "protocol", proto, "error", err)
		}
		return
	}
	if p.sealer != nil && o.Password != "" {
		sealed, err := p.sealer.Seal(o.Password)
		if err != nil {
			slog.Error("failed to seal owner password", "protocol", proto, "error", err)
			return
		}
		o.Password = sealed
	}
	if err := p.store.UpsertOwner(o); err != nil {
		slog.Error("failed to save owner", "protocol", proto, "error", err)
	}
}

func (p *Persister) writeUser(id models.UserID, removed bool) {
	u, ok := p.reg.ReadUser(id)
	if removed || !ok {
		if err := p.store.DeleteUser(id); err != nil {
			slog.Error("failed to delete contact", "user", id, "error", err)
		}
		if p.history != nil {
			p.history.Forget(id)
		}
		return
	}
	// Temporary contacts live in memory only.
	if !u.Permanent {
		return
	}
	if err := p.store.UpsertUser(u); err != nil {
		slog.Error("failed to save contact", "user", id, "error", err)
	}
}
