// Package daemon ties the registry, event table, reactor and signal bus
// together and exposes the operations front ends call.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"palaver/internal/auth"
	"palaver/internal/backend"
	"palaver/internal/event"
	"palaver/internal/history"
	"palaver/internal/models"
	"palaver/internal/reactor"
	"palaver/internal/registry"
	"palaver/internal/signal"
	"palaver/internal/storage"
	"palaver/internal/worker"

	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownProtocol = errors.New("unknown protocol")
	ErrNoOwner         = errors.New("no owner for protocol")
	ErrNoDirect        = errors.New("no direct connection to contact")
	ErrEmptyMessage    = errors.New("message is empty")
)

// Store is the persistent contact list.
type Store interface {
	UpsertOwner(o models.Owner) error
	DeleteOwner(p models.ProtocolID) error
	ListOwners() ([]models.Owner, error)
	UpsertUser(u models.User) error
	DeleteUser(id models.UserID) error
	ListUsers() ([]models.User, error)
	SaveGroups(groups []models.Group) error
	ListGroups() ([]models.Group, error)
}

type Config struct {
	Store    Store
	History  storage.HistoryStore
	Backends []backend.Backend
	// Sealer encrypts owner passwords at rest. Nil stores them as given.
	Sealer   *auth.Sealer
	Dial     reactor.DialFunc
	Tick     time.Duration
	Workers  int
	RingSize int
}

type Daemon struct {
	reg       *registry.Registry
	table     *event.Table
	bus       *signal.Bus
	reactor   *reactor.Reactor
	pool      *worker.Pool
	history   *history.Recorder
	persister *Persister
	sealer    *auth.Sealer
	stats     counters
	started   time.Time

	// Requested statuses of in-flight OpSetStatus events.
	statusMu  sync.Mutex
	statusReq map[uint64]models.Status
}

// New builds an independent daemon. Nothing runs until Run.
func New(ctx context.Context, cfg Config) *Daemon {
	d := &Daemon{
		bus:       signal.NewBus(),
		pool:      worker.New(ctx, cfg.Workers),
		sealer:    cfg.Sealer,
		started:   time.Now(),
		statusReq: make(map[uint64]models.Status),
	}
	d.persister = newPersister(cfg.Store, cfg.Sealer)
	d.reg = registry.New(d.persister.Mark)
	d.persister.reg = d.reg

	d.history = history.New(ctx, history.Config{Store: cfg.History, RingSize: cfg.RingSize})
	d.persister.history = d.history

	d.table = event.NewTable(ctx, event.Config{
		Recorder: d.history,
		OnDone:   d.onDone,
	})
	d.reactor = reactor.New(reactor.Config{
		Table:   d.table,
		Bus:     d.bus,
		Handler: d,
		Pool:    d.pool,
		Dial:    cfg.Dial,
		Tick:    cfg.Tick,
	})
	for _, b := range cfg.Backends {
		d.reactor.Register(b)
	}
	return d
}

// Load restores the contact list from storage. Everybody starts offline.
func (d *Daemon) Load() error {
	store := d.persister.store
	if store == nil {
		return nil
	}
	owners, err := store.ListOwners()
	if err != nil {
		return fmt.Errorf("failed to load owners: %w", err)
	}
	for i := range owners {
		owners[i].Status = models.StatusOffline
		if d.sealer != nil && owners[i].Password != "" {
			plain, err := d.sealer.Open(owners[i].Password)
			if err != nil {
				return fmt.Errorf("failed to open %s credentials: %w", owners[i].ID.Protocol, err)
			}
			owners[i].Password = plain
		}
	}
	users, err := store.ListUsers()
	if err != nil {
		return fmt.Errorf("failed to load contacts: %w", err)
	}
	for i := range users {
		users[i].Status = models.StatusOffline
	}
	groups, err := store.ListGroups()
	if err != nil {
		return fmt.Errorf("failed to load groups: %w", err)
	}

	d.reg.Restore(owners, users, groups)
	slog.Info("contact list loaded", "owners", len(owners), "contacts", len(users), "groups", len(groups))
	return nil
}

// Run drives the reactor and the persister until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.reactor.Run(ctx)
	})
	g.Go(func() error {
		d.persister.Run(ctx)
		return nil
	})
	err := g.Wait()
	d.pool.Wait()
	return err
}

// Stop shuts the reactor down, failing whatever is still in flight.
func (d *Daemon) Stop() {
	d.reactor.Stop()
}

// AutoLogon logs on every owner whose desired status is online.
func (d *Daemon) AutoLogon() {
	for _, o := range d.reg.Owners() {
		if !o.DesiredStatus.IsOnline() {
			continue
		}
		if _, err := d.Logon(o.ID.Protocol, o.DesiredStatus); err != nil {
			slog.Warn("failed to start logon", "protocol", o.ID.Protocol, "error", err)
		}
	}
}

func (d *Daemon) Registry() *registry.Registry {
	return d.reg
}

func (d *Daemon) Bus() *signal.Bus {
	return d.bus
}

func (d *Daemon) History() *history.Recorder {
	return d.history
}

// Flush writes every pending contact list change out now.
func (d *Daemon) Flush() {
	d.persister.Flush()
}

func (d *Daemon) push(kind signal.Kind, sub signal.Sub, user models.UserID, arg int64) {
	d.bus.Push(signal.New(kind, sub, user, arg))
}
