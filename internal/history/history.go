// Package history records the user events exchanged with each contact.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"palaver/internal/models"
	"palaver/internal/storage"

	"github.com/c-pro/geche"
)

const (
	DefaultRingSize  = 100
	DefaultDedupeTTL = 10 * time.Minute
)

var ErrDuplicate = errors.New("user event already recorded")

type Config struct {
	Store    storage.HistoryStore
	RingSize int
	// DedupeTTL is how long a recorded UserEvent id is remembered.
	DedupeTTL time.Duration
	// OnRecord runs after an entry was stored.
	OnRecord func(user models.UserID, e storage.HistoryEntry)
}

// Recorder appends each UserEvent to its contact's history once, no matter
// how many paths report it.
type Recorder struct {
	store    storage.HistoryStore
	seen     geche.Geche[string, struct{}]
	size     int
	onRecord func(user models.UserID, e storage.HistoryEntry)

	mu    sync.Mutex
	rings map[string]*ring
}

func New(ctx context.Context, cfg Config) *Recorder {
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	return &Recorder{
		store:    cfg.Store,
		seen:     geche.NewMapTTLCache[string, struct{}](ctx, cfg.DedupeTTL, time.Minute),
		size:     cfg.RingSize,
		onRecord: cfg.OnRecord,
		rings:    make(map[string]*ring),
	}
}

// Record satisfies the event table's recorder. Errors are logged.
func (r *Recorder) Record(user models.UserID, ue models.UserEvent) {
	if _, err := r.Add(user, ue); err != nil && !errors.Is(err, ErrDuplicate) {
		slog.Error("failed to record history", "user", user, "event_id", ue.ID, "error", err)
	}
}

// Add stores ue and returns its sequence number in the contact's history.
func (r *Recorder) Add(user models.UserID, ue models.UserEvent) (uint64, error) {
	r.mu.Lock()
	if ue.ID != "" {
		if _, err := r.seen.Get(ue.ID); err == nil {
			r.mu.Unlock()
			return 0, ErrDuplicate
		}
		r.seen.Set(ue.ID, struct{}{})
	}
	rg := r.ringLocked(user)

	seq, err := r.store.AppendHistory(user, ue)
	if err != nil {
		if ue.ID != "" {
			_ = r.seen.Del(ue.ID)
		}
		r.mu.Unlock()
		return 0, fmt.Errorf("failed to append history: %w", err)
	}
	entry := storage.HistoryEntry{Seq: seq, Event: ue}
	rg.add(entry)
	r.mu.Unlock()

	if r.onRecord != nil {
		r.onRecord(user, entry)
	}
	return seq, nil
}

// ringLocked returns the contact's ring, priming a new one from the store.
func (r *Recorder) ringLocked(user models.UserID) *ring {
	key := user.Key()
	if rg, ok := r.rings[key]; ok {
		return rg
	}
	rg := newRing(r.size)
	entries, err := r.store.ListHistory(user, 0, 0)
	if err != nil {
		slog.Warn("failed to prime history ring", "user", user, "error", err)
	}
	if len(entries) > r.size {
		entries = entries[len(entries)-r.size:]
	}
	for _, e := range entries {
		rg.add(e)
	}
	r.rings[key] = rg
	return rg
}

// Recent returns up to n newest entries, oldest first.
func (r *Recorder) Recent(user models.UserID, n int) []storage.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringLocked(user).last(n)
}

// List returns entries with from <= seq <= to; to == 0 means no upper bound.
// Ranges the ring still holds are served without touching the store.
func (r *Recorder) List(user models.UserID, from, to uint64) ([]storage.HistoryEntry, error) {
	if from == 0 {
		from = 1
	}
	r.mu.Lock()
	rg := r.ringLocked(user)
	if rg.covers(from) {
		out := rg.get(from, to)
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	entries, err := r.store.ListHistory(user, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return entries, nil
}

// Forget drops the cached ring of a removed contact.
func (r *Recorder) Forget(user models.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rings, user.Key())
}
