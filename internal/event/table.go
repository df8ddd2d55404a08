package event

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"palaver/internal/models"

	"github.com/c-pro/geche"
)

var ErrUnknownEvent = errors.New("unknown event")

// Recorder appends a completed exchange's payload to the contact's history.
type Recorder interface {
	Record(user models.UserID, ue models.UserEvent)
}

// Locator finds an Event either by id or by its wire coordinates.
type Locator struct {
	ID     uint64
	Socket models.SocketID
	Seq    uint32
	SubSeq uint32
	// Sub makes wire lookups match SubSeq as well.
	Sub bool
}

func ByID(id uint64) Locator {
	return Locator{ID: id}
}

func ByWire(sock models.SocketID, seq uint32) Locator {
	return Locator{Socket: sock, Seq: seq}
}

func ByWireSub(sock models.SocketID, seq, subSeq uint32) Locator {
	return Locator{Socket: sock, Seq: seq, SubSeq: subSeq, Sub: true}
}

func (l Locator) matches(e *Event) bool {
	if l.ID != 0 {
		return e.ID == l.ID
	}
	return e.Socket == l.Socket && e.Seq == l.Seq && (!l.Sub || e.SubSeq == l.SubSeq)
}

type wireKey struct {
	sock models.SocketID
	seq  uint32
}

type Config struct {
	Recorder Recorder
	// OnDone runs after every completion, outside all table locks.
	OnDone func(Done)
	// DoneRetention is how long completed summaries stay visible to Wait.
	DoneRetention time.Duration
}

// Table holds running and extended Events. Each table has its own mutex
// which protects membership only. Events handed out by NewEvent stay
// pending until they are pushed.
type Table struct {
	ctx context.Context

	mu      sync.Mutex
	pending map[uint64]*Event
	running map[uint64]*Event
	wire    map[wireKey]uint64

	extMu    sync.Mutex
	extended map[uint64]*Event

	waitMu  sync.Mutex
	waiters map[uint64][]chan Done
	done    geche.Geche[uint64, Done]

	nextID   atomic.Uint64
	recorder Recorder
	onDone   func(Done)
	now      func() time.Time
}

func NewTable(ctx context.Context, cfg Config) *Table {
	if cfg.DoneRetention <= 0 {
		cfg.DoneRetention = 5 * time.Minute
	}
	return &Table{
		ctx:      ctx,
		pending:  make(map[uint64]*Event),
		running:  make(map[uint64]*Event),
		wire:     make(map[wireKey]uint64),
		extended: make(map[uint64]*Event),
		waiters:  make(map[uint64][]chan Done),
		done:     geche.NewMapTTLCache[uint64, Done](ctx, cfg.DoneRetention, time.Minute),
		recorder: cfg.Recorder,
		onDone:   cfg.OnDone,
		now:      time.Now,
	}
}

// NextID hands out caller-visible event ids. Zero is never used.
func (t *Table) NextID() uint64 {
	return t.nextID.Add(1)
}

// NewEvent allocates an Event with a fresh id and cancellation token.
func (t *Table) NewEvent(user models.UserID, op Op) *Event {
	ctx, cancel := context.WithCancel(t.ctx)
	e := &Event{
		ID:       t.NextID(),
		User:     user,
		Protocol: user.Protocol,
		Op:       op,
		Created:  t.now(),
		ctx:      ctx,
		cancel:   cancel,
	}
	t.mu.Lock()
	t.pending[e.ID] = e
	t.mu.Unlock()
	return e
}

// Discard forgets a pending Event that will never be pushed.
func (t *Table) Discard(e *Event) {
	t.mu.Lock()
	delete(t.pending, e.ID)
	t.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (t *Table) PushRunning(e *Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, e.ID)
	t.running[e.ID] = e
	if e.Socket != models.NoSocket {
		t.wire[wireKey{e.Socket, e.Seq}] = e.ID
	}
}

// Bind sets the wire coordinates of a running Event once the backend has
// assigned them.
func (t *Table) Bind(id uint64, sock models.SocketID, seq, subSeq uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.running[id]
	if !ok {
		return ErrUnknownEvent
	}
	if e.Socket != models.NoSocket {
		delete(t.wire, wireKey{e.Socket, e.Seq})
	}
	e.Socket, e.Seq, e.SubSeq = sock, seq, subSeq
	if sock != models.NoSocket {
		t.wire[wireKey{sock, seq}] = id
	}
	return nil
}

func (t *Table) FindByWire(sock models.SocketID, seq uint32) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.wire[wireKey{sock, seq}]; ok {
		return t.running[id]
	}
	return nil
}

func (t *Table) FindByID(id uint64) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running[id]
}

func (t *Table) takeRunningLocked(loc Locator) *Event {
	var e *Event
	if loc.ID != 0 {
		e = t.running[loc.ID]
	} else if id, ok := t.wire[wireKey{loc.Socket, loc.Seq}]; ok {
		e = t.running[id]
	}
	if e == nil || !loc.matches(e) {
		return nil
	}
	t.removeRunningLocked(e)
	return e
}

func (t *Table) removeRunningLocked(e *Event) {
	delete(t.running, e.ID)
	if e.Socket != models.NoSocket {
		if id, ok := t.wire[wireKey{e.Socket, e.Seq}]; ok && id == e.ID {
			delete(t.wire, wireKey{e.Socket, e.Seq})
		}
	}
}

// Complete removes a running Event and hands it to the caller with its
// result set. A locator that matches nothing is logged and ignored.
func (t *Table) Complete(loc Locator, res Result) *Event {
	return t.CompleteWith(loc, res, nil)
}

// CompleteWith is Complete with a hook that may attach acks to the Event
// before its completion is published.
func (t *Table) CompleteWith(loc Locator, res Result, prep func(*Event)) *Event {
	t.mu.Lock()
	e := t.takeRunningLocked(loc)
	t.mu.Unlock()

	if e == nil {
		slog.Warn("completion for unknown event ignored", "id", loc.ID, "socket", loc.Socket, "seq", loc.Seq, "result", res)
		return nil
	}
	if prep != nil {
		prep(e)
	}
	t.finish(e, res)
	return e
}

// FailAllOnSocket completes every Event bound to a socket with res, in
// sequence order.
func (t *Table) FailAllOnSocket(sock models.SocketID, res Result) []*Event {
	if sock == models.NoSocket {
		return nil
	}

	var failed []*Event
	t.mu.Lock()
	for _, e := range t.running {
		if e.Socket == sock {
			failed = append(failed, e)
		}
	}
	for _, e := range failed {
		t.removeRunningLocked(e)
	}
	t.mu.Unlock()

	t.extMu.Lock()
	for id, e := range t.extended {
		if e.Socket == sock {
			delete(t.extended, id)
			failed = append(failed, e)
		}
	}
	t.extMu.Unlock()

	slices.SortFunc(failed, func(a, b *Event) int {
		if a.Seq != b.Seq {
			return int(int64(a.Seq) - int64(b.Seq))
		}
		return int(int64(a.ID) - int64(b.ID))
	})
	for _, e := range failed {
		t.finish(e, res)
	}
	return failed
}

// FailProtocol completes every unbound running Event of a protocol. It is
// used when a network goes away before its requests reached a socket.
func (t *Table) FailProtocol(p models.ProtocolID, res Result) []*Event {
	var failed []*Event
	t.mu.Lock()
	for _, e := range t.running {
		if e.Protocol == p && e.Socket == models.NoSocket {
			failed = append(failed, e)
		}
	}
	for _, e := range failed {
		t.removeRunningLocked(e)
	}
	t.mu.Unlock()

	for _, e := range failed {
		t.finish(e, res)
	}
	return failed
}

func (t *Table) PushExtended(e *Event) {
	t.mu.Lock()
	delete(t.pending, e.ID)
	t.mu.Unlock()

	t.extMu.Lock()
	defer t.extMu.Unlock()
	t.extended[e.ID] = e
}

// Promote moves a running Event into the extended table, resetting its
// deadline to idle.
func (t *Table) Promote(id uint64, idle time.Duration) bool {
	// Both locks, running first, so the Event is never outside a table.
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.running[id]
	if !ok {
		return false
	}
	t.removeRunningLocked(e)

	e.Deadline = time.Time{}
	if idle > 0 {
		e.Deadline = t.now().Add(idle)
	}
	t.extMu.Lock()
	t.extended[e.ID] = e
	t.extMu.Unlock()
	return true
}

func (t *Table) FindExtended(loc Locator) *Event {
	t.extMu.Lock()
	defer t.extMu.Unlock()
	return t.findExtendedLocked(loc)
}

func (t *Table) findExtendedLocked(loc Locator) *Event {
	if loc.ID != 0 {
		return t.extended[loc.ID]
	}
	for _, e := range t.extended {
		if loc.matches(e) {
			return e
		}
	}
	return nil
}

func (t *Table) CompleteExtended(loc Locator, res Result) *Event {
	return t.CompleteExtendedWith(loc, res, nil)
}

func (t *Table) CompleteExtendedWith(loc Locator, res Result, prep func(*Event)) *Event {
	t.extMu.Lock()
	e := t.findExtendedLocked(loc)
	if e != nil {
		delete(t.extended, e.ID)
	}
	t.extMu.Unlock()

	if e == nil {
		slog.Warn("completion for unknown extended event ignored", "id", loc.ID, "socket", loc.Socket, "seq", loc.Seq)
		return nil
	}
	if prep != nil {
		prep(e)
	}
	t.finish(e, res)
	return e
}

// Cancel completes a running or extended Event with Cancelled. A pending
// Event only has its token cancelled; whoever pushes it completes it.
func (t *Table) Cancel(id uint64) *Event {
	t.mu.Lock()
	e, ok := t.running[id]
	if ok {
		t.removeRunningLocked(e)
	} else if p, queued := t.pending[id]; queued {
		p.cancel()
		t.mu.Unlock()
		return p
	}
	t.mu.Unlock()

	if !ok {
		t.extMu.Lock()
		e, ok = t.extended[id]
		if ok {
			delete(t.extended, id)
		}
		t.extMu.Unlock()
	}
	if !ok {
		return nil
	}
	t.finish(e, Cancelled)
	return e
}

// Expire completes every Event whose deadline passed with TimedOut.
func (t *Table) Expire(now time.Time) []*Event {
	expired := func(e *Event) bool {
		return !e.Deadline.IsZero() && now.After(e.Deadline)
	}

	var out []*Event
	t.mu.Lock()
	for _, e := range t.running {
		if expired(e) {
			out = append(out, e)
		}
	}
	for _, e := range out {
		t.removeRunningLocked(e)
	}
	t.mu.Unlock()

	t.extMu.Lock()
	for id, e := range t.extended {
		if expired(e) {
			delete(t.extended, id)
			out = append(out, e)
		}
	}
	t.extMu.Unlock()

	for _, e := range out {
		t.finish(e, TimedOut)
	}
	return out
}

// CancelAll completes everything still in either table. Used on shutdown.
func (t *Table) CancelAll() []*Event {
	t.mu.Lock()
	out := make([]*Event, 0, len(t.running))
	for _, e := range t.running {
		out = append(out, e)
	}
	clear(t.running)
	clear(t.wire)
	t.mu.Unlock()

	t.extMu.Lock()
	for _, e := range t.extended {
		out = append(out, e)
	}
	clear(t.extended)
	t.extMu.Unlock()

	for _, e := range out {
		t.finish(e, Cancelled)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}

func (t *Table) LenExtended() int {
	t.extMu.Lock()
	defer t.extMu.Unlock()
	return len(t.extended)
}

// finish runs exactly once per Event, after it left every table.
func (t *Table) finish(e *Event, res Result) {
	e.result = res
	if e.cancel != nil {
		e.cancel()
	}
	if e.userEvent != nil && t.recorder != nil {
		t.recorder.Record(e.User, *e.userEvent)
	}

	d := e.Snapshot()
	t.done.Set(d.ID, d)

	t.waitMu.Lock()
	chans := t.waiters[d.ID]
	delete(t.waiters, d.ID)
	t.waitMu.Unlock()
	for _, ch := range chans {
		ch <- d
	}

	if t.onDone != nil {
		t.onDone(d)
	}
}

// Wait blocks until the Event with the given id is terminal.
func (t *Table) Wait(ctx context.Context, id uint64) (Done, error) {
	ch := make(chan Done, 1)
	t.waitMu.Lock()
	if d, err := t.done.Get(id); err == nil {
		t.waitMu.Unlock()
		return d, nil
	}
	t.waiters[id] = append(t.waiters[id], ch)
	t.waitMu.Unlock()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		t.waitMu.Lock()
		t.waiters[id] = slices.DeleteFunc(t.waiters[id], func(c chan Done) bool { return c == ch })
		if len(t.waiters[id]) == 0 {
			delete(t.waiters, id)
		}
		t.waitMu.Unlock()
		return Done{}, ctx.Err()
	}
}

// Lookup returns the summary of a recently completed Event.
func (t *Table) Lookup(id uint64) (Done, bool) {
	d, err := t.done.Get(id)
	return d, err == nil
}
