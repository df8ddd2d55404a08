// Package reactor owns every protocol socket. One goroutine processes
// packets, control commands and the periodic tick, so completions on a
// socket are applied in the order its packets arrived.
package reactor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"palaver/internal/backend"
	"palaver/internal/event"
	"palaver/internal/models"
	"palaver/internal/signal"
	"palaver/internal/worker"
)

// Control commands.
const (
	CmdSignal   byte = 'S'
	CmdShutdown byte = 'X'
)

var (
	ErrStopped       = errors.New("reactor stopped")
	ErrNoBackend     = errors.New("no backend for protocol")
	ErrNoServers     = errors.New("no server left to try")
	ErrLogonBusy     = errors.New("logon already in progress")
	ErrLogonTimedOut = errors.New("logon timed out")
	ErrClosedByPeer  = errors.New("connection closed by server")
)

// Handler receives the parts of an Outcome that touch state outside the
// reactor: contacts, owners and history.
type Handler interface {
	HandleOutcome(sess backend.Session, out backend.Outcome)
	EventSent(ev *event.Event)
	SessionUp(proto models.ProtocolID, sock models.SocketID)
	SessionDown(proto models.ProtocolID, sock models.SocketID, err error)
}

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Config struct {
	Table   *event.Table
	Bus     *signal.Bus
	Handler Handler
	Pool    *worker.Pool
	Dial    DialFunc

	Tick         time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	MaxPacket    int
}

type inbound struct {
	sock   models.SocketID
	pkt    []byte
	closed bool
	err    error
}

type Reactor struct {
	cfg      Config
	backends map[models.ProtocolID]backend.Backend

	ctl   chan byte
	inbox chan inbound
	quit  chan struct{}
	done  chan struct{}

	slotMu  sync.Mutex
	slot    []func()
	stopped bool

	// Owned by the reactor goroutine.
	conns        map[models.SocketID]*conn
	connecting   map[models.SocketID]*conn
	byProto      map[models.ProtocolID]*conn
	servers      map[models.ProtocolID]*backend.RemoteServers
	pendingDials []*conn
	lastSock     models.SocketID

	now func() time.Time
}

func New(cfg Config) *Reactor {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.MaxPacket <= 0 {
		cfg.MaxPacket = 1 << 20
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	return &Reactor{
		cfg:        cfg,
		backends:   make(map[models.ProtocolID]backend.Backend),
		ctl:        make(chan byte, 1),
		inbox:      make(chan inbound, 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		conns:      make(map[models.SocketID]*conn),
		connecting: make(map[models.SocketID]*conn),
		byProto:    make(map[models.ProtocolID]*conn),
		servers:    make(map[models.ProtocolID]*backend.RemoteServers),
		now:        time.Now,
	}
}

// Register adds a backend. It must be called before Run.
func (r *Reactor) Register(b backend.Backend) {
	r.backends[b.Protocol()] = b
}

func (r *Reactor) Backend(p models.ProtocolID) (backend.Backend, bool) {
	b, ok := r.backends[p]
	return b, ok
}

func (r *Reactor) Protocols() []models.ProtocolID {
	out := make([]models.ProtocolID, 0, len(r.backends))
	for p := range r.backends {
		out = append(out, p)
	}
	return out
}

// Post queues fn to run on the reactor goroutine and wakes it. It returns
// false once the reactor is shutting down.
func (r *Reactor) Post(fn func()) bool {
	r.slotMu.Lock()
	if r.stopped {
		r.slotMu.Unlock()
		return false
	}
	r.slot = append(r.slot, fn)
	r.slotMu.Unlock()

	select {
	case r.ctl <- CmdSignal:
	default:
		// A wake is already pending and will drain the whole slot.
	}
	return true
}

// Sync runs fn on the reactor goroutine and waits for it.
func (r *Reactor) Sync(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !r.Post(func() {
		fn()
		close(done)
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

// Stop asks the loop to flush queued work and exit.
func (r *Reactor) Stop() {
	select {
	case r.ctl <- CmdShutdown:
	case <-r.done:
	}
}

// Done is closed when Run returned.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

func (r *Reactor) Run(ctx context.Context) error {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()

	slog.Info("reactor started", "backends", len(r.backends), "tick", r.cfg.Tick)
	for {
		select {
		case cmd := <-r.ctl:
			switch cmd {
			case CmdSignal:
				r.runSlot()
			case CmdShutdown:
				r.shutdown()
				return nil
			default:
				slog.Warn("unknown control command", "cmd", cmd)
			}
		case in := <-r.inbox:
			r.handleInbound(in)
		case now := <-ticker.C:
			r.tick(now)
		case <-ctx.Done():
			r.shutdown()
			return nil
		}
	}
}

func (r *Reactor) runSlot() {
	r.slotMu.Lock()
	fns := r.slot
	r.slot = nil
	r.slotMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (r *Reactor) shutdown() {
	r.slotMu.Lock()
	r.stopped = true
	fns := r.slot
	r.slot = nil
	r.slotMu.Unlock()

	// In-flight sends first, then the sockets.
	for _, fn := range fns {
		fn()
	}
	close(r.quit)

	for _, c := range r.connecting {
		r.closeConn(c, nil, event.Cancelled)
	}
	for _, c := range r.conns {
		r.closeConn(c, nil, event.Cancelled)
	}
	if n := len(r.cfg.Table.CancelAll()); n > 0 {
		slog.Info("cancelled outstanding events on shutdown", "count", n)
	}
	slog.Info("reactor stopped")
}

// Logon starts connecting the owner of ev.Protocol. ev completes when the
// backend reports Ready, or fails once every server was tried.
func (r *Reactor) Logon(ev *event.Event, owner backend.OwnerInfo, servers []models.Server) bool {
	return r.Post(func() { r.logon(ev, owner, servers) })
}

// Logoff sends ev through the backend and then closes the connection.
func (r *Reactor) Logoff(ev *event.Event) bool {
	return r.Post(func() { r.logoff(ev) })
}

// Send dispatches ev on the Ready connection of its protocol.
func (r *Reactor) Send(ev *event.Event) bool {
	return r.Post(func() { r.send(ev) })
}

// SwitchServer drops the current connection and logs on again through the
// next configured server. ev is the new logon Event.
func (r *Reactor) SwitchServer(ev *event.Event) bool {
	return r.Post(func() { r.switchServer(ev) })
}

func (r *Reactor) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	if err := r.Sync(ctx, func() {
		for _, c := range r.byProto {
			out = append(out, c.info())
		}
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// Online reports whether proto has a Ready connection.
func (r *Reactor) Online(ctx context.Context, proto models.ProtocolID) bool {
	var ok bool
	if err := r.Sync(ctx, func() {
		c := r.byProto[proto]
		ok = c != nil && c.state.Usable()
	}); err != nil {
		return false
	}
	return ok
}

func (r *Reactor) nextSocket() models.SocketID {
	r.lastSock++
	return r.lastSock
}

func failWith(err error) func(*event.Event) {
	return func(e *event.Event) {
		if err != nil {
			e.SetError(err.Error())
		}
	}
}

// reject completes an Event that never reached a connection.
func (r *Reactor) reject(ev *event.Event, res event.Result, err error) {
	r.cfg.Table.PushRunning(ev)
	r.cfg.Table.CompleteWith(event.ByID(ev.ID), res, failWith(err))
}

func (r *Reactor) logon(ev *event.Event, owner backend.OwnerInfo, servers []models.Server) {
	if ev.Cancelled() {
		r.reject(ev, event.Cancelled, nil)
		return
	}
	be, ok := r.backends[ev.Protocol]
	if !ok {
		r.reject(ev, event.Error, ErrNoBackend)
		return
	}
	if c := r.byProto[ev.Protocol]; c != nil {
		if c.state.Usable() {
			r.reject(ev, event.Success, nil)
		} else {
			r.reject(ev, event.Failed, ErrLogonBusy)
		}
		return
	}

	rs := r.servers[ev.Protocol]
	if len(servers) > 0 || rs == nil {
		rs = backend.NewRemoteServers(servers...)
		r.servers[ev.Protocol] = rs
	}

	c := &conn{
		r:       r,
		id:      r.nextSocket(),
		proto:   ev.Protocol,
		be:      be,
		state:   backend.StateConnecting,
		owner:   owner,
		logonID: ev.ID,
	}
	ev.Socket, ev.Seq = c.id, backend.LogonSeq
	r.cfg.Table.PushRunning(ev)

	r.connecting[c.id] = c
	r.byProto[c.proto] = c
	slog.Info("logging on", "protocol", c.proto, "account", owner.ID.Account, "socket", c.id)
	r.dial(c)
}

func (r *Reactor) dial(c *conn) {
	srv := r.servers[c.proto].Pick()
	if srv == nil {
		r.closeConn(c, ErrNoServers, event.Failed)
		return
	}
	c.server = srv
	c.owner.Server = srv.Server

	addr := srv.String()
	job := func(ctx context.Context) {
		dctx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
		nc, err := r.cfg.Dial(dctx, "tcp", addr)
		cancel()
		if !r.Post(func() { r.dialDone(c, nc, err) }) && nc != nil {
			_ = nc.Close()
		}
	}
	if !r.cfg.Pool.TrySubmit(job) {
		slog.Debug("worker pool busy, dial deferred", "protocol", c.proto, "server", addr)
		r.pendingDials = append(r.pendingDials, c)
	}
}

func (r *Reactor) dialDone(c *conn, nc net.Conn, err error) {
	if r.connecting[c.id] != c {
		// Logged off or shut down while dialing.
		if nc != nil {
			_ = nc.Close()
		}
		return
	}
	if err != nil {
		slog.Warn("failed to connect", "protocol", c.proto, "server", c.server.String(), "error", err)
		c.server.Retrying()
		r.dial(c)
		return
	}

	delete(r.connecting, c.id)
	c.nc = nc
	c.state = backend.StateConnected
	now := r.now()
	c.lastPing = now
	if t := c.be.Timeouts().Logon; t > 0 {
		c.logonDeadline = now.Add(t)
	}
	r.conns[c.id] = c
	go r.readLoop(c)

	slog.Info("connected", "protocol", c.proto, "server", c.server.String(), "socket", c.id)
	if err := c.be.Start(c); err != nil {
		r.closeConn(c, fmt.Errorf("failed to start session: %w", err), event.Failed)
		return
	}
	if c.state == backend.StateConnected {
		c.state = backend.StateNegotiating
	}
	r.checkWrite(c)
}

func (r *Reactor) readLoop(c *conn) {
	sc := bufio.NewScanner(c.nc)
	sc.Buffer(make([]byte, 0, 4096), r.cfg.MaxPacket)
	sc.Split(c.be.Split())
	for sc.Scan() {
		pkt := bytes.Clone(sc.Bytes())
		select {
		case r.inbox <- inbound{sock: c.id, pkt: pkt}:
		case <-r.quit:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case r.inbox <- inbound{sock: c.id, closed: true, err: err}:
	case <-r.quit:
	}
}

func (r *Reactor) handleInbound(in inbound) {
	c, ok := r.conns[in.sock]
	if !ok {
		// Packets still queued from a socket closed earlier.
		return
	}
	if in.closed {
		if errors.Is(in.err, io.EOF) {
			slog.Info("connection closed by peer", "protocol", c.proto, "socket", c.id)
		} else {
			slog.Warn("connection read failed", "protocol", c.proto, "socket", c.id, "error", in.err)
		}
		r.closeConn(c, in.err, event.Failed)
		return
	}
	if len(in.pkt) == 0 {
		return
	}
	out := c.be.ProcessPacket(c, in.pkt)
	r.apply(c, out)
	r.checkWrite(c)
}

func (r *Reactor) apply(c *conn, out backend.Outcome) {
	if out.State != backend.StateUnchanged && out.State != c.state {
		prev := c.state
		c.state = out.State
		slog.Debug("session state changed", "protocol", c.proto, "socket", c.id, "from", prev, "to", out.State)
		if out.State == backend.StateReady {
			c.logonDeadline = time.Time{}
			c.logonID = 0
			if c.server != nil {
				c.server.OK()
			}
			r.cfg.Handler.SessionUp(c.proto, c.id)
		}
	}

	for _, comp := range out.Completions {
		r.complete(c, comp)
	}

	r.cfg.Handler.HandleOutcome(c, out)
	for _, s := range out.Signals {
		r.cfg.Bus.Push(s)
	}

	if out.Close {
		err := out.Err
		if err == nil {
			err = ErrClosedByPeer
		}
		r.closeConn(c, err, event.Failed)
	}
}

func (r *Reactor) complete(c *conn, comp backend.Completion) {
	t := r.cfg.Table
	prep := func(e *event.Event) {
		if comp.Ack != nil {
			e.SetExtendedAck(*comp.Ack)
		}
		if comp.Search != nil {
			e.SetSearchAck(*comp.Search)
		}
		if comp.Err != "" {
			e.SetError(comp.Err)
		}
	}

	switch {
	case comp.Extend:
		var e *event.Event
		if comp.Locator.ID != 0 {
			e = t.FindByID(comp.Locator.ID)
		} else {
			e = t.FindByWire(comp.Locator.Socket, comp.Locator.Seq)
		}
		if e == nil {
			slog.Warn("extend for unknown event ignored", "protocol", c.proto, "socket", comp.Locator.Socket, "seq", comp.Locator.Seq)
			return
		}
		prep(e)
		t.Promote(e.ID, c.be.Timeouts().ExtendedIdle)
	case comp.Extended:
		t.CompleteExtendedWith(comp.Locator, comp.Result, prep)
	default:
		t.CompleteWith(comp.Locator, comp.Result, prep)
	}
}

func (r *Reactor) send(ev *event.Event) {
	if ev.Cancelled() {
		r.reject(ev, event.Cancelled, nil)
		return
	}
	c := r.byProto[ev.Protocol]
	if c == nil || !c.state.Usable() {
		r.reject(ev, event.Failed, backend.ErrNotConnected)
		return
	}

	if t := c.be.Timeouts().Ack; t > 0 {
		ev.Deadline = r.now().Add(t)
	}
	r.cfg.Table.PushRunning(ev)
	if ev.Cancelled() {
		// Cancel ran after the check above and found it pending.
		r.cfg.Table.Complete(event.ByID(ev.ID), event.Cancelled)
		return
	}

	sent, err := c.be.Send(c, ev)
	if err != nil {
		res := event.Failed
		if errors.Is(err, backend.ErrUnsupported) {
			res = event.Error
		}
		slog.Warn("failed to send event", "protocol", c.proto, "op", ev.Op, "id", ev.ID, "error", err)
		r.cfg.Table.CompleteWith(event.ByID(ev.ID), res, failWith(err))
		r.checkWrite(c)
		return
	}
	r.cfg.Handler.EventSent(ev)

	// Cancelled between push and bind; already terminal.
	if err := r.cfg.Table.Bind(ev.ID, c.id, sent.Seq, sent.SubSeq); err != nil {
		r.checkWrite(c)
		return
	}
	if sent.Result == backend.Delivered {
		r.cfg.Table.Complete(event.ByID(ev.ID), event.Acked)
	}
	r.checkWrite(c)
}

func (r *Reactor) logoff(ev *event.Event) {
	c := r.byProto[ev.Protocol]
	if c == nil {
		r.reject(ev, event.Success, nil)
		return
	}
	if c.state.Usable() {
		r.cfg.Table.PushRunning(ev)
		if _, err := c.be.Send(c, ev); err != nil && !errors.Is(err, backend.ErrUnsupported) {
			slog.Warn("failed to send logoff", "protocol", c.proto, "error", err)
		}
		r.cfg.Table.Complete(event.ByID(ev.ID), event.Success)
	} else {
		r.reject(ev, event.Success, nil)
	}
	slog.Info("logging off", "protocol", c.proto, "socket", c.id)
	r.closeConn(c, nil, event.Cancelled)
}

func (r *Reactor) switchServer(ev *event.Event) {
	c := r.byProto[ev.Protocol]
	rs := r.servers[ev.Protocol]
	if c == nil || rs == nil || rs.Len() == 0 {
		r.reject(ev, event.Error, ErrNoServers)
		return
	}
	owner := c.owner
	r.closeConn(c, nil, event.Cancelled)
	rs.Reset()
	rs.Next()
	r.logon(ev, owner, nil)
}

func (r *Reactor) checkWrite(c *conn) {
	if c.writeErr != nil && c.state != backend.StateClosed {
		slog.Warn("connection write failed", "protocol", c.proto, "socket", c.id, "error", c.writeErr)
		r.closeConn(c, c.writeErr, event.Failed)
	}
}

// closeConn drops c and resolves everything still bound to it with res.
func (r *Reactor) closeConn(c *conn, err error, res event.Result) {
	if c.state == backend.StateClosed {
		return
	}
	c.state = backend.StateClosing
	delete(r.conns, c.id)
	delete(r.connecting, c.id)
	if r.byProto[c.proto] == c {
		delete(r.byProto, c.proto)
	}
	if c.nc != nil {
		_ = c.nc.Close()
	}
	c.state = backend.StateClosed

	// A logon that never reached Ready reports why.
	if c.logonID != 0 && r.cfg.Table.FindByID(c.logonID) != nil {
		r.cfg.Table.CompleteWith(event.ByID(c.logonID), res, failWith(err))
	}
	c.logonID = 0
	failed := r.cfg.Table.FailAllOnSocket(c.id, res)
	c.be.Disconnected(c)

	s := signal.New(signal.Disconnected, signal.SubNone, c.owner.ID, int64(c.id))
	s.Text = string(c.proto)
	if err != nil {
		s.Text += ": " + err.Error()
	}
	r.cfg.Bus.Push(s)
	r.cfg.Handler.SessionDown(c.proto, c.id, err)

	slog.Info("connection removed", "protocol", c.proto, "socket", c.id, "events_failed", len(failed), "result", res)
}

func (r *Reactor) tick(now time.Time) {
	if n := len(r.cfg.Table.Expire(now)); n > 0 {
		slog.Debug("events timed out", "count", n)
	}

	for _, c := range r.conns {
		if !c.logonDeadline.IsZero() && now.After(c.logonDeadline) {
			r.closeConn(c, ErrLogonTimedOut, event.TimedOut)
			continue
		}
		ping := c.be.Timeouts().Ping
		if ping <= 0 || !c.state.Usable() || now.Sub(c.lastPing) < ping {
			continue
		}
		c.lastPing = now
		if err := c.be.Ping(c); err != nil {
			r.closeConn(c, fmt.Errorf("failed to ping: %w", err), event.Failed)
			continue
		}
		r.checkWrite(c)
	}

	pending := r.pendingDials
	r.pendingDials = nil
	for _, c := range pending {
		if r.connecting[c.id] == c {
			r.dial(c)
		}
	}
}
