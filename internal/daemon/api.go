package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"palaver/internal/backend"
	"palaver/internal/event"
	"palaver/internal/models"
	"palaver/internal/reactor"
	"palaver/internal/registry"
	"palaver/internal/signal"

	"github.com/h2non/filetype"
)

// SendOptions tune how a user event goes out.
type SendOptions struct {
	Connect event.ConnectType
	Flags   models.EventFlags
	Color   uint32
}

func (d *Daemon) checkProtocol(p models.ProtocolID) error {
	if _, ok := d.reactor.Backend(p); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProtocol, p)
	}
	if _, ok := d.reg.ReadOwner(p); !ok {
		return fmt.Errorf("%w: %s", ErrNoOwner, p)
	}
	return nil
}

// reject completes ev at once without touching the network.
func (d *Daemon) reject(ev *event.Event, res event.Result, err error) {
	d.table.PushRunning(ev)
	d.table.CompleteWith(event.ByID(ev.ID), res, func(e *event.Event) {
		if err != nil {
			e.SetError(err.Error())
		}
	})
}

func (d *Daemon) dispatch(ev *event.Event) (uint64, error) {
	if !d.reactor.Send(ev) {
		d.table.Discard(ev)
		return 0, reactor.ErrStopped
	}
	return ev.ID, nil
}

func (d *Daemon) newEvent(user models.UserID, op event.Op) (*event.Event, error) {
	if err := d.checkProtocol(user.Protocol); err != nil {
		return nil, err
	}
	return d.table.NewEvent(user, op), nil
}

func (d *Daemon) sendUserEvent(user models.UserID, op event.Op, ue models.UserEvent, opts SendOptions) (uint64, error) {
	ev, err := d.newEvent(user, op)
	if err != nil {
		return 0, err
	}
	ue.Flags |= opts.Flags
	if opts.Color != 0 {
		ue.Color = opts.Color
	}
	ev.Connect = opts.Connect
	ev.SetUserEvent(ue)

	// Peer-to-peer sockets are never opened, so a direct send has nowhere
	// to go. Callers fall back to ViaServer.
	if opts.Connect == event.Direct {
		d.reject(ev, event.Failed, ErrNoDirect)
		return ev.ID, nil
	}
	return d.dispatch(ev)
}

func (d *Daemon) SendMessage(user models.UserID, text string, opts SendOptions) (uint64, error) {
	if text == "" {
		return 0, ErrEmptyMessage
	}
	return d.sendUserEvent(user, event.OpSendMessage, models.NewUserEvent(models.Message{Text: text}, false), opts)
}

func (d *Daemon) SendURL(user models.UserID, url, description string, opts SendOptions) (uint64, error) {
	return d.sendUserEvent(user, event.OpSendURL, models.NewUserEvent(models.URL{URL: url, Description: description}, false), opts)
}

func (d *Daemon) SendContactList(user models.UserID, contacts []models.UserID, opts SendOptions) (uint64, error) {
	if len(contacts) == 0 {
		return 0, errors.New("no contacts to send")
	}
	ue := models.NewUserEvent(models.ContactList{Contacts: slices.Clone(contacts)}, false)
	return d.sendUserEvent(user, event.OpSendContactList, ue, opts)
}

// FileOffer describes a staged file. Head holds its first bytes for type
// detection.
type FileOffer struct {
	FileID      string
	Name        string
	Size        int64
	Description string
	Head        []byte
}

func (d *Daemon) SendFile(user models.UserID, f FileOffer, opts SendOptions) (uint64, error) {
	mime := "application/octet-stream"
	if kind, err := filetype.Match(f.Head); err == nil && kind != filetype.Unknown {
		mime = kind.MIME.Value
	}
	ue := models.NewUserEvent(models.File{
		Name:        f.Name,
		Size:        f.Size,
		MIME:        mime,
		Description: f.Description,
		FileID:      f.FileID,
	}, false)
	return d.sendUserEvent(user, event.OpSendFile, ue, opts)
}

func (d *Daemon) ChatRequest(user models.UserID, reason string, opts SendOptions) (uint64, error) {
	return d.sendUserEvent(user, event.OpChatRequest, models.NewUserEvent(models.ChatRequest{Reason: reason}, false), opts)
}

// answer replies to a remote chat or file offer identified by ref.
func (d *Daemon) answer(user models.UserID, op event.Op, ref uint32, port int, reason string) (uint64, error) {
	ev, err := d.newEvent(user, op)
	if err != nil {
		return 0, err
	}
	ev.Params.Ref = ref
	ev.Params.Port = port
	ev.Params.Text = reason
	return d.dispatch(ev)
}

func (d *Daemon) ChatAccept(user models.UserID, ref uint32, port int) (uint64, error) {
	return d.answer(user, event.OpChatAccept, ref, port, "")
}

func (d *Daemon) ChatRefuse(user models.UserID, ref uint32, reason string) (uint64, error) {
	return d.answer(user, event.OpChatRefuse, ref, 0, reason)
}

func (d *Daemon) FileAccept(user models.UserID, ref uint32, port int) (uint64, error) {
	return d.answer(user, event.OpFileAccept, ref, port, "")
}

func (d *Daemon) FileRefuse(user models.UserID, ref uint32, reason string) (uint64, error) {
	return d.answer(user, event.OpFileRefuse, ref, 0, reason)
}

func (d *Daemon) simple(user models.UserID, op event.Op, text string) (uint64, error) {
	ev, err := d.newEvent(user, op)
	if err != nil {
		return 0, err
	}
	ev.Params.Text = text
	return d.dispatch(ev)
}

func (d *Daemon) FetchAutoResponse(user models.UserID) (uint64, error) {
	return d.simple(user, event.OpFetchAutoResponse, "")
}

// RequestInfo asks the network about a contact. The reply arrives as the
// Event's SearchAck.
func (d *Daemon) RequestInfo(user models.UserID) (uint64, error) {
	return d.simple(user, event.OpRequestInfo, "")
}

func (d *Daemon) RequestAuth(user models.UserID, reason string) (uint64, error) {
	return d.simple(user, event.OpRequestAuth, reason)
}

func (d *Daemon) GrantAuth(user models.UserID) (uint64, error) {
	return d.simple(user, event.OpGrantAuth, "")
}

func (d *Daemon) RefuseAuth(user models.UserID, reason string) (uint64, error) {
	return d.simple(user, event.OpRefuseAuth, reason)
}

// CancelEvent stops an Event that has not completed. It reports whether
// there was one. An Event still queued for the reactor completes with
// Cancelled without reaching the network.
func (d *Daemon) CancelEvent(id uint64) bool {
	return d.table.Cancel(id) != nil
}

func (d *Daemon) WaitEvent(ctx context.Context, id uint64) (event.Done, error) {
	return d.table.Wait(ctx, id)
}

// FetchUser locks a contact. The caller must pass the handle to DropUser.
func (d *Daemon) FetchUser(id models.UserID, mode registry.Mode) *registry.UserHandle {
	return d.reg.LockUser(id, mode)
}

func (d *Daemon) DropUser(h *registry.UserHandle) {
	h.Release()
}

func (d *Daemon) FetchOwner(p models.ProtocolID, mode registry.Mode) *registry.OwnerHandle {
	return d.reg.LockOwner(p, mode)
}

func (d *Daemon) DropOwner(h *registry.OwnerHandle) {
	h.Release()
}

func (d *Daemon) online(p models.ProtocolID) bool {
	o, ok := d.reg.ReadOwner(p)
	return ok && o.Status.IsOnline()
}

// notifyServer sends a contact list change to the network when the owner
// is on it. It returns 0 when nothing was sent.
func (d *Daemon) notifyServer(user models.UserID, op event.Op, params event.Params) uint64 {
	if !d.online(user.Protocol) {
		return 0
	}
	ev, err := d.newEvent(user, op)
	if err != nil {
		return 0
	}
	ev.Params = params
	id, err := d.dispatch(ev)
	if err != nil {
		slog.Warn("failed to send contact list change", "user", user, "op", op, "error", err)
		return 0
	}
	return id
}

// AddUser puts a contact on the list and, when online, on the server list.
func (d *Daemon) AddUser(id models.UserID, alias string, groupID int) (uint64, error) {
	if _, ok := d.reactor.Backend(id.Protocol); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProtocol, id.Protocol)
	}
	if err := d.reg.AddUser(id, alias, true, groupID); err != nil {
		return 0, err
	}
	d.push(signal.ListChanged, signal.SubUserAdded, id, 0)

	params := event.Params{Alias: alias}
	if groupID != 0 {
		params.Groups = d.serverGroupParams(id.Protocol, []int{groupID})
	}
	return d.notifyServer(id, event.OpAddUser, params), nil
}

func (d *Daemon) RemoveUser(id models.UserID) (uint64, error) {
	if err := d.reg.RemoveUser(id); err != nil {
		return 0, err
	}
	d.push(signal.ListChanged, signal.SubUserRemoved, id, 0)
	return d.notifyServer(id, event.OpRemoveUser, event.Params{}), nil
}

func (d *Daemon) RenameUser(id models.UserID, alias string) (uint64, error) {
	err := d.reg.WithUser(id, registry.Write, func(u *models.User) error {
		u.Alias = alias
		return nil
	})
	if err != nil {
		return 0, err
	}
	d.push(signal.UserUpdated, signal.SubInfo, id, 0)
	return d.notifyServer(id, event.OpRenameUser, event.Params{Alias: alias}), nil
}

func (d *Daemon) SetUserInGroup(id models.UserID, groupID int, member bool) (uint64, error) {
	if err := d.reg.SetUserInGroup(id, groupID, member); err != nil {
		return 0, err
	}
	d.push(signal.UserUpdated, signal.SubGroups, id, int64(groupID))

	u, ok := d.reg.ReadUser(id)
	if !ok {
		return 0, models.ErrNotFound
	}
	params := event.Params{Groups: d.serverGroupParams(id.Protocol, u.Groups)}
	return d.notifyServer(id, event.OpChangeGroups, params), nil
}

func (d *Daemon) AddGroup(name string) (int, error) {
	id, err := d.reg.AddGroup(name)
	if err != nil {
		return 0, err
	}
	d.push(signal.ListChanged, signal.SubGroupAdded, models.UserID{}, int64(id))
	return id, nil
}

func (d *Daemon) RemoveGroup(id int) error {
	if err := d.reg.RemoveGroup(id); err != nil {
		return err
	}
	d.push(signal.ListChanged, signal.SubGroupRemoved, models.UserID{}, int64(id))
	return nil
}

func (d *Daemon) RenameGroup(id int, name string) error {
	if err := d.reg.RenameGroup(id, name); err != nil {
		return err
	}
	d.push(signal.ListChanged, signal.SubGroupRenamed, models.UserID{}, int64(id))
	return nil
}

// MoveGroup changes a group's position in the sort order.
func (d *Daemon) MoveGroup(id, index int) error {
	if err := d.reg.ModifyGroupSorting(id, index); err != nil {
		return err
	}
	d.push(signal.ListChanged, signal.SubGroupsReordered, models.UserID{}, int64(id))
	return nil
}

// AddOwner registers the local account of a network, or updates it while
// it is offline.
func (d *Daemon) AddOwner(o models.Owner) error {
	if _, ok := d.reactor.Backend(o.ID.Protocol); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProtocol, o.ID.Protocol)
	}
	if o.Alias == "" {
		o.Alias = o.ID.Account
	}
	o.Status = models.StatusOffline
	err := d.reg.AddOwner(o)
	if !errors.Is(err, registry.ErrExists) {
		return err
	}
	return d.reg.WithOwner(o.ID.Protocol, registry.Write, func(cur *models.Owner) error {
		if cur.Status.IsOnline() {
			return registry.ErrOwnerOnline
		}
		cur.ID = o.ID
		cur.Alias = o.Alias
		if o.Password != "" {
			cur.Password = o.Password
		}
		if len(o.Servers) > 0 {
			cur.Servers = slices.Clone(o.Servers)
		}
		if o.DesiredStatus != models.StatusOffline {
			cur.DesiredStatus = o.DesiredStatus
		}
		if o.Settings.AutoResponse != "" {
			cur.Settings.AutoResponse = o.Settings.AutoResponse
		}
		return nil
	})
}

func (d *Daemon) RemoveOwner(p models.ProtocolID) error {
	return d.reg.RemoveOwner(p)
}

// Logon connects the owner of p with the given initial status.
func (d *Daemon) Logon(p models.ProtocolID, status models.Status) (uint64, error) {
	if !status.IsOnline() {
		status |= models.StatusOnline
	}
	if _, ok := d.reactor.Backend(p); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProtocol, p)
	}
	var (
		info    backend.OwnerInfo
		servers []models.Server
	)
	err := d.reg.WithOwner(p, registry.Write, func(o *models.Owner) error {
		o.DesiredStatus = status
		info = backend.OwnerInfo{ID: o.ID, Alias: o.Alias, Password: o.Password, Status: status}
		servers = slices.Clone(o.Servers)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNoOwner, p)
	}

	ev := d.table.NewEvent(info.ID, event.OpLogon)
	ev.Params.Status = status
	if !d.reactor.Logon(ev, info, servers) {
		d.table.Discard(ev)
		return 0, reactor.ErrStopped
	}
	return ev.ID, nil
}

func (d *Daemon) Logoff(p models.ProtocolID) (uint64, error) {
	var id models.UserID
	err := d.reg.WithOwner(p, registry.Write, func(o *models.Owner) error {
		o.DesiredStatus = models.StatusOffline
		id = o.ID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNoOwner, p)
	}
	ev := d.table.NewEvent(id, event.OpLogoff)
	if !d.reactor.Logoff(ev) {
		d.table.Discard(ev)
		return 0, reactor.ErrStopped
	}
	return ev.ID, nil
}

// SetStatus changes the owner's presence, logging on or off as needed.
// text is the status or away message where the network has one.
func (d *Daemon) SetStatus(p models.ProtocolID, status models.Status, text string) (uint64, error) {
	if !status.IsOnline() {
		return d.Logoff(p)
	}
	if text != "" {
		_ = d.reg.WithOwner(p, registry.Write, func(o *models.Owner) error {
			o.Settings.AutoResponse = text
			return nil
		})
	}
	if !d.online(p) {
		return d.Logon(p, status)
	}

	o, _ := d.reg.ReadOwner(p)
	ev, err := d.newEvent(o.ID, event.OpSetStatus)
	if err != nil {
		return 0, err
	}
	ev.Params.Status = status
	ev.Params.Text = text
	_ = d.reg.WithOwner(p, registry.Write, func(o *models.Owner) error {
		o.DesiredStatus = status
		return nil
	})

	d.statusMu.Lock()
	d.statusReq[ev.ID] = status
	d.statusMu.Unlock()
	id, err := d.dispatch(ev)
	if err != nil {
		d.statusMu.Lock()
		delete(d.statusReq, ev.ID)
		d.statusMu.Unlock()
	}
	return id, err
}

// SwitchServer reconnects through the next configured server.
func (d *Daemon) SwitchServer(p models.ProtocolID) (uint64, error) {
	o, ok := d.reg.ReadOwner(p)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoOwner, p)
	}
	ev := d.table.NewEvent(o.ID, event.OpLogon)
	ev.Params.Status = o.DesiredStatus
	if !d.reactor.SwitchServer(ev) {
		d.table.Discard(ev)
		return 0, reactor.ErrStopped
	}
	return ev.ID, nil
}

// PluginRegister attaches a front end to the signal bus.
func (d *Daemon) PluginRegister(name string, mask signal.Kind) *signal.Plugin {
	p := d.bus.Register(name, mask)
	s := signal.New(signal.PluginLoaded, signal.SubNone, models.UserID{}, 0)
	s.Text = name
	d.bus.Push(s)
	slog.Info("plugin registered", "name", name, "mask", uint32(mask))
	return p
}

func (d *Daemon) PluginUnregister(p *signal.Plugin) {
	d.bus.Unregister(p)
	s := signal.New(signal.PluginUnloaded, signal.SubNone, models.UserID{}, 0)
	s.Text = p.Name()
	d.bus.Push(s)
	slog.Info("plugin unregistered", "name", p.Name())
}

// UIViewEvent asks front ends to show the contact's oldest pending event.
func (d *Daemon) UIViewEvent(user models.UserID) {
	d.push(signal.UIViewEvent, signal.SubNone, user, 0)
}

// UIMessage asks front ends to open a message window for the contact.
func (d *Daemon) UIMessage(user models.UserID) {
	d.push(signal.UIMessage, signal.SubNone, user, 0)
}

// PopPendingEvent removes the oldest unread event of a contact.
func (d *Daemon) PopPendingEvent(user models.UserID) (models.UserEvent, bool) {
	var (
		ue   models.UserEvent
		ok   bool
		left int
	)
	h := d.reg.LockUser(user, registry.Write)
	if !h.IsLocked() {
		return ue, false
	}
	u := h.User()
	if len(u.Pending) > 0 {
		ue, ok = u.Pending[0], true
		u.Pending = slices.Delete(u.Pending, 0, 1)
	}
	left = len(u.Pending)
	h.Release()

	if ok {
		s := signal.New(signal.UserEvents, signal.SubEventRead, user, int64(left))
		s.Text = ue.ID
		d.bus.Push(s)
	}
	return ue, ok
}
