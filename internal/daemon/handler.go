package daemon

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"palaver/internal/backend"
	"palaver/internal/content"
	"palaver/internal/event"
	"palaver/internal/models"
	"palaver/internal/reactor"
	"palaver/internal/registry"
	"palaver/internal/signal"

	"golang.org/x/text/encoding/htmlindex"
)

var _ reactor.Handler = (*Daemon)(nil)

// HandleOutcome applies what a packet changed to the registry. It runs on
// the reactor goroutine after the completions were applied.
func (d *Daemon) HandleOutcome(sess backend.Session, out backend.Outcome) {
	proto := sess.Protocol()
	if out.OwnerStatus != nil {
		d.setOwnerStatus(proto, *out.OwnerStatus)
	}
	if len(out.ServerGroups) > 0 {
		d.serverGroups(proto, out.ServerGroups)
	}
	if len(out.Roster) > 0 {
		d.roster(proto, out.Roster)
	}
	for _, p := range out.Presence {
		d.presence(p)
	}
	for _, in := range out.Received {
		d.receive(in)
	}
}

func (d *Daemon) EventSent(ev *event.Event) {
	d.stats.sent.Add(1)
}

func (d *Daemon) SessionUp(proto models.ProtocolID, sock models.SocketID) {
	var id models.UserID
	_ = d.reg.WithOwner(proto, registry.Write, func(o *models.Owner) error {
		o.Socket = sock
		id = o.ID
		return nil
	})
	slog.Info("owner logged on", "protocol", proto, "socket", sock)
	d.push(signal.Logon, signal.SubNone, id, int64(sock))
}

func (d *Daemon) SessionDown(proto models.ProtocolID, sock models.SocketID, err error) {
	var id models.UserID
	_ = d.reg.WithOwner(proto, registry.Write, func(o *models.Owner) error {
		o.Socket = models.NoSocket
		o.Status = models.StatusOffline
		id = o.ID
		return nil
	})

	// Contacts of a network we are not on have no known presence.
	var online []models.UserID
	d.reg.ForEachUser(registry.Read, func(u *models.User) bool {
		if u.ID.Protocol == proto && u.Status.IsOnline() {
			online = append(online, u.ID)
		}
		return true
	})
	for _, uid := range online {
		d.presence(backend.Presence{User: uid, Status: models.StatusOffline})
	}

	if err != nil {
		slog.Warn("owner logged off", "protocol", proto, "socket", sock, "error", err)
	} else {
		slog.Info("owner logged off", "protocol", proto, "socket", sock)
	}
	d.push(signal.Logoff, signal.SubNone, id, int64(sock))
}

// onDone runs after every completion, outside the table locks.
func (d *Daemon) onDone(done event.Done) {
	if int(done.Result) < len(d.stats.results) {
		d.stats.results[done.Result].Add(1)
	}

	if done.Op == event.OpSetStatus {
		d.statusMu.Lock()
		st, ok := d.statusReq[done.ID]
		delete(d.statusReq, done.ID)
		d.statusMu.Unlock()
		if ok && done.Result.Delivered() {
			d.setOwnerStatus(done.Protocol, st)
		}
	}
	d.bus.Push(signal.NewDone(done))
}

func (d *Daemon) setOwnerStatus(proto models.ProtocolID, st models.Status) {
	var (
		id      models.UserID
		changed bool
	)
	_ = d.reg.WithOwner(proto, registry.Write, func(o *models.Owner) error {
		changed = o.Status != st
		o.Status = st
		id = o.ID
		return nil
	})
	if !changed {
		return
	}

	// A new status means a new away message.
	var answered []models.UserID
	d.reg.ForEachUser(registry.Read, func(u *models.User) bool {
		if u.ID.Protocol == proto && u.AutoResponded {
			answered = append(answered, u.ID)
		}
		return true
	})
	for _, uid := range answered {
		_ = d.reg.WithUser(uid, registry.Write, func(u *models.User) error {
			u.AutoResponded = false
			return nil
		})
	}
	d.push(signal.OwnerStatus, signal.SubStatus, id, int64(st))
}

func (d *Daemon) presence(p backend.Presence) {
	h := d.reg.LockUser(p.User, registry.Write)
	if !h.IsLocked() {
		return
	}
	u := h.User()
	changed := u.Status != p.Status
	u.Status = p.Status
	if p.Alias != "" && u.Alias == u.ID.Account {
		u.Alias = p.Alias
	}
	if changed && (p.Status.IsOnline() || u.LastSeen == 0) {
		u.LastSeen = time.Now().Unix()
	}
	h.Release()

	if changed {
		d.push(signal.UserUpdated, signal.SubStatus, p.User, int64(p.Status))
	}
}

func (d *Daemon) serverGroups(proto models.ProtocolID, groups []backend.ServerGroup) {
	for _, g := range groups {
		id, ok := d.reg.GroupIDByName(g.Name)
		if !ok {
			var err error
			if id, err = d.reg.AddGroup(g.Name); err != nil {
				slog.Warn("failed to add server group", "protocol", proto, "name", g.Name, "error", err)
				continue
			}
			d.push(signal.ListChanged, signal.SubGroupAdded, models.UserID{}, int64(id))
		}
		if err := d.reg.SetGroupServerID(id, proto, g.ID); err != nil {
			slog.Warn("failed to map server group", "protocol", proto, "group", id, "error", err)
		}
	}
}

// groupsOf maps a roster entry to local group ids, creating named groups
// the list does not have yet.
func (d *Daemon) groupsOf(proto models.ProtocolID, item backend.RosterItem) []int {
	var ids []int
	for _, sid := range item.Groups {
		if id, ok := d.reg.GroupFromServerID(proto, sid); ok {
			ids = append(ids, id)
		}
	}
	for _, name := range item.GroupNames {
		id, ok := d.reg.GroupIDByName(name)
		if !ok {
			var err error
			if id, err = d.reg.AddGroup(name); err != nil {
				continue
			}
			d.push(signal.ListChanged, signal.SubGroupAdded, models.UserID{}, int64(id))
		}
		ids = append(ids, id)
	}
	return ids
}

func (d *Daemon) roster(proto models.ProtocolID, items []backend.RosterItem) {
	for _, item := range items {
		groups := d.groupsOf(proto, item)
		if !d.reg.UserExists(item.User) {
			if err := d.reg.AddUser(item.User, item.Alias, true, 0); err != nil {
				slog.Warn("failed to add roster contact", "user", item.User, "error", err)
				continue
			}
			d.push(signal.ListChanged, signal.SubUserAdded, item.User, 0)
		}
		_ = d.reg.WithUser(item.User, registry.Write, func(u *models.User) error {
			u.Permanent = true
			if item.Alias != "" {
				u.Alias = item.Alias
			}
			return nil
		})
		for _, g := range groups {
			if err := d.reg.SetUserInGroup(item.User, g, true); err != nil {
				slog.Debug("roster group gone", "user", item.User, "group", g, "error", err)
			}
		}
		d.push(signal.UserUpdated, signal.SubGroups, item.User, 0)
	}
}

// decode reinterprets text that arrived as raw bytes in the contact's
// configured legacy encoding.
func decode(encoding string, ue models.UserEvent) models.UserEvent {
	if encoding == "" {
		return ue
	}
	enc, err := htmlindex.Get(encoding)
	if err != nil {
		slog.Warn("unknown contact encoding", "encoding", encoding, "error", err)
		return ue
	}
	dec := enc.NewDecoder()
	conv := func(s string) string {
		out, err := dec.String(s)
		if err != nil {
			return s
		}
		return out
	}
	switch c := ue.Content.(type) {
	case models.Message:
		c.Text = conv(c.Text)
		ue.Content = c
	case models.URL:
		c.Description = conv(c.Description)
		ue.Content = c
	case models.ChatRequest:
		c.Reason = conv(c.Reason)
		ue.Content = c
	case models.AuthRequest:
		c.Reason = conv(c.Reason)
		ue.Content = c
	}
	return ue
}

// stripMarkup reduces text from networks whose clients send formatted
// bodies to plain text.
func stripMarkup(proto models.ProtocolID, ue models.UserEvent) models.UserEvent {
	if proto != models.ProtocolXMPP && proto != models.ProtocolMSN {
		return ue
	}
	switch c := ue.Content.(type) {
	case models.Message:
		c.Text = content.Plain(c.Text)
		ue.Content = c
	case models.URL:
		c.Description = content.Plain(c.Description)
		ue.Content = c
	}
	return ue
}

// receive queues an inbound user event on its contact. Unknown senders
// become temporary contacts.
func (d *Daemon) receive(in backend.Incoming) {
	if !d.reg.UserExists(in.From) {
		if err := d.reg.AddUser(in.From, "", false, 0); err != nil && !errors.Is(err, registry.ErrExists) {
			slog.Warn("failed to add temporary contact", "user", in.From, "error", err)
			return
		}
		d.push(signal.ListChanged, signal.SubUserAdded, in.From, 0)
	}

	var away string
	if o, ok := d.reg.ReadOwner(in.From.Protocol); ok && o.Status.IsAway() {
		away = o.Settings.AutoResponse
	}

	h := d.reg.LockUser(in.From, registry.Write)
	if !h.IsLocked() {
		d.stats.rejected.Add(1)
		return
	}
	u := h.User()
	if u.Settings.Ignore {
		h.Release()
		d.stats.rejected.Add(1)
		slog.Debug("dropped event from ignored contact", "user", in.From)
		return
	}
	ue := in.Event
	if in.Raw {
		ue = decode(u.Settings.Encoding, ue)
	}
	ue = stripMarkup(in.From.Protocol, ue)
	u.Pending = append(u.Pending, ue)
	u.LastSeen = time.Now().Unix()
	pending := len(u.Pending)

	_, isMessage := ue.Content.(models.Message)
	reply := ""
	if isMessage && away != "" && !u.AutoResponded {
		reply = away
		u.AutoResponded = true
	}
	h.Release()

	d.stats.received.Add(1)
	d.history.Record(in.From, ue)
	s := signal.New(signal.UserEvents, signal.SubEventAdded, in.From, int64(pending))
	s.Text = ue.ID
	d.bus.Push(s)

	if reply != "" {
		auto := models.NewUserEvent(models.Message{Text: reply}, false)
		auto.Flags |= models.FlagAutoResponse
		if _, err := d.sendUserEvent(in.From, event.OpSendMessage, auto, SendOptions{}); err != nil {
			slog.Warn("failed to send auto response", "user", in.From, "error", err)
		}
	}
}

// serverGroupParams lists the groups of a contact the way the network names
// them: server ids where it has them, names otherwise.
func (d *Daemon) serverGroupParams(proto models.ProtocolID, groups []int) []string {
	h := d.reg.LockGroupList(registry.Read)
	defer h.Release()
	var out []string
	for _, id := range groups {
		g, ok := h.Get(id)
		if !ok {
			continue
		}
		if sid, ok := g.ServerIDs[proto]; ok {
			out = append(out, strconv.Itoa(sid))
			continue
		}
		out = append(out, g.Name)
	}
	return out
}
