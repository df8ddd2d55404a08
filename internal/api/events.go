package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"palaver/internal/content"
	"palaver/internal/daemon"
	"palaver/internal/event"
	"palaver/internal/models"

	"github.com/gorilla/mux"
)

const (
	defaultWait = 30 * time.Second
	maxWait     = 2 * time.Minute
	historyPage = 50
)

type SendMessageRequest struct {
	Protocol string `json:"protocol"`
	Account  string `json:"account"`
	Text     string `json:"text"`
	URL      string `json:"url,omitempty"`
	Color    uint32 `json:"color,omitempty"`
}

// SendMessageHandler queues a message or URL. The reply carries the event
// id to wait on.
func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := AddContactRequest{Protocol: req.Protocol, Account: req.Account}.userID()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := daemon.SendOptions{Color: req.Color}
	var id uint64
	if req.URL != "" {
		id, err = a.d.SendURL(user, req.URL, req.Text, opts)
	} else {
		id, err = a.d.SendMessage(user, req.Text, opts)
	}
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, eventIDResponse{Success: true, EventID: id})
}

type eventResponse struct {
	ID       uint64 `json:"id"`
	Result   string `json:"result"`
	Op       string `json:"op,omitempty"`
	User     string `json:"user,omitempty"`
	Error    string `json:"error,omitempty"`
	Accepted *bool  `json:"accepted,omitempty"`
	Response string `json:"response,omitempty"`
}

func newEventResponse(d event.Done) eventResponse {
	resp := eventResponse{
		ID:     d.ID,
		Result: d.Result.String(),
		Op:     d.Op.String(),
		Error:  d.Err,
	}
	if !d.User.IsZero() {
		resp.User = d.User.Key()
	}
	if d.ExtendedAck != nil {
		resp.Accepted = &d.ExtendedAck.Accepted
		resp.Response = d.ExtendedAck.Response
	}
	return resp
}

func eventFromVars(r *http.Request) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
}

// WaitEventHandler blocks until the event completes or the timeout (in
// seconds) passes. A still running event answers 202 with result pending.
func (a *API) WaitEventHandler(w http.ResponseWriter, r *http.Request) {
	id, err := eventFromVars(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event id")
		return
	}
	wait := defaultWait
	if s := r.URL.Query().Get("timeout"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid timeout")
			return
		}
		wait = min(time.Duration(n)*time.Second, maxWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	done, err := a.d.WaitEvent(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusAccepted, eventResponse{ID: id, Result: event.Pending.String()})
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newEventResponse(done))
}

func (a *API) CancelEventHandler(w http.ResponseWriter, r *http.Request) {
	id, err := eventFromVars(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event id")
		return
	}
	if !a.d.CancelEvent(id) {
		writeError(w, http.StatusNotFound, "Event is not pending")
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

type historyEntry struct {
	Seq uint64 `json:"seq"`
	models.FlatEvent
}

// HistoryHandler lists a contact's history. ?from=&to= select a sequence
// range, otherwise the newest page is returned.
func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	user, err := userFromVars(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	var from, to uint64
	for key, dst := range map[string]*uint64{"from": &from, "to": &to} {
		if s := q.Get(key); s != "" {
			if *dst, err = strconv.ParseUint(s, 10, 64); err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+key)
				return
			}
		}
	}

	h := a.d.History()
	var entries []historyEntry
	if from == 0 && to == 0 {
		for _, e := range h.Recent(user, historyPage) {
			entries = append(entries, renderEntry(e.Seq, e.Event))
		}
	} else {
		list, err := h.List(user, from, to)
		if err != nil {
			writeError(w, statusOf(err), err.Error())
			return
		}
		for _, e := range list {
			entries = append(entries, renderEntry(e.Seq, e.Event))
		}
	}
	if entries == nil {
		entries = []historyEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func renderEntry(seq uint64, ue models.UserEvent) historyEntry {
	f := ue.Flatten()
	if f.Text != "" {
		f.HTML = content.Render(f.Text)
	}
	return historyEntry{Seq: seq, FlatEvent: f}
}

// PendingHandler pops the oldest unread event of a contact.
func (a *API) PendingHandler(w http.ResponseWriter, r *http.Request) {
	user, err := userFromVars(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ue, ok := a.d.PopPendingEvent(user)
	if !ok {
		writeError(w, http.StatusNotFound, "No pending events")
		return
	}
	writeJSON(w, http.StatusOK, renderEntry(0, ue))
}
