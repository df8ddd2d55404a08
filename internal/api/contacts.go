package api

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"palaver/internal/models"

	"github.com/gorilla/mux"
)

func userFromVars(r *http.Request) (models.UserID, error) {
	vars := mux.Vars(r)
	p, err := models.ParseProtocol(vars["proto"])
	if err != nil {
		return models.UserID{}, err
	}
	if vars["account"] == "" {
		return models.UserID{}, errors.New("account is required")
	}
	return models.UserID{Protocol: p, Account: vars["account"]}, nil
}

func groupFromVars(r *http.Request) (int, error) {
	return strconv.Atoi(mux.Vars(r)["id"])
}

type contactResponse struct {
	models.User
	Pending int `json:"pending"`
}

func (a *API) ContactsHandler(w http.ResponseWriter, r *http.Request) {
	users := a.d.Registry().Users()
	slices.SortFunc(users, func(x, y models.User) int {
		return strings.Compare(x.ID.Key(), y.ID.Key())
	})
	out := make([]contactResponse, 0, len(users))
	for _, u := range users {
		out = append(out, contactResponse{User: u, Pending: len(u.Pending)})
	}
	writeJSON(w, http.StatusOK, out)
}

type AddContactRequest struct {
	Protocol string `json:"protocol"`
	Account  string `json:"account"`
	Alias    string `json:"alias,omitempty"`
	GroupID  int    `json:"groupId,omitempty"`
}

func (req AddContactRequest) userID() (models.UserID, error) {
	p, err := models.ParseProtocol(req.Protocol)
	if err != nil {
		return models.UserID{}, err
	}
	if req.Account == "" {
		return models.UserID{}, errors.New("account is required")
	}
	return models.UserID{Protocol: p, Account: req.Account}, nil
}

type eventIDResponse struct {
	Success bool   `json:"success"`
	EventID uint64 `json:"eventId,omitempty"`
}

func (a *API) AddContactHandler(w http.ResponseWriter, r *http.Request) {
	var req AddContactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := req.userID()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.d.AddUser(user, req.Alias, req.GroupID)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, eventIDResponse{Success: true, EventID: id})
}

func (a *API) RemoveContactHandler(w http.ResponseWriter, r *http.Request) {
	user, err := userFromVars(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.d.RemoveUser(user)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eventIDResponse{Success: true, EventID: id})
}

type renameRequest struct {
	Name string `json:"name"`
}

func (a *API) RenameContactHandler(w http.ResponseWriter, r *http.Request) {
	user, err := userFromVars(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req renameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := a.d.RenameUser(user, req.Name)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eventIDResponse{Success: true, EventID: id})
}

func (a *API) GroupsHandler(w http.ResponseWriter, r *http.Request) {
	groups := a.d.Registry().Groups()
	slices.SortFunc(groups, func(x, y models.Group) int {
		return x.SortIndex - y.SortIndex
	})
	writeJSON(w, http.StatusOK, groups)
}

func (a *API) AddGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "Name is required")
		return
	}
	id, err := a.d.AddGroup(req.Name)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"id": id})
}

func (a *API) RenameGroupHandler(w http.ResponseWriter, r *http.Request) {
	id, err := groupFromVars(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid group id")
		return
	}
	var req renameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.d.RenameGroup(id, req.Name); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) RemoveGroupHandler(w http.ResponseWriter, r *http.Request) {
	id, err := groupFromVars(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid group id")
		return
	}
	if err := a.d.RemoveGroup(id); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) MoveGroupHandler(w http.ResponseWriter, r *http.Request) {
	id, err := groupFromVars(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid group id")
		return
	}
	var req struct {
		Index int `json:"index"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.d.MoveGroup(id, req.Index); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

type membershipRequest struct {
	GroupID int  `json:"groupId"`
	Member  bool `json:"member"`
}

func (a *API) ContactGroupHandler(w http.ResponseWriter, r *http.Request) {
	user, err := userFromVars(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req membershipRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := a.d.SetUserInGroup(user, req.GroupID, req.Member)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eventIDResponse{Success: true, EventID: id})
}

func (a *API) OwnersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.d.Registry().Owners())
}

type statusRequest struct {
	Status string `json:"status"`
	Text   string `json:"text,omitempty"`
}

// OwnerStatusHandler sets the owner's presence on one network. "offline"
// logs off, anything else logs on first when needed.
func (a *API) OwnerStatusHandler(w http.ResponseWriter, r *http.Request) {
	p, err := models.ParseProtocol(mux.Vars(r)["proto"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	st, err := models.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.d.SetStatus(p, st, req.Text)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, eventIDResponse{Success: true, EventID: id})
}
