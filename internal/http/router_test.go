package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"palaver/internal/api"
	"palaver/internal/auth"
	"palaver/internal/backend"
	"palaver/internal/backend/irc"
	"palaver/internal/daemon"
	"palaver/internal/filestore"
	"palaver/internal/models"
	"palaver/internal/storage"
	"palaver/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	api   *httptest.Server
	admin *httptest.Server
	store *storage.BboltStorage
	d     *daemon.Daemon
	token string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "palaver.db"))
	require.NoError(t, err)

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret: base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")),
	})
	require.NoError(t, err)
	authService.SetStore(store)

	d := daemon.New(ctx, daemon.Config{
		Store:    store,
		History:  store,
		Backends: []backend.Backend{irc.New(backend.Timeouts{})},
		Tick:     10 * time.Millisecond,
	})
	require.NoError(t, d.AddOwner(models.Owner{
		User:    models.User{ID: models.UserID{Protocol: models.ProtocolIRC, Account: "me"}},
		Servers: []models.Server{{Host: "irc.example.net", Port: 6667}},
	}))

	files, err := filestore.NewLocalFileStore(t.TempDir(), 1<<20)
	require.NoError(t, err)

	hub := ws.NewHub(d)
	h := api.New(api.Config{
		Auth:           authService,
		Daemon:         d,
		Files:          files,
		Store:          store,
		VAPIDPublicKey: "public-key",
	})

	env := &testEnv{
		api:   httptest.NewServer(NewAPIRouter(h, ws.NewServer(authService, hub))),
		admin: httptest.NewServer(NewAdminRouter(api.NewAdminHandler(authService, d))),
		store: store,
		d:     d,
	}

	runErr := make(chan error, 2)
	go func() { runErr <- d.Run(ctx) }()
	go func() { runErr <- hub.Run(ctx) }()
	t.Cleanup(func() {
		env.api.Close()
		env.admin.Close()
		cancel()
		<-runErr
		<-runErr
		_ = store.Close()
	})

	resp := env.do(t, env.admin, http.MethodPost, "/admin/ui-users", map[string]string{"username": "alice", "password": "correct-horse"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, env.api, http.MethodPost, "/api/login", auth.LoginRequest{Username: "alice", Password: "correct-horse"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login auth.LoginResponse
	decode(t, resp, &login)
	require.True(t, login.Success)
	env.token = login.Token
	return env
}

func (e *testEnv) do(t *testing.T, srv *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("token", e.token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func expectStatus(t *testing.T, resp *http.Response, code int) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != code {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d: %s", code, resp.StatusCode, body)
	}
}

func TestAPI_Auth(t *testing.T) {
	env := newTestEnv(t)

	t.Run("NoToken", func(t *testing.T) {
		resp, err := http.Get(env.api.URL + "/api/contacts")
		require.NoError(t, err)
		expectStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("BadPassword", func(t *testing.T) {
		anon := &testEnv{}
		resp := anon.do(t, env.api, http.MethodPost, "/api/login", auth.LoginRequest{Username: "alice", Password: "wrong"})
		expectStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("CrossOrigin", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, env.api.URL+"/api/groups", strings.NewReader(`{"name":"x"}`))
		require.NoError(t, err)
		req.Header.Set("token", env.token)
		req.Header.Set("Origin", "https://evil.example.com")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		expectStatus(t, resp, http.StatusForbidden)
	})

	t.Run("DuplicateUIUser", func(t *testing.T) {
		resp := env.do(t, env.admin, http.MethodPost, "/admin/ui-users", map[string]string{"username": "alice", "password": "another-one"})
		expectStatus(t, resp, http.StatusConflict)
	})

	t.Run("Logoff", func(t *testing.T) {
		other := &testEnv{}
		resp := other.do(t, env.api, http.MethodPost, "/api/login", auth.LoginRequest{Username: "alice", Password: "correct-horse"})
		var login auth.LoginResponse
		decode(t, resp, &login)
		other.token = login.Token

		expectStatus(t, other.do(t, env.api, http.MethodPost, "/api/logoff", nil), http.StatusOK)
		expectStatus(t, other.do(t, env.api, http.MethodGet, "/api/contacts", nil), http.StatusUnauthorized)
	})
}

func TestAPI_ContactsAndGroups(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, env.api, http.MethodPost, "/api/groups", map[string]string{"name": "Friends"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var group map[string]int
	decode(t, resp, &group)
	friends := group["id"]

	resp = env.do(t, env.api, http.MethodPost, "/api/groups", map[string]string{"name": "Work"})
	expectStatus(t, resp, http.StatusCreated)
	expectStatus(t, env.do(t, env.api, http.MethodPost, "/api/groups", map[string]string{"name": "Friends"}), http.StatusConflict)

	resp = env.do(t, env.api, http.MethodPost, "/api/contacts", api.AddContactRequest{Protocol: "irc", Account: "bob", Alias: "Bob", GroupID: friends})
	expectStatus(t, resp, http.StatusCreated)
	expectStatus(t, env.do(t, env.api, http.MethodPost, "/api/contacts", api.AddContactRequest{Protocol: "irc", Account: "bob"}), http.StatusConflict)
	expectStatus(t, env.do(t, env.api, http.MethodPost, "/api/contacts", api.AddContactRequest{Protocol: "gopher", Account: "bob"}), http.StatusBadRequest)

	var contacts []struct {
		ID     models.UserID `json:"id"`
		Alias  string        `json:"alias"`
		Groups []int         `json:"groups"`
	}
	decode(t, env.do(t, env.api, http.MethodGet, "/api/contacts", nil), &contacts)
	require.Len(t, contacts, 1)
	require.Equal(t, "Bob", contacts[0].Alias)
	require.Equal(t, []int{friends}, contacts[0].Groups)

	expectStatus(t, env.do(t, env.api, http.MethodPatch, "/api/contacts/irc/bob", map[string]string{"name": "Robert"}), http.StatusOK)
	u, ok := env.d.Registry().ReadUser(models.UserID{Protocol: models.ProtocolIRC, Account: "bob"})
	require.True(t, ok)
	require.Equal(t, "Robert", u.Alias)

	expectStatus(t, env.do(t, env.api, http.MethodPost, fmt.Sprintf("/api/groups/%d/move", friends), map[string]int{"index": 1}), http.StatusOK)
	var groups []models.Group
	decode(t, env.do(t, env.api, http.MethodGet, "/api/groups", nil), &groups)
	require.Len(t, groups, 2)
	require.Equal(t, "Work", groups[0].Name)
	require.Equal(t, "Friends", groups[1].Name)

	expectStatus(t, env.do(t, env.api, http.MethodDelete, fmt.Sprintf("/api/groups/%d", friends), nil), http.StatusOK)
	expectStatus(t, env.do(t, env.api, http.MethodDelete, fmt.Sprintf("/api/groups/%d", friends), nil), http.StatusNotFound)
	u, _ = env.d.Registry().ReadUser(models.UserID{Protocol: models.ProtocolIRC, Account: "bob"})
	require.Empty(t, u.Groups)

	expectStatus(t, env.do(t, env.api, http.MethodDelete, "/api/contacts/irc/bob", nil), http.StatusOK)
	expectStatus(t, env.do(t, env.api, http.MethodDelete, "/api/contacts/irc/bob", nil), http.StatusNotFound)
}

func TestAPI_MessagesAndEvents(t *testing.T) {
	env := newTestEnv(t)

	// The owner is offline, so the message fails without touching a network.
	resp := env.do(t, env.api, http.MethodPost, "/api/messages", api.SendMessageRequest{Protocol: "irc", Account: "bob", Text: "hi"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sent struct {
		EventID uint64 `json:"eventId"`
	}
	decode(t, resp, &sent)
	require.NotZero(t, sent.EventID)

	var done struct {
		Result string `json:"result"`
		Op     string `json:"op"`
		Error  string `json:"error"`
	}
	resp = env.do(t, env.api, http.MethodGet, fmt.Sprintf("/api/events/%d?timeout=5", sent.EventID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &done)
	require.Equal(t, "failed", done.Result)
	require.Equal(t, "send_message", done.Op)
	require.NotEmpty(t, done.Error)

	expectStatus(t, env.do(t, env.api, http.MethodDelete, fmt.Sprintf("/api/events/%d", sent.EventID), nil), http.StatusNotFound)
	expectStatus(t, env.do(t, env.api, http.MethodPost, "/api/messages", api.SendMessageRequest{Protocol: "irc", Account: "bob"}), http.StatusBadRequest)
	expectStatus(t, env.do(t, env.api, http.MethodPost, "/api/messages", api.SendMessageRequest{Protocol: "msn", Account: "bob", Text: "hi"}), http.StatusBadRequest)

	var history []json.RawMessage
	decode(t, env.do(t, env.api, http.MethodGet, "/api/history/irc/bob", nil), &history)
	require.NotNil(t, history)

	require.Eventually(t, func() bool {
		return env.d.Stats().Results["failed"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	var stats daemon.Stats
	decode(t, env.do(t, env.api, http.MethodGet, "/api/stats", nil), &stats)
	require.Equal(t, uint64(1), stats.Results["failed"])
	require.Contains(t, stats.Plugins, "ws")
}

func TestAPI_Files(t *testing.T) {
	env := newTestEnv(t)
	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "dot.png")
	require.NoError(t, err)
	_, err = fw.Write(png)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, env.api.URL+"/api/files", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("token", env.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var up struct {
		FileID string `json:"fileId"`
	}
	decode(t, resp, &up)

	meta, err := env.store.GetFileMetadata(up.FileID)
	require.NoError(t, err)
	require.Equal(t, "image/png", meta.MimeType)
	require.Equal(t, "dot.png", meta.Name)

	resp = env.do(t, env.api, http.MethodGet, "/api/files/"+up.FileID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, png, data)

	expectStatus(t, env.do(t, env.api, http.MethodGet, "/api/files/missing", nil), http.StatusNotFound)

	expectStatus(t, env.do(t, env.api, http.MethodDelete, "/api/files/"+up.FileID, nil), http.StatusOK)
	expectStatus(t, env.do(t, env.api, http.MethodGet, "/api/files/"+up.FileID, nil), http.StatusNotFound)
	expectStatus(t, env.do(t, env.api, http.MethodDelete, "/api/files/"+up.FileID, nil), http.StatusNotFound)
}

func TestAPI_Push(t *testing.T) {
	env := newTestEnv(t)

	var key map[string]string
	decode(t, env.do(t, env.api, http.MethodGet, "/api/push/key", nil), &key)
	require.Equal(t, "public-key", key["publicKey"])

	sub := map[string]any{
		"endpoint": "https://push.example.com/abc",
		"keys":     map[string]string{"p256dh": "pk", "auth": "secret"},
	}
	expectStatus(t, env.do(t, env.api, http.MethodPost, "/api/push/subscribe", sub), http.StatusOK)
	expectStatus(t, env.do(t, env.api, http.MethodPost, "/api/push/subscribe", map[string]string{"endpoint": "x"}), http.StatusBadRequest)

	subs, err := env.store.ListPushSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "pk", subs[0].P256dh)
	require.NotEmpty(t, subs[0].UserID)
}

func TestAPI_Admin(t *testing.T) {
	env := newTestEnv(t)

	owner := api.AddOwnerRequest{
		Protocol:     "xmpp",
		Account:      "me@example.com",
		Password:     "secret",
		Servers:      []string{"xmpp.example.com:5222"},
		AutoResponse: "away",
	}
	// No XMPP backend is registered in this daemon.
	expectStatus(t, env.do(t, env.admin, http.MethodPost, "/admin/owners", owner), http.StatusBadRequest)

	owner.Protocol = "irc"
	owner.Account = "me"
	owner.Servers = []string{"irc.example.net:6697"}
	expectStatus(t, env.do(t, env.admin, http.MethodPost, "/admin/owners", owner), http.StatusOK)
	o, ok := env.d.Registry().ReadOwner(models.ProtocolIRC)
	require.True(t, ok)
	require.Equal(t, []models.Server{{Host: "irc.example.net", Port: 6697}}, o.Servers)
	require.Equal(t, "away", o.Settings.AutoResponse)

	owner.Servers = []string{"no-port"}
	expectStatus(t, env.do(t, env.admin, http.MethodPost, "/admin/owners", owner), http.StatusBadRequest)

	expectStatus(t, env.do(t, env.admin, http.MethodPost, "/admin/contacts", api.AddContactRequest{Protocol: "irc", Account: "carol"}), http.StatusCreated)
	_, ok = env.d.Registry().ReadUser(models.UserID{Protocol: models.ProtocolIRC, Account: "carol"})
	require.True(t, ok)

	expectStatus(t, env.do(t, env.admin, http.MethodPost, "/admin/owners/msn/logon", nil), http.StatusBadRequest)
	expectStatus(t, env.do(t, env.admin, http.MethodPost, "/admin/stats/reset", nil), http.StatusOK)
}

func TestAPI_Websocket(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.api.URL, "http") + "/api/ws?token=" + env.token

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.api.URL, "http")+"/api/ws", nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// Give the hub a moment to register the connection.
	time.Sleep(50 * time.Millisecond)
	expectStatus(t, env.do(t, env.api, http.MethodPost, "/api/contacts", api.AddContactRequest{Protocol: "irc", Account: "dave"}), http.StatusCreated)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg models.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Kind == "list_changed" && msg.Sub == "user_added" {
			require.Equal(t, "dave", msg.User.Account)
			break
		}
	}

	require.NoError(t, conn.WriteJSON(models.ClientMessage{Type: models.ClientMessageTypeCancel, EventID: 12345}))
	for {
		var msg models.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == models.ServerMessageTypeError {
			break
		}
	}
}
