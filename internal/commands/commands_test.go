package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"palaver/internal/api"
	"palaver/internal/config"

	"github.com/stretchr/testify/require"
)

func adminStub(t *testing.T, handler http.HandlerFunc) *config.Config {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &config.Config{
		AdminAddr: strings.TrimPrefix(srv.URL, "http://"),
		BaseURL:   "http://chat.example.com/",
	}
}

func TestAddUIUser(t *testing.T) {
	var got api.AddUIUserRequest
	cfg := adminStub(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/admin/ui-users", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.AddUIUserResponse{Success: true, Username: got.Username, UserID: "id1"})
	})

	var out bytes.Buffer
	require.NoError(t, AddUIUser(&out, "alice", "", cfg))
	require.Equal(t, "alice", got.Username)
	require.GreaterOrEqual(t, len(got.Password), 16)
	require.Contains(t, out.String(), got.Password)
	require.Contains(t, out.String(), "http://chat.example.com/")
}

func TestAddContact(t *testing.T) {
	var got api.AddContactRequest
	cfg := adminStub(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/admin/contacts", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Account == "taken" {
			http.Error(w, `{"success":false,"message":"already exists"}`, http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"eventId":3}`))
	})

	var out bytes.Buffer
	require.NoError(t, AddContact(&out, "irc:bob:Bob Smith", cfg))
	require.Equal(t, api.AddContactRequest{Protocol: "irc", Account: "bob", Alias: "Bob Smith"}, got)
	require.Contains(t, out.String(), "IRC:bob")
	require.Contains(t, out.String(), "event 3")

	err := AddContact(&out, "irc:taken", cfg)
	require.ErrorContains(t, err, "409")

	require.Error(t, AddContact(&out, "bob", cfg))
	require.Error(t, AddContact(&out, "irc:", cfg))
}

func TestAddContact_NoServer(t *testing.T) {
	cfg := &config.Config{AdminAddr: "127.0.0.1:1"}
	require.ErrorContains(t, AddContact(&bytes.Buffer{}, "irc:bob", cfg), "Is the server running?")
}

func TestGenerateVAPID(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, GenerateVAPID(&out))
	require.Contains(t, out.String(), "VAPID_PUBLIC_KEY=")
	require.Contains(t, out.String(), "VAPID_PRIVATE_KEY=")
}
