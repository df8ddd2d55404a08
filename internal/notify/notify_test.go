package notify

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"palaver/internal/models"
	"palaver/internal/signal"
	"palaver/internal/storage"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	subs map[string]storage.PushSubscription
}

func (m *memStore) ListPushSubscriptions() ([]storage.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.PushSubscription
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) DeletePushSubscription(endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, endpoint)
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

type busHost struct {
	bus *signal.Bus
}

func (b busHost) PluginRegister(name string, mask signal.Kind) *signal.Plugin {
	return b.bus.Register(name, mask)
}

func (b busHost) PluginUnregister(p *signal.Plugin) {
	b.bus.Unregister(p)
}

func newSubscription(t *testing.T, endpoint string) storage.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 16)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	return storage.PushSubscription{
		Endpoint: endpoint,
		P256dh:   base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(secret),
		UserID:   "ui-user",
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.Validate())

	pub, priv, err := GenerateKeys()
	require.NoError(t, err)
	cfg = Config{VAPIDPublicKey: pub, VAPIDPrivateKey: priv}
	require.Error(t, cfg.Validate(), "subject is required")

	cfg.Subject = "mailto:admin@example.com"
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultTTL, cfg.TTL)
}

func TestNotifier(t *testing.T) {
	var delivered atomic.Int32
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Errorf("push request without VAPID authorization")
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer live.Close()
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer gone.Close()

	store := &memStore{subs: map[string]storage.PushSubscription{}}
	for _, url := range []string{live.URL, gone.URL} {
		store.subs[url] = newSubscription(t, url)
	}

	pub, priv, err := GenerateKeys()
	require.NoError(t, err)
	host := busHost{bus: signal.NewBus()}
	n, err := New(Config{
		Subject:         "mailto:admin@example.com",
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
	}, store, host)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- n.Run(ctx) }()

	bob := models.UserID{Protocol: models.ProtocolIRC, Account: "bob"}
	// Reads are not announced.
	host.bus.Push(signal.New(signal.UserEvents, signal.SubEventRead, bob, 0))
	s := signal.New(signal.UserEvents, signal.SubEventAdded, bob, 1)
	s.Text = "event-1"
	host.bus.Push(s)

	require.Eventually(t, func() bool {
		return delivered.Load() == 1 && store.len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := store.subs[live.URL]
	require.True(t, ok, "live subscription kept")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Empty(t, host.bus.Plugins())
}
