package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"palaver/internal/models"
	"palaver/internal/storage"

	"github.com/stretchr/testify/require"
)

var bob = models.UserID{Protocol: models.ProtocolMSN, Account: "bob@example.com"}

func newStore(t *testing.T) *storage.BboltStorage {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func texts(entries []storage.HistoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Event.Content.(models.Message).Text
	}
	return out
}

func TestRecorder_RecordsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var notified int
	r := New(ctx, Config{
		Store:    newStore(t),
		OnRecord: func(models.UserID, storage.HistoryEntry) { notified++ },
	})

	ue := models.NewUserEvent(models.Message{Text: "hello"}, true)
	r.Record(bob, ue)
	r.Record(bob, ue)

	_, err := r.Add(bob, ue)
	require.ErrorIs(t, err, ErrDuplicate)

	entries, err := r.List(bob, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ue.ID, entries[0].Event.ID)
	require.Equal(t, 1, notified)
}

func TestRecorder_RingWrap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newStore(t)
	r := New(ctx, Config{Store: store, RingSize: 3})

	for i := 0; i < 5; i++ {
		seq, err := r.Add(bob, models.NewUserEvent(models.Message{Text: fmt.Sprintf("msg %d", i)}, false))
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), seq)
	}

	require.Equal(t, []string{"msg 3", "msg 4"}, texts(r.Recent(bob, 2)))
	require.Equal(t, []string{"msg 2", "msg 3", "msg 4"}, texts(r.Recent(bob, 10)))

	// From the ring.
	entries, err := r.List(bob, 3, 4)
	require.NoError(t, err)
	require.Equal(t, []string{"msg 2", "msg 3"}, texts(entries))

	// Older than the ring, so from the store.
	entries, err = r.List(bob, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"msg 0", "msg 1"}, texts(entries))

	entries, err = r.List(bob, 9, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRecorder_PrimesFromStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newStore(t)

	for i := 0; i < 4; i++ {
		_, err := store.AppendHistory(bob, models.NewUserEvent(models.Message{Text: fmt.Sprintf("old %d", i)}, true))
		require.NoError(t, err)
	}

	r := New(ctx, Config{Store: store, RingSize: 2})
	require.Equal(t, []string{"old 2", "old 3"}, texts(r.Recent(bob, 5)))

	seq, err := r.Add(bob, models.NewUserEvent(models.Message{Text: "new"}, false))
	require.NoError(t, err)
	require.Equal(t, uint64(5), seq)
	require.Equal(t, []string{"old 3", "new"}, texts(r.Recent(bob, 2)))

	r.Forget(bob)
	require.Equal(t, []string{"old 3", "new"}, texts(r.Recent(bob, 2)))
}

func TestRing_Reset(t *testing.T) {
	rg := newRing(4)
	rg.add(storage.HistoryEntry{Seq: 1})
	rg.add(storage.HistoryEntry{Seq: 2})
	// A gap means the ring no longer mirrors the store.
	rg.add(storage.HistoryEntry{Seq: 7})

	require.False(t, rg.covers(2))
	require.True(t, rg.covers(7))
	require.Len(t, rg.last(4), 1)
	require.Equal(t, uint64(7), rg.last(1)[0].Seq)
}
