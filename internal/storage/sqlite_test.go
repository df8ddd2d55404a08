package storage

import (
	"path/filepath"
	"testing"

	"palaver/internal/models"

	"github.com/stretchr/testify/require"
)

func TestSQLiteHistory(t *testing.T) {
	h, err := NewSQLiteHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	bob := models.UserID{Protocol: models.ProtocolXMPP, Account: "bob@example.com"}
	carol := models.UserID{Protocol: models.ProtocolXMPP, Account: "carol@example.com"}

	seq, err := h.AppendHistory(bob, models.NewUserEvent(models.Message{Text: "hi"}, true))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	seq, err = h.AppendHistory(bob, models.NewUserEvent(models.URL{URL: "http://x.test", Description: "x"}, false))
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)

	// Sequences are per contact.
	seq, err = h.AppendHistory(carol, models.NewUserEvent(models.Message{Text: "yo"}, true))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	entries, err := h.ListHistory(bob, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, models.Message{Text: "hi"}, entries[0].Event.Content)
	require.True(t, entries[0].Event.Incoming)
	require.Equal(t, models.URL{URL: "http://x.test", Description: "x"}, entries[1].Event.Content)

	entries, err = h.ListHistory(bob, 2, 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(2), entries[0].Seq)
}
