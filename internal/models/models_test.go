package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseUserID(t *testing.T) {
	id, err := ParseUserID("xmpp:alice@example.org")
	require.NoError(t, err)
	require.Equal(t, UserID{Protocol: ProtocolXMPP, Account: "alice@example.org"}, id)
	require.Equal(t, "XMPP:alice@example.org", id.Key())

	_, err = ParseUserID("nocolon")
	require.Error(t, err)
	_, err = ParseUserID("FOO:bar")
	require.Error(t, err)
}

func TestStatusRoundTrip(t *testing.T) {
	cases := []Status{
		StatusOffline,
		StatusOnline,
		StatusOnline | StatusAway,
		StatusOnline | StatusDND | StatusInvisible,
		StatusOnline | StatusNA | StatusIdle,
	}
	for _, s := range cases {
		got, err := ParseStatus(s.String())
		if err != nil {
			t.Fatalf("ParseStatus(%q): %v", s.String(), err)
		}
		if got != s {
			t.Errorf("round trip of %q: got %#x, want %#x", s.String(), got, s)
		}
	}

	if (StatusOnline | StatusAway).IsAway() != true {
		t.Error("away should be away")
	}
	if StatusAway.IsAway() {
		t.Error("offline bits must not count as away")
	}
}

func TestUserSetGroup(t *testing.T) {
	u := User{}
	require.True(t, u.SetGroup(3, true))
	require.True(t, u.SetGroup(1, true))
	require.False(t, u.SetGroup(3, true))
	require.Equal(t, []int{1, 3}, u.Groups)
	require.True(t, u.InGroup(1))

	c := u.Clone()
	require.True(t, u.SetGroup(1, false))
	require.Equal(t, []int{3}, u.Groups)
	require.Equal(t, []int{1, 3}, c.Groups, "clone must not share group storage")
}

func TestFlattenRoundTrip(t *testing.T) {
	events := []UserEvent{
		NewUserEvent(Message{Text: "hi"}, true),
		NewUserEvent(URL{URL: "https://example.org", Description: "look"}, false),
		NewUserEvent(File{Name: "a.png", Size: 42, MIME: "image/png"}, false),
		NewUserEvent(ContactList{Contacts: []UserID{{Protocol: ProtocolMSN, Account: "bob@x"}}}, true),
		NewUserEvent(Added{}, true),
	}
	for _, e := range events {
		back, err := e.Flatten().Unflatten()
		require.NoError(t, err)
		require.Equal(t, e, back)
	}

	_, err := FlatEvent{Kind: "bogus"}.Unflatten()
	require.Error(t, err)
}
