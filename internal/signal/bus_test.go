package signal

import (
	"sync"
	"testing"
	"time"

	"palaver/internal/event"
	"palaver/internal/models"

	"github.com/stretchr/testify/require"
)

var carol = models.UserID{Protocol: models.ProtocolXMPP, Account: "carol@example.org"}

func TestBus_FIFO(t *testing.T) {
	b := NewBus()
	p := b.Register("console", All)

	a := New(UserUpdated, SubStatus, carol, 1)
	c := New(UserUpdated, SubStatus, carol, 2)
	b.Push(a)
	b.Push(c)

	first, ok := p.Pop()
	require.True(t, ok)
	second, ok := p.Pop()
	require.True(t, ok)
	require.Equal(t, a.ID, first.ID)
	require.Equal(t, c.ID, second.ID)

	_, ok = p.Pop()
	require.False(t, ok)
}

func TestBus_MaskFiltering(t *testing.T) {
	b := NewBus()
	users := b.Register("users", UserUpdated|ListChanged)
	events := b.Register("events", EventDone)

	require.Equal(t, 1, b.Push(New(ListChanged, SubUserAdded, carol, 0)))
	require.Equal(t, 1, b.Push(NewDone(event.Done{ID: 7, Result: event.Acked})))
	require.Equal(t, 0, b.Push(New(Logon, SubNone, carol, 0)))

	require.Equal(t, 1, users.Len())
	require.Equal(t, 1, events.Len())
}

func TestBus_CopiesPerPlugin(t *testing.T) {
	b := NewBus()
	p1 := b.Register("one", EventDone)
	p2 := b.Register("two", EventDone)

	b.Push(NewDone(event.Done{ID: 1, ExtendedAck: &event.ExtendedAck{Response: "orig"}}))

	s1, _ := p1.Pop()
	s2, _ := p2.Pop()
	s1.Done.ExtendedAck.Response = "mutated"
	require.Equal(t, "orig", s2.Done.ExtendedAck.Response)
	require.NotSame(t, s1.Done, s2.Done)
}

func TestBus_WakeCoalesces(t *testing.T) {
	b := NewBus()
	p := b.Register("ui", All)

	for i := 0; i < 100; i++ {
		b.Push(New(UIMessage, SubNone, carol, int64(i)))
	}

	select {
	case <-p.Wake():
	case <-time.After(time.Second):
		t.Fatal("plugin was not woken")
	}
	got := p.Drain()
	require.Len(t, got, 100)
	for i, s := range got {
		require.Equal(t, int64(i), s.Arg)
	}
}

func TestBus_Unregister(t *testing.T) {
	b := NewBus()
	p := b.Register("gone", All)
	b.Push(New(Logon, SubNone, carol, 0))
	b.Unregister(p)

	require.Equal(t, 0, p.Len())
	require.Equal(t, 0, b.Push(New(Logon, SubNone, carol, 0)))
	require.Empty(t, b.Plugins())
}

func TestBus_ConcurrentConsumer(t *testing.T) {
	b := NewBus()
	p := b.Register("reader", All)

	const n = 500
	var wg sync.WaitGroup
	got := make([]int64, 0, n)
	wg.Go(func() {
		for len(got) < n {
			<-p.Wake()
			for _, s := range p.Drain() {
				got = append(got, s.Arg)
			}
		}
	})

	for i := 0; i < n; i++ {
		b.Push(New(UserUpdated, SubNone, carol, int64(i)))
	}
	wg.Wait()

	for i, v := range got {
		if v != int64(i) {
			t.Fatalf("signal %d out of order: got %d", i, v)
		}
	}
}
