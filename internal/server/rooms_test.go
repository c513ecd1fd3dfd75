package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRoomsJoinLeave(t *testing.T) {
	r := NewRooms(nil)
	a, b := &Client{}, &Client{}

	require.True(t, r.Join("dm:u1:u2", a))
	require.True(t, r.Join("dm:u1:u2", a))
	require.True(t, r.Join("dm:u1:u2", b))
	assert.Len(t, r.Members("dm:u1:u2"), 2)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []string{"dm:u1:u2"}, a.Subscriptions())

	r.Leave("dm:u1:u2", a)
	assert.False(t, a.IsSubscribed("dm:u1:u2"))
	assert.True(t, b.IsSubscribed("dm:u1:u2"))
	assert.True(t, r.Has("dm:u1:u2"))
	r.Leave("dm:u1:u2", b)
	assert.False(t, r.Has("dm:u1:u2"))
	assert.Equal(t, 0, r.Count())

	r.Leave("never-joined", a)
	assert.False(t, r.Has("never-joined"))
}

func TestRoomsPurgeAll(t *testing.T) {
	r := NewRooms(nil)
	a, b := &Client{}, &Client{}
	r.Join("c1", a)
	r.Join("c2", a)
	r.Join("c2", b)

	left := r.PurgeAll(a)
	assert.ElementsMatch(t, []string{"c1", "c2"}, left)
	assert.False(t, r.Has("c1"))
	assert.Equal(t, []*Client{b}, r.Members("c2"))
	assert.Empty(t, a.Subscriptions())
	assert.True(t, b.IsSubscribed("c2"))
	assert.Empty(t, r.PurgeAll(a))
}

func TestRoomsJoinRefusesClosedClient(t *testing.T) {
	r := NewRooms(nil)
	c := &Client{}
	c.closed.Store(true)

	assert.False(t, r.Join("c1", c))
	assert.False(t, r.Has("c1"))
	assert.Empty(t, c.Subscriptions())
}

func TestRoomsJoinRacingWithReclaim(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newTestHub(t, nil, nil)
		c := NewClient(nil, h, "racer")
		r := NewRooms(nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for _, chatID := range []string{"c1", "c2", "c3", "c4"} {
				r.Join(chatID, c)
			}
		}()
		go func() {
			defer wg.Done()
			c.Close()
			r.PurgeAll(c)
		}()
		wg.Wait()

		// Any Join that won the race is undone by PurgeAll; any that lost
		// it saw the closed flag.
		assert.Zero(t, r.Count())
		assert.Empty(t, c.Subscriptions())
	}
}

func TestRoomsBroadcast(t *testing.T) {
	h := newTestHub(t, nil, nil)
	sender := NewClient(nil, h, "a")
	member := NewClient(nil, h, "b")
	closed := NewClient(nil, h, "c")
	closed.Close()
	outsider := NewClient(nil, h, "d")

	r := NewRooms(nil)
	r.Join("c1", sender)
	r.Join("c1", member)
	r.forceJoin(closed, "c1")
	r.Join("c2", outsider)

	delivered, slow := r.Broadcast("c1", []byte(`{}`), nil)
	assert.Equal(t, 2, delivered)
	assert.Empty(t, slow)
	assert.Len(t, outsider.send, 0)

	delivered, _ = r.Broadcast("c1", []byte(`{}`), sender)
	assert.Equal(t, 1, delivered)
	assert.Len(t, sender.send, 1)
	assert.Len(t, member.send, 2)

	delivered, _ = r.Broadcast("nobody", []byte(`{}`), nil)
	assert.Zero(t, delivered)
}

func TestRoomsBroadcastReportsSlowMembers(t *testing.T) {
	h := newTestHub(t, nil, nil)
	slowClient := NewClient(nil, h, "slow")
	for i := 0; i < cap(slowClient.send); i++ {
		slowClient.send <- []byte(`{}`)
	}

	r := NewRooms(nil)
	r.Join("c1", slowClient)

	delivered, slow := r.Broadcast("c1", []byte(`{}`), nil)
	assert.Zero(t, delivered)
	assert.Equal(t, []*Client{slowClient}, slow)
}

// forceJoin puts c into a conversation bypassing the closed check.
func (r *Rooms) forceJoin(c *Client, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[chatID] == nil {
		r.members[chatID] = make(map[*Client]struct{})
	}
	r.members[chatID][c] = struct{}{}
}

func TestRoomsEntryExistsOnlyWhileNonEmpty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRooms(nil)
		clients := []*Client{{}, {}, {}}
		chats := []string{"a", "b", "c"}
		model := map[string]map[int]bool{}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			ci := rapid.IntRange(0, len(clients)-1).Draw(t, "client")
			chat := rapid.SampledFrom(chats).Draw(t, "chat")

			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				r.Join(chat, clients[ci])
				if model[chat] == nil {
					model[chat] = map[int]bool{}
				}
				model[chat][ci] = true
			case 1:
				r.Leave(chat, clients[ci])
				delete(model[chat], ci)
			case 2:
				r.PurgeAll(clients[ci])
				for _, set := range model {
					delete(set, ci)
				}
			}

			for _, id := range chats {
				want := len(model[id])
				if got := r.Has(id); got != (want > 0) {
					t.Fatalf("chat %s: Has=%v with %d modelled members", id, got, want)
				}
				if got := len(r.Members(id)); got != want {
					t.Fatalf("chat %s: %d members, want %d", id, got, want)
				}
			}
			for idx, c := range clients {
				subs := r.byConn[c]
				for _, id := range chats {
					_, inReverse := subs[id]
					if inReverse != model[id][idx] {
						t.Fatalf("chat %s: reverse index for client %d out of sync", id, idx)
					}
					if c.IsSubscribed(id) != model[id][idx] {
						t.Fatalf("chat %s: subscription set for client %d out of sync", id, idx)
					}
				}
			}
		}
	})
}
