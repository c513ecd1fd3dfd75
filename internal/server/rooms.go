// Package server tracks conversation membership and delivers relayed
// messages to subscribers via the Rooms type.
package server

import "sync"

// Rooms maps conversation identifiers to the connections subscribed to them.
// A conversation has an entry only while at least one connection is a member.
// The reverse index (connection to conversations) lives under the same lock
// so purging a connection never has to scan every conversation. Each
// connection's own subscription set is updated under that lock and always
// mirrors the reverse index. Lock order is Rooms before Client.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[*Client]struct{}
	byConn  map[*Client]map[string]struct{}
	metrics *Metrics
}

// NewRooms creates an empty registry. metrics may be nil.
func NewRooms(metrics *Metrics) *Rooms {
	return &Rooms{
		members: make(map[string]map[*Client]struct{}),
		byConn:  make(map[*Client]map[string]struct{}),
		metrics: metrics,
	}
}

// Join adds c to chatID's member set and records chatID in c's subscription
// set. Joining twice is a no-op. It returns false when c has already been
// closed.
func (r *Rooms) Join(chatID string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.closed.Load() {
		return false
	}

	set, ok := r.members[chatID]
	if !ok {
		set = make(map[*Client]struct{})
		r.members[chatID] = set
	}
	set[c] = struct{}{}

	rooms, ok := r.byConn[c]
	if !ok {
		rooms = make(map[string]struct{})
		r.byConn[c] = rooms
	}
	rooms[chatID] = struct{}{}
	c.Subscribe(chatID)

	r.reportLocked()
	return true
}

// Leave removes c from chatID's member set and subscription set, dropping the
// entry when it becomes empty. Leaving a conversation c never joined is a no-op.
func (r *Rooms) Leave(chatID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(chatID, c)
	r.reportLocked()
}

func (r *Rooms) leaveLocked(chatID string, c *Client) {
	if set, ok := r.members[chatID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.members, chatID)
		}
	}
	if rooms, ok := r.byConn[c]; ok {
		delete(rooms, chatID)
		if len(rooms) == 0 {
			delete(r.byConn, c)
		}
	}
	c.Unsubscribe(chatID)
}

// PurgeAll removes c from every conversation it belongs to and returns the
// conversations it left.
func (r *Rooms) PurgeAll(c *Client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.byConn[c]
	left := make([]string, 0, len(rooms))
	for chatID := range rooms {
		left = append(left, chatID)
	}
	for _, chatID := range left {
		r.leaveLocked(chatID, c)
	}
	r.reportLocked()
	return left
}

// Broadcast queues payload to every open member of chatID except exclude,
// which may be nil. Sends never block: a member whose buffer is full is
// skipped and returned in slow so the caller can disconnect it.
func (r *Rooms) Broadcast(chatID string, payload []byte, exclude *Client) (delivered int, slow []*Client) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.members[chatID] {
		if c == exclude || !c.isOpen() {
			continue
		}
		if c.queue(payload) {
			delivered++
			continue
		}
		slow = append(slow, c)
	}
	return delivered, slow
}

// Members returns a snapshot of chatID's member set.
func (r *Rooms) Members(chatID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.members[chatID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Has reports whether chatID currently has an entry.
func (r *Rooms) Has(chatID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[chatID]
	return ok
}

// Count returns the number of conversations with at least one member.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Rooms) reportLocked() {
	if r.metrics != nil {
		r.metrics.rooms.Set(float64(len(r.members)))
	}
}
