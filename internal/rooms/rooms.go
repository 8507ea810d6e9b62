// Package rooms indexes which connections are subscribed to which
// conversations. Subscription is not authorization: participation is owned
// by the store.
package rooms

import "sync"

type Tracker[H comparable] struct {
	subscribers map[string]map[H]struct{} // room -> connections
	rooms       map[H]map[string]struct{} // connection -> rooms
	mu          sync.RWMutex
}

func New[H comparable]() *Tracker[H] {
	return &Tracker[H]{
		subscribers: make(map[string]map[H]struct{}),
		rooms:       make(map[H]map[string]struct{}),
	}
}

// Join subscribes conn to room. It returns false if conn was already subscribed.
func (t *Tracker[H]) Join(room string, conn H) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs, ok := t.subscribers[room]
	if !ok {
		subs = make(map[H]struct{})
		t.subscribers[room] = subs
	}
	if _, ok := subs[conn]; ok {
		return false
	}
	subs[conn] = struct{}{}

	joined, ok := t.rooms[conn]
	if !ok {
		joined = make(map[string]struct{})
		t.rooms[conn] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave unsubscribes conn from room. It returns false if conn was not subscribed.
func (t *Tracker[H]) Leave(room string, conn H) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leave(room, conn)
}

func (t *Tracker[H]) leave(room string, conn H) bool {
	subs, ok := t.subscribers[room]
	if !ok {
		return false
	}
	if _, ok := subs[conn]; !ok {
		return false
	}
	delete(subs, conn)
	if len(subs) == 0 {
		delete(t.subscribers, room)
	}

	if joined, ok := t.rooms[conn]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(t.rooms, conn)
		}
	}
	return true
}

// LeaveAll removes conn from every room and returns the rooms it left.
// Safe to call for connections that never joined anything.
func (t *Tracker[H]) LeaveAll(conn H) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	joined := t.rooms[conn]
	left := make([]string, 0, len(joined))
	for room := range joined {
		left = append(left, room)
	}
	for _, room := range left {
		t.leave(room, conn)
	}
	return left
}

// SubscribersOf returns a snapshot of room's subscribers.
func (t *Tracker[H]) SubscribersOf(room string) []H {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := t.subscribers[room]
	out := make([]H, 0, len(subs))
	for c := range subs {
		out = append(out, c)
	}
	return out
}

func (t *Tracker[H]) RoomsOf(conn H) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	joined := t.rooms[conn]
	out := make([]string, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	return out
}

func (t *Tracker[H]) IsSubscribed(room string, conn H) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.subscribers[room][conn]
	return ok
}

// Count returns the number of rooms with at least one subscriber.
func (t *Tracker[H]) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}
