// Package presence tracks which identities are online and through which
// connections.
package presence

import (
	"sort"
	"sync"
)

// Config holds the transition callbacks of a Registry.
//
// Callbacks run while the registry lock is held so that the online and
// offline transitions of one identity are observed in the order they happen.
// They must not call back into the Registry.
type Config struct {
	OnOnline  func(identity string)
	OnOffline func(identity string)
}

// Registry maps an identity to the set of connection handles it owns.
// An identity is online iff its set is non-empty; empty sets are never stored.
type Registry[H comparable] struct {
	users map[string]map[H]struct{}
	cfg   Config
	mu    sync.RWMutex
}

func New[H comparable](cfg Config) *Registry[H] {
	return &Registry[H]{
		users: make(map[string]map[H]struct{}),
		cfg:   cfg,
	}
}

// Register adds conn to identity's set. It returns true when the identity
// went from offline to online. Registering the same handle twice is a no-op.
func (r *Registry[H]) Register(identity string, conn H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[identity]
	if !ok {
		conns = make(map[H]struct{})
		r.users[identity] = conns
	}
	if _, dup := conns[conn]; dup {
		return false
	}
	conns[conn] = struct{}{}

	if len(conns) > 1 {
		return false
	}
	if r.cfg.OnOnline != nil {
		r.cfg.OnOnline(identity)
	}
	return true
}

// Unregister removes conn from identity's set. It returns true when the
// identity went offline. Unknown identities and handles are ignored.
func (r *Registry[H]) Unregister(identity string, conn H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[identity]
	if !ok {
		return false
	}
	if _, ok := conns[conn]; !ok {
		return false
	}
	delete(conns, conn)

	if len(conns) > 0 {
		return false
	}
	delete(r.users, identity)
	if r.cfg.OnOffline != nil {
		r.cfg.OnOffline(identity)
	}
	return true
}

// ConnectionsFor returns a snapshot of identity's connections.
func (r *Registry[H]) ConnectionsFor(identity string) []H {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[identity]
	out := make([]H, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry[H]) IsOnline(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[identity]) > 0
}

// Online returns the sorted list of online identities.
func (r *Registry[H]) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
