// Package registry maps authenticated usernames to their live transport
// handle. It is the single source of truth for who is connected.
//
// A Registry is not safe for concurrent use; the hub serializes access.
package registry

import (
	"slices"

	"github.com/vakeelsaab/vakeel-signal/internal/auth"
)

type Entry[H comparable] struct {
	Identity auth.Identity
	Handle   H
}

type Registry[H comparable] struct {
	entries map[string]Entry[H]
	order   []string
}

func New[H comparable]() *Registry[H] {
	return &Registry[H]{entries: make(map[string]Entry[H])}
}

// Register installs handle as the live connection for id.Username.
//
// When another handle was registered under the same username it is returned
// with superseded=true; the caller owns closing it. The new entry moves to the
// end of the insertion order.
func (r *Registry[H]) Register(id auth.Identity, handle H) (previous Entry[H], superseded bool) {
	previous, superseded = r.entries[id.Username]
	if superseded {
		r.removeOrder(id.Username)
	}
	r.entries[id.Username] = Entry[H]{Identity: id, Handle: handle}
	r.order = append(r.order, id.Username)
	return previous, superseded
}

// Unregister removes username only while handle is still its live handle, so a
// late close from a superseded connection cannot evict its replacement.
func (r *Registry[H]) Unregister(username string, handle H) bool {
	cur, ok := r.entries[username]
	if !ok || cur.Handle != handle {
		return false
	}
	delete(r.entries, username)
	r.removeOrder(username)
	return true
}

func (r *Registry[H]) Lookup(username string) (Entry[H], bool) {
	e, ok := r.entries[username]
	return e, ok
}

// IsCurrent reports whether handle is the live handle for username.
func (r *Registry[H]) IsCurrent(username string, handle H) bool {
	e, ok := r.entries[username]
	return ok && e.Handle == handle
}

// Usernames returns registered usernames in insertion order.
func (r *Registry[H]) Usernames() []string {
	return slices.Clone(r.order)
}

// Entries returns all entries in insertion order.
func (r *Registry[H]) Entries() []Entry[H] {
	out := make([]Entry[H], 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

func (r *Registry[H]) Len() int { return len(r.entries) }

func (r *Registry[H]) removeOrder(username string) {
	if i := slices.Index(r.order, username); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}
