// Package presence tracks which user identities are reachable on which
// transport connections, and whether they are busy in a call. It is the
// server-side source of truth for the busy/offline answers to initiate-call.
package presence

import (
	"sync"

	"github.com/EpochX-sol/health-connect-core/internal/models"
)

// Entry binds one identity to one live transport connection.
type Entry struct {
	ConnID   string
	Identity models.CallIdentity
}

// Registry is safe for concurrent use. A user re-registering from a new
// connection replaces the previous binding: the transport assigns a fresh
// connection id on every reconnect.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]Entry
	byUser map[string]string // userID -> connID
	busy   map[string]bool   // connID -> in ringing or active call
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]Entry),
		byUser: make(map[string]string),
		busy:   make(map[string]bool),
	}
}

// Bind registers identity on connID, displacing any previous connection for
// the same user. Returns the connection id that was displaced, if any.
func (r *Registry) Bind(connID string, identity models.CallIdentity) (displaced string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byUser[identity.UserID]; ok && prev != connID {
		delete(r.byConn, prev)
		delete(r.busy, prev)
		displaced = prev
	}
	r.byConn[connID] = Entry{ConnID: connID, Identity: identity}
	r.byUser[identity.UserID] = connID
	return displaced
}

// Unbind removes the connection and reports the entry it held.
func (r *Registry) Unbind(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	delete(r.byConn, connID)
	delete(r.busy, connID)
	if r.byUser[entry.Identity.UserID] == connID {
		delete(r.byUser, entry.Identity.UserID)
	}
	return entry, true
}

// Lookup resolves a user id to its live connection.
func (r *Registry) Lookup(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[userID]
	if !ok {
		return Entry{}, false
	}
	entry, ok := r.byConn[connID]
	return entry, ok
}

// Get resolves a connection id to its registered identity.
func (r *Registry) Get(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byConn[connID]
	return entry, ok
}

// SetBusy marks or clears the in-call flag for a connection.
func (r *Registry) SetBusy(connID string, busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[connID]; !ok {
		return
	}
	if busy {
		r.busy[connID] = true
	} else {
		delete(r.busy, connID)
	}
}

// IsBusy reports whether the connection is in a ringing or active call.
func (r *Registry) IsBusy(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.busy[connID]
}

// Online returns every registered identity, for the online-users broadcast.
func (r *Registry) Online() []models.CallIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.CallIdentity, 0, len(r.byConn))
	for _, entry := range r.byConn {
		out = append(out, entry.Identity)
	}
	return out
}
