// Package registry holds the authoritative set of joined chat sessions.
//
// All access to the underlying map goes through Register, Deregister,
// SnapshotUsernames and Len, which share a single mutex so every caller sees a
// linearizable view.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrSessionExists is returned when an identity is registered twice. Session
// identities are random per connection, so hitting it indicates a bug.
var ErrSessionExists = errors.New("registry: session already registered")

// Outbound is the delivery handle a session exposes while registered.
type Outbound interface {
	Close()
}

// Session is one joined client.
type Session struct {
	ID       uuid.UUID
	Username string
	Outbound Outbound

	seq uint64
}

// Registry maps session identity to Session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	nextSeq  uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Register inserts a session. Usernames need not be unique.
func (r *Registry) Register(id uuid.UUID, username string, outbound Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	r.nextSeq++
	r.sessions[id] = &Session{
		ID:       id,
		Username: username,
		Outbound: outbound,
		seq:      r.nextSeq,
	}
	return nil
}

// Deregister removes the session and reports whether it was present.
// Removing an unknown id is a no-op.
func (r *Registry) Deregister(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return false
	}
	delete(r.sessions, id)
	return true
}

// SnapshotUsernames returns the usernames of all registered sessions in join
// order.
func (r *Registry) SnapshotUsernames() []string {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].seq < sessions[j].seq
	})

	usernames := make([]string, len(sessions))
	for i, sess := range sessions {
		usernames[i] = sess.Username
	}
	return usernames
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// CloseAll closes the outbound handle of every registered session without
// removing it; each session deregisters itself as it winds down.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	handles := make([]Outbound, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.Outbound != nil {
			handles = append(handles, sess.Outbound)
		}
	}
	r.mu.RUnlock()

	for _, h := range handles {
		h.Close()
	}
	return len(handles)
}
