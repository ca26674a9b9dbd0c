// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package session owns the mapping from session handles to open backend
// handles.
//
// The Registry is the only shared mutable state of the gateway. Its map is
// guarded by a single RWMutex; each Session additionally carries its own
// mutex, held around every backend call made through it. Closing a session
// takes that same mutex, so a session is never closed underneath an
// in-flight read, write or query.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/visarpc/backend"
)

var (
	// ErrSessionNotFound is returned for a handle that is not open.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateSession is returned when a backend reuses the identity
	// of a handle that is still registered.
	ErrDuplicateSession = errors.New("duplicate session handle")

	// ErrEmptyHandleID is returned when a backend hands out a handle
	// without an identity.
	ErrEmptyHandleID = errors.New("backend handle has an empty id")
)

// Session is one open resource.
type Session struct {
	id       string
	addr     backend.Address
	openedAt time.Time

	mu     sync.Mutex
	handle backend.Handle
	closed bool
}

// ID is the opaque handle given to clients.
func (s *Session) ID() string { return s.id }

// Address is the resource the session was opened against.
func (s *Session) Address() backend.Address { return s.addr }

// OpenedAt is when the session was registered.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// Do runs fn with exclusive use of the backend handle. It fails with
// ErrSessionNotFound if the session was closed while the caller waited.
func (s *Session) Do(fn func(h backend.Handle) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionNotFound
	}
	return fn(s.handle)
}

// Info is a point-in-time description of a session.
type Info struct {
	ID       string
	Address  backend.Address
	OpenedAt time.Time
}

// Registry maps session handles to sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Register records an open handle. The session handle is the backend
// handle's ID; an ID already registered is rejected, never overwritten.
func (r *Registry) Register(addr backend.Address, h backend.Handle) (*Session, error) {
	s := &Session{id: h.ID(), addr: addr, handle: h}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s.id == "" {
		return nil, ErrEmptyHandleID
	}
	if _, exists := r.sessions[s.id]; exists {
		return nil, ErrDuplicateSession
	}
	s.openedAt = r.now()
	r.sessions[s.id] = s
	return s, nil
}

// Lookup returns the open session for id.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove takes the session out of the registry without closing it and
// returns its backend handle, which the caller now owns. Like Close it
// waits for an in-flight call, and the session is unusable afterwards.
func (r *Registry) Remove(id string) (backend.Handle, error) {
	s, err := r.take(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.handle, nil
}

// Close removes the session and closes its backend handle as one unit,
// under the session's own lock. The session is removed even when the
// backend close fails; that error is returned alongside the session.
func (r *Registry) Close(id string) (*Session, error) {
	s, err := r.take(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s, s.handle.Close()
}

// take unregisters the session and marks it closed. It returns with the
// session lock held, so exactly one of Close and Remove gets the handle.
func (r *Registry) take(id string) (*Session, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	s.closed = true
	return s, nil
}

// CloseAll closes every registered session and returns the sessions whose
// backend close failed, keyed by handle.
func (r *Registry) CloseAll() map[string]error {
	failed := make(map[string]error)
	for _, info := range r.List() {
		if _, err := r.Close(info.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			failed[info.ID] = err
		}
	}
	return failed
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the open sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Info{ID: s.id, Address: s.addr, OpenedAt: s.openedAt})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}
