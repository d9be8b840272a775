// Package session carries the signed-in user explicitly to whoever needs it.
package session

import (
	"context"
	"errors"
	"sync"
)

// ErrUnauthenticated is returned when a token cannot be verified.
var ErrUnauthenticated = errors.New("session: unauthenticated")

// User is the signed-in identity.
type User struct {
	UID         string
	DisplayName string
	Email       string
	Photo       string
}

// Unsubscribe stops an auth state listener.
type Unsubscribe func()

// Provider exposes the current user and its changes.
type Provider interface {
	CurrentUser() *User
	OnAuthStateChange(fn func(*User)) Unsubscribe
}

// Verifier turns a bearer token into a user.
type Verifier interface {
	Verify(ctx context.Context, token string) (*User, error)
}

// Holder is a Provider whose user is set by its owner, one per request or
// live connection.
type Holder struct {
	mu        sync.Mutex
	user      *User
	listeners map[uint64]func(*User)
	next      uint64
}

func NewHolder(u *User) *Holder {
	return &Holder{user: u, listeners: make(map[uint64]func(*User))}
}

func (h *Holder) CurrentUser() *User {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.user
}

// Set replaces the user and notifies listeners. Nil signs out.
func (h *Holder) Set(u *User) {
	h.mu.Lock()
	h.user = u
	ls := make([]func(*User), 0, len(h.listeners))
	for _, l := range h.listeners {
		ls = append(ls, l)
	}
	h.mu.Unlock()
	for _, l := range ls {
		l(u)
	}
}

// OnAuthStateChange registers fn; it is called at once with the current user.
func (h *Holder) OnAuthStateChange(fn func(*User)) Unsubscribe {
	h.mu.Lock()
	h.next++
	id := h.next
	h.listeners[id] = fn
	u := h.user
	h.mu.Unlock()
	fn(u)
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}
