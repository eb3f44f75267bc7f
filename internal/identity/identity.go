// Package identity models the external identity provider: who is acting on
// the dashboard, and the tokens it issues.
package identity

import (
	"context"
	"sync"
)

type Identity struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Provider exposes the current identity, which is nil when signed out.
type Provider interface {
	CurrentIdentity() *Identity
	// Subscribe calls fn on every identity change until the returned
	// function is called.
	Subscribe(fn func(*Identity)) (unsubscribe func())
}

// Session is an in-memory Provider.
type Session struct {
	mu        sync.Mutex
	current   *Identity
	nextID    int
	listeners map[int]func(*Identity)
}

var _ Provider = (*Session)(nil)

func NewSession(initial *Identity) *Session {
	return &Session{current: initial, listeners: make(map[int]func(*Identity))}
}

func (s *Session) CurrentIdentity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set replaces the identity and notifies subscribers outside the lock.
func (s *Session) Set(id *Identity) {
	s.mu.Lock()
	s.current = id
	listeners := make([]func(*Identity), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(id)
	}
}

func (s *Session) Subscribe(fn func(*Identity)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity, or nil.
func FromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(contextKey{}).(*Identity); ok {
		return id
	}
	return nil
}

// ForRequest returns a Provider fixed to the identity of ctx.
func ForRequest(ctx context.Context) Provider {
	return NewSession(FromContext(ctx))
}
