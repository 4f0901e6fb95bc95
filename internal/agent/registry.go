package agent

import (
	"errors"
	"sync"
)

// ErrUnknownSession is returned when subscribing to an id that is not live.
var ErrUnknownSession = errors.New("agent: unknown session")

// Registry tracks live sessions by id so consumers can subscribe to one
// session's events instead of a global broadcast.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds s and returns a function that removes it. The returned
// function is idempotent and only removes s, never a later session that
// reused the id.
func (r *Registry) Register(s *Session) (unregister func()) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.sessions[s.ID()] == s {
				delete(r.sessions, s.ID())
			}
			r.mu.Unlock()
		})
	}
}

// Get returns the live session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Subscribe returns the outbound event channel of a live session.
func (r *Registry) Subscribe(id string) (<-chan Event, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	return s.Events(), nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
