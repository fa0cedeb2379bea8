package session

import (
	"sort"
	"sync"
)

// Registry is a concurrent, id-keyed directory of live sessions. It is an
// explicitly owned dependency: construct one per process (or per test) and
// pass it down, never share it ambiently.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create adds a fresh session for an owner.
func (r *Registry) Create(ownerID string) *Session {
	s := New(ownerID)
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Adopt registers an existing session, e.g. one restored from persistence.
func (r *Registry) Adopt(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListByOwner returns the owner's sessions ordered by creation time.
func (r *Registry) ListByOwner(ownerID string) []*Session {
	r.mu.RLock()
	var out []*Session
	for _, s := range r.sessions {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Remove deletes a session and closes its stream.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.Stream().Close()
	}
	return ok
}
