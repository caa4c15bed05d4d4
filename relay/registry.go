package relay

import (
	"log"
	"sync"
	"time"
)

// Registry tracks the live sessions for all embedded gate pages and
// sweeps out the ones that went quiet.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry starts a registry whose sessions expire after ttl of
// inactivity.
func NewRegistry(ttl time.Duration) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	go r.sweep()
	return r
}

// Add registers a session under its ID.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Get returns the session for id, if still alive.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	return s, ok
}

// Remove disposes and drops the session for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.Dispose()
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) sweep() {
	interval := r.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.ttl)
			r.mu.Lock()
			for id, s := range r.sessions {
				if s.LastActive().Before(cutoff) {
					delete(r.sessions, id)
					s.Dispose()
					log.Printf("Expired relay session %s", id)
				}
			}
			r.mu.Unlock()
		}
	}
}

// Close stops the sweeper and disposes every session.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	for id, s := range r.sessions {
		delete(r.sessions, id)
		s.Dispose()
	}
	r.mu.Unlock()
}
