package tunnel

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Store is the table of live tunnel sessions. Registry is the in-process
// implementation; a shared store can replace it without touching the
// transport or the HTTP handlers.
type Store interface {
	Register(tunnelID, clientAuthKey string, conn Conn) *Session
	Get(tunnelID string) (*Session, bool)
	Unregister(tunnelID string) bool
	UnregisterSession(s *Session) bool
	Len() int
	All() []*Session
	CloseAll() int
}

// Registry is a thread-safe, in-memory Store keyed by tunnel id. At most one
// session per id is tracked; a reconnect replaces (and closes) the old one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

var _ Store = (*Registry)(nil)

// Register creates the session for conn and installs it under tunnelID. A
// previous session for the same id is closed with ErrTunnelReplaced.
func (r *Registry) Register(tunnelID, clientAuthKey string, conn Conn) *Session {
	s := NewSession(tunnelID, clientAuthKey, conn)

	r.mu.Lock()
	old := r.sessions[tunnelID]
	r.sessions[tunnelID] = s
	r.mu.Unlock()

	if old != nil {
		log.Info().Str("tunnel", tunnelID).Msg("replacing previous tunnel connection")
		old.Close(ErrTunnelReplaced)
	}
	return s
}

func (r *Registry) Get(tunnelID string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[tunnelID]
	r.mu.RUnlock()
	return s, ok
}

// Unregister removes whatever session is registered under tunnelID and
// closes it, failing its pending requests and subscribers.
func (r *Registry) Unregister(tunnelID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[tunnelID]
	delete(r.sessions, tunnelID)
	r.mu.Unlock()

	if ok {
		s.Close(ErrTunnelClosed)
	}
	return ok
}

// UnregisterSession removes s only if it is still the registered session for
// its id, so a dying old connection cannot evict its replacement. s is closed
// either way.
func (r *Registry) UnregisterSession(s *Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[s.TunnelID]
	removed := ok && current == s
	if removed {
		delete(r.sessions, s.TunnelID)
	}
	r.mu.Unlock()

	s.Close(ErrTunnelClosed)
	return removed
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of the registered sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	return out
}

// CloseAll unregisters every session.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = map[string]*Session{}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(ErrTunnelClosed)
	}
	return len(sessions)
}
