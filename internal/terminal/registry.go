package terminal

import (
	"fmt"
	"strings"
	"sync"

	"bookshop/pos/internal/domain"
)

const maxTerminalIDLength = 64

// Registry hands out one session per terminal id, created on first use.
type Registry struct {
	deps Deps
	cfg  Config

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(deps Deps, cfg Config) *Registry {
	return &Registry{deps: deps, cfg: cfg, sessions: make(map[string]*Session)}
}

func (r *Registry) Session(terminalID string) (*Session, error) {
	id := strings.TrimSpace(terminalID)
	if id == "" || len(id) > maxTerminalIDLength {
		return nil, fmt.Errorf("%w: terminal id must be 1-%d characters", domain.ErrValidation, maxTerminalIDLength)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = NewSession(id, r.deps, r.cfg)
		r.sessions[id] = s
	}
	return s, nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops the timers and payment work of every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
