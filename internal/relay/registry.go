package relay

import (
	"sync"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/minerelay/pkg/errors"
	"github.com/bardlex/minerelay/pkg/log"
)

// Registry tracks live sessions for one listener.
type Registry struct {
	max    int
	logger *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry holding at most max sessions (0 = unlimited)
func NewRegistry(max int, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Discard()
	}
	return &Registry{
		max:      max,
		logger:   logger.WithComponent("registry"),
		sessions: make(map[string]*Session),
	}
}

// Reserve checks capacity before a session is created
func (r *Registry) Reserve() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.max > 0 && len(r.sessions) >= r.max {
		return errors.New(errors.ErrorTypeRateLimited, "registry", "too many sessions").
			WithContext("max_sessions", r.max)
	}
	return nil
}

// Add registers s
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.sessions) >= r.max {
		return errors.New(errors.ErrorTypeRateLimited, "registry", "too many sessions").
			WithContext("max_sessions", r.max)
	}
	r.sessions[s.ID()] = s
	return nil
}

// Remove unregisters the session with id
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get looks a session up by id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns stats for every live session
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Stats())
	}
	return out
}

// CloseAll closes every session, parallelism at a time, and waits for their
// goroutines to finish.
func (r *Registry) CloseAll(parallelism int) {
	if parallelism <= 0 {
		parallelism = 16
	}

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	swg := sizedwaitgroup.New(parallelism)
	for _, s := range sessions {
		swg.Add()
		go func(s *Session) {
			defer swg.Done()
			if err := s.Close(); err != nil {
				r.logger.WithError(err).Debug("session close error", "session_id", s.ID())
			}
			s.Wait()
		}(s)
	}
	swg.Wait()

	r.logger.Info("closed all sessions", "count", len(sessions))
}
