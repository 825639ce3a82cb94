package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/gramlab/pipeline"
)

// DefaultGrammarName is the file name given to sessions created without
// one.
const DefaultGrammarName = "Grammar.g4"

// Session is a server-side pipeline session owned by one client.
type Session struct {
	ID       string
	Name     string
	Pipeline *pipeline.Session

	created  time.Time
	lastUsed time.Time
}

// SessionStore maps opaque session IDs to pipeline sessions. Sessions not
// used within a TTL are closed by Sweep.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	opts     []pipeline.Option
}

// NewSessionStore creates a store whose sessions are created with opts.
func NewSessionStore(opts ...pipeline.Option) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		opts:     opts,
	}
}

// Create starts a new session for the grammar file name.
func (s *SessionStore) Create(name string) *Session {
	if name == "" {
		name = DefaultGrammarName
	}
	now := time.Now()
	session := &Session{
		ID:       uuid.NewString(),
		Name:     name,
		Pipeline: pipeline.NewSession(name, s.opts...),
		created:  now,
		lastUsed: now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	log.Debugf("session %s created for %s", session.ID, name)
	return session
}

// Get retrieves a session by ID and marks it used.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if ok {
		session.lastUsed = time.Now()
	}
	return session, ok
}

// Destroy closes and removes a session. It reports whether the session
// existed.
func (s *SessionStore) Destroy(id string) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		session.Pipeline.Close()
	}
	return ok
}

// Len returns the number of open sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseAll closes every session.
func (s *SessionStore) CloseAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, session := range sessions {
		session.Pipeline.Close()
	}
}

// Sweep closes sessions that haven't been used within the TTL.
func (s *SessionStore) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	var expired []*Session

	s.mu.Lock()
	for id, session := range s.sessions {
		if session.lastUsed.Before(cutoff) {
			expired = append(expired, session)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, session := range expired {
		session.Pipeline.Close()
	}
	if len(expired) > 0 {
		log.Infof("swept %d idle sessions", len(expired))
	}
	return len(expired)
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *SessionStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
