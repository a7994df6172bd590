package mcp

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/weathermcp/internal/log"
	"github.com/zjrosen/weathermcp/internal/tracing"
)

var (
	// ErrSessionNotFound is returned for unknown, terminated or expired sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSession is returned for ids that are not visible ASCII.
	ErrInvalidSession = errors.New("invalid session id")
)

const (
	DefaultSessionTTL             = time.Hour
	DefaultSessionCleanupInterval = 10 * time.Minute
)

// Session is one client session of the HTTP transport.
type Session struct {
	ID        string
	CreatedAt time.Time
	LastSeen  time.Time
}

// SessionManager issues session ids and expires idle sessions. Close hooks
// run once per session, when it is terminated or expires.
type SessionManager struct {
	sessions *gocache.Cache
	ttl      time.Duration

	// lifecycle orders Touch against Terminate so a touch never revives a
	// terminated session
	lifecycle sync.Mutex

	mu    sync.RWMutex
	hooks []func(sessionID string)
}

// NewSessionManager creates a manager. ttl <= 0 keeps sessions until they
// are terminated.
func NewSessionManager(ttl, cleanupInterval time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m := &SessionManager{
		sessions: gocache.New(ttl, cleanupInterval),
		ttl:      ttl,
	}
	m.sessions.OnEvicted(m.closed)
	return m
}

// OnClose registers fn to run when a session ends.
func (m *SessionManager) OnClose(fn func(sessionID string)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Create starts a new session and returns its id.
func (m *SessionManager) Create() string {
	now := time.Now()
	id := uuid.NewString()
	m.sessions.Set(id, &Session{ID: id, CreatedAt: now, LastSeen: now}, m.ttl)
	log.Debug(log.CatMCP, "session created", "session", id)
	return id
}

// Touch marks a session active, extending its lifetime.
func (m *SessionManager) Touch(id string) error {
	if !tracing.ValidSessionID(id) {
		return ErrInvalidSession
	}
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	v, found := m.sessions.Get(id)
	if !found {
		return ErrSessionNotFound
	}
	sess, ok := v.(*Session)
	if !ok {
		return ErrSessionNotFound
	}
	touched := *sess
	touched.LastSeen = time.Now()
	m.sessions.Set(id, &touched, m.ttl)
	return nil
}

// Get returns a copy of the session.
func (m *SessionManager) Get(id string) (Session, error) {
	v, found := m.sessions.Get(id)
	if !found {
		return Session{}, ErrSessionNotFound
	}
	sess, ok := v.(*Session)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *sess, nil
}

// Terminate ends a session and runs the close hooks.
func (m *SessionManager) Terminate(id string) error {
	if !tracing.ValidSessionID(id) {
		return ErrInvalidSession
	}
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if _, found := m.sessions.Get(id); !found {
		return ErrSessionNotFound
	}
	m.sessions.Delete(id)
	return nil
}

// Len returns the number of live sessions, including expired ones not yet
// purged.
func (m *SessionManager) Len() int {
	return m.sessions.ItemCount()
}

func (m *SessionManager) closed(id string, _ any) {
	m.mu.RLock()
	hooks := m.hooks
	m.mu.RUnlock()
	log.Debug(log.CatMCP, "session closed", "session", id)
	for _, fn := range hooks {
		fn(id)
	}
}
