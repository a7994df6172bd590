// Package tracestore correlates MCP session ids with the trace context that
// started the session, so that later requests of the same session can be
// parented to it even when they carry no traceparent of their own.
package tracestore

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/weathermcp/internal/log"
	"github.com/zjrosen/weathermcp/internal/metrics"
)

const (
	DefaultTTL             = time.Hour
	DefaultCleanupInterval = 10 * time.Minute
)

// Config configures a Store.
type Config struct {
	// TTL is the idle lifetime of a session entry. Lookups keep it alive.
	// Zero or negative keeps entries until removed.
	TTL time.Duration

	// CleanupInterval is how often expired entries are purged.
	// Zero or negative disables the background janitor.
	CleanupInterval time.Duration

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultConfig returns the TTL settings used by the server.
func DefaultConfig() Config {
	return Config{
		TTL:             DefaultTTL,
		CleanupInterval: DefaultCleanupInterval,
	}
}

// Store is a concurrent session id -> trace context registry plus a single
// fallback slot holding the most recently observed context.
//
// Entries are held in a go-cache map, which lets readers proceed in parallel.
// mu serialises writers so that a Put and the fallback slot change together
// and a TTL refresh never resurrects a replaced entry.
type Store struct {
	cache   *gocache.Cache
	ttl     time.Duration
	metrics *metrics.Metrics

	mu       sync.RWMutex
	fallback trace.SpanContext
}

// New creates an empty Store.
func New(cfg Config) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	s := &Store{
		cache:   gocache.New(ttl, cfg.CleanupInterval),
		ttl:     ttl,
		metrics: cfg.Metrics,
	}
	s.cache.OnEvicted(func(sessionID string, _ any) {
		log.Debug(log.CatStore, "session trace context evicted", "session", sessionID)
	})
	return s
}

// Put inserts or replaces the entry for sessionID and overwrites the fallback
// slot. Invalid span contexts carry nothing to correlate and are ignored.
func (s *Store) Put(sessionID string, sc trace.SpanContext) {
	if !sc.IsValid() {
		return
	}

	s.mu.Lock()
	if sessionID != "" {
		s.cache.Set(sessionID, sc, s.ttl)
	}
	s.fallback = sc
	s.mu.Unlock()

	if sessionID != "" {
		s.metrics.StorePut(s.cache.ItemCount())
		log.Debug(log.CatStore, "stored trace context for session",
			"session", sessionID, "trace_id", sc.TraceID().String())
	}
}

// Get returns the context stored for sessionID. The second result is false
// for unknown or expired sessions. Hits past half of their lifetime are
// refreshed to a full TTL.
func (s *Store) Get(sessionID string) (trace.SpanContext, bool) {
	if sessionID == "" {
		return trace.SpanContext{}, false
	}
	value, expires, found := s.cache.GetWithExpiration(sessionID)
	if !found {
		s.metrics.StoreLookup(false)
		log.Debug(log.CatStore, "no trace context for session", "session", sessionID)
		return trace.SpanContext{}, false
	}
	sc, ok := value.(trace.SpanContext)
	if !ok {
		log.Error(log.CatStore, "wrong type assertion when getting value", "session", sessionID)
		return trace.SpanContext{}, false
	}
	if !expires.IsZero() && time.Until(expires) < s.ttl/2 {
		s.refresh(sessionID, sc)
	}
	s.metrics.StoreLookup(true)
	log.Debug(log.CatStore, "retrieved trace context for session", "session", sessionID)
	return sc, true
}

// refresh re-arms the TTL of an entry unless a concurrent Put replaced it.
func (s *Store) refresh(sessionID string, seen trace.SpanContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, found := s.cache.Get(sessionID)
	if !found {
		return
	}
	if sc, ok := current.(trace.SpanContext); ok && sc.Equal(seen) {
		s.cache.Set(sessionID, sc, s.ttl)
	}
}

// Remove evicts the entry for sessionID. Unknown ids are a no-op.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	_, found := s.cache.Get(sessionID)
	if found {
		s.cache.Delete(sessionID)
	}
	s.mu.Unlock()
	if !found {
		return
	}
	s.metrics.StoreRemove(s.cache.ItemCount())
	log.Debug(log.CatStore, "cleared trace context for session", "session", sessionID)
}

// Fallback returns the most recently stored context irrespective of session.
func (s *Store) Fallback() (trace.SpanContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback, s.fallback.IsValid()
}

// SetFallback overwrites the fallback slot without touching session entries.
func (s *Store) SetFallback(sc trace.SpanContext) {
	if !sc.IsValid() {
		return
	}
	s.mu.Lock()
	s.fallback = sc
	s.mu.Unlock()
}

// Len returns the number of session entries, including expired ones not yet purged.
func (s *Store) Len() int {
	return s.cache.ItemCount()
}

// Flush drops every session entry and clears the fallback slot.
func (s *Store) Flush() {
	s.mu.Lock()
	s.cache.Flush()
	s.fallback = trace.SpanContext{}
	s.mu.Unlock()
}
