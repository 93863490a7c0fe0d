package continuation

import (
	"sync"
	"time"
)

type session struct {
	cache    *Cache
	lastUsed time.Time
}

// Registry hands out one Cache per session so that continuation state of one
// user can never be observed by another.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session), now: time.Now}
}

// WithClock replaces the time source used for idle tracking.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
	return r
}

// ForSession returns the cache owned by sessionID, creating it on first use.
func (r *Registry) ForSession(sessionID string) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		s = &session{cache: NewCache()}
		r.sessions[sessionID] = s
	}
	s.lastUsed = r.now()
	return s.cache
}

// Lookup returns the cache of sessionID without creating one.
func (r *Registry) Lookup(sessionID string) (*Cache, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	s.lastUsed = r.now()
	return s.cache, true
}

// Drop clears and forgets the cache of sessionID. Used on sign-out.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if ok {
		s.cache.ClearAll()
	}
}

// Prune drops every session accepted by match that has not been used for
// idle. A nil match accepts all sessions. It returns the number dropped.
func (r *Registry) Prune(idle time.Duration, match func(sessionID string) bool) int {
	r.mu.Lock()
	cutoff := r.now().Add(-idle)
	var stale []*Cache
	for id, s := range r.sessions {
		if match != nil && !match(id) {
			continue
		}
		if s.lastUsed.Before(cutoff) {
			stale = append(stale, s.cache)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, cache := range stale {
		cache.ClearAll()
	}
	return len(stale)
}

func (r *Registry) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
