package store

import (
	"sync"

	"github.com/ashureev/fda-chat/internal/domain"
)

// MemorySessions is the process-wide in-memory SessionStore. Sessions live
// until deleted; nothing is evicted.
type MemorySessions struct {
	mu       sync.RWMutex
	sessions map[string]domain.History
	seed     domain.History
}

// NewMemorySessions creates a store whose new sessions start with a system
// turn carrying systemPrompt. An empty prompt seeds nothing.
func NewMemorySessions(systemPrompt string) *MemorySessions {
	var seed domain.History
	if systemPrompt != "" {
		seed = domain.History{domain.SystemTurn(systemPrompt)}
	}
	return &MemorySessions{
		sessions: make(map[string]domain.History),
		seed:     seed,
	}
}

// GetOrCreate implements SessionStore.
func (s *MemorySessions) GetOrCreate(id string) domain.History {
	s.mu.RLock()
	h, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return h.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another request may have created it between the locks.
	if h, ok = s.sessions[id]; !ok {
		h = s.seed.Clone()
		if h == nil {
			h = domain.History{}
		}
		s.sessions[id] = h
	}
	return h.Clone()
}

// Replace implements SessionStore.
func (s *MemorySessions) Replace(id string, h domain.History) {
	c := h.Clone()
	if c == nil {
		c = domain.History{}
	}
	s.mu.Lock()
	s.sessions[id] = c
	s.mu.Unlock()
}

// Delete implements SessionStore.
func (s *MemorySessions) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Len implements SessionStore.
func (s *MemorySessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
