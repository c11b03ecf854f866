package server

import "sync"

// MemoryStore is the in-memory SessionRepository.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Put(code string, session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[code] = session
}

func (s *MemoryStore) Get(code string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[code]
	return session, ok
}

func (s *MemoryStore) DeleteIfEmpty(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[code]
	if !ok {
		return
	}
	if session.IsEmpty() {
		delete(s.sessions, code)
	}
}
