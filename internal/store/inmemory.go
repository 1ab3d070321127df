package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps sessions in process memory. Used when no database is
// configured and throughout the test suite.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]VoiceSession
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]VoiceSession)}
}

func (s *InMemoryStore) Insert(_ context.Context, sess VoiceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (VoiceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return VoiceSession{}, ErrNotFound
	}
	return sess, nil
}

func (s *InMemoryStore) ListByUser(_ context.Context, userID string) ([]VoiceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VoiceSession, 0, 8)
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *InMemoryStore) FindIncomplete(_ context.Context, userID string) (VoiceSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.UserID == userID && !sess.IsCompleted {
			return sess, true, nil
		}
	}
	return VoiceSession{}, false, nil
}

func (s *InMemoryStore) UpdateDuration(_ context.Context, id string, seconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.IsCompleted {
		return ErrCompleted
	}
	if seconds > sess.DurationSeconds {
		sess.DurationSeconds = seconds
		s.sessions[id] = sess
	}
	return nil
}

func (s *InMemoryStore) Complete(_ context.Context, id string, seconds int, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.IsCompleted {
		return ErrCompleted
	}
	if seconds > sess.DurationSeconds {
		sess.DurationSeconds = seconds
	}
	sess.IsCompleted = true
	sess.EndedAt = &endedAt
	s.sessions[id] = sess
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
