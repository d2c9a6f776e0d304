package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps everything in process memory. It backs tests and
// development runs without a database.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]Message
	contexts map[string]*ContextState
	usage    map[string][]UsageRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]Message),
		contexts: make(map[string]*ContextState),
		usage:    make(map[string][]UsageRecord),
	}
}

func (s *InMemoryStore) CreateSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (s *InMemoryStore) UpdateSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrSessionNotFound
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *InMemoryStore) ExpireInactiveSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	now := time.Now()
	for id, sess := range s.sessions {
		if sess.Status == StatusActive && sess.LastActivityAt.Before(cutoff) {
			sess.Status = StatusExpired
			ended := now
			sess.EndedAt = &ended
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.SessionID] = append(s.messages[m.SessionID], *cloneMessage(m))
	return nil
}

func (s *InMemoryStore) MarkMessageFailed(ctx context.Context, sessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Failed = true
			return nil
		}
	}
	return nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	if offset >= len(msgs) {
		return nil, nil
	}
	end := len(msgs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]Message, 0, end-offset)
	for _, m := range msgs[offset:end] {
		out = append(out, *cloneMessage(&m))
	}
	return out, nil
}

func (s *InMemoryStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}

	out := make([]Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		out = append(out, *cloneMessage(&m))
	}
	return out, nil
}

func (s *InMemoryStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[sessionID]), nil
}

func (s *InMemoryStore) SaveContext(ctx context.Context, cs *ContextState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *cs
	clone.Topics = append([]string(nil), cs.Topics...)
	clone.LastHitSections = append([]string(nil), cs.LastHitSections...)
	s.contexts[cs.SessionID] = &clone
	return nil
}

func (s *InMemoryStore) GetContext(ctx context.Context, sessionID string) (*ContextState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.contexts[sessionID]
	if !ok {
		return nil, nil
	}
	clone := *cs
	clone.Topics = append([]string(nil), cs.Topics...)
	clone.LastHitSections = append([]string(nil), cs.LastHitSections...)
	return &clone, nil
}

func (s *InMemoryStore) DeleteContext(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, sessionID)
	return nil
}

func (s *InMemoryStore) AppendUsage(ctx context.Context, u *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[u.SessionID] = append(s.usage[u.SessionID], *u)
	return nil
}

func (s *InMemoryStore) ListUsage(ctx context.Context, sessionID string, limit int) ([]UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.usage[sessionID]
	start := 0
	if limit > 0 && len(recs) > limit {
		start = len(recs) - limit
	}
	return append([]UsageRecord(nil), recs[start:]...), nil
}

func (s *InMemoryStore) Close() {}

func cloneSession(sess *Session) *Session {
	clone := *sess
	if sess.EndedAt != nil {
		ended := *sess.EndedAt
		clone.EndedAt = &ended
	}
	return &clone
}

func cloneMessage(m *Message) *Message {
	clone := *m
	clone.References = append([]Reference(nil), m.References...)
	return &clone
}
