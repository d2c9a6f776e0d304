package store

import (
	"context"
	"errors"
	"time"
)

// SessionKind distinguishes document dialogue from character roleplay.
type SessionKind string

const (
	KindDocument  SessionKind = "document"
	KindCharacter SessionKind = "character"
)

type SessionStatus string

const (
	StatusActive  SessionStatus = "active"
	StatusEnded   SessionStatus = "ended"
	StatusExpired SessionStatus = "expired"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is one dialogue between an owner and a subject.
type Session struct {
	ID             string
	OwnerID        string
	SubjectID      string
	CharacterID    string
	Kind           SessionKind
	Status         SessionStatus
	MessageCount   int
	InputTokens    int
	OutputTokens   int
	Cost           float64
	CreatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time
}

// Reference is one source excerpt attached to an assistant message.
type Reference struct {
	Section string  `json:"section,omitempty"`
	Excerpt string  `json:"excerpt"`
	Score   float64 `json:"score"`
}

// Message is one persisted turn half: a user prompt or an assistant reply.
type Message struct {
	ID           string
	SessionID    string
	Role         string
	Content      string
	References   []Reference
	InputTokens  int
	OutputTokens int
	LatencyMS    int64
	ModelID      string
	Failed       bool
	CreatedAt    time.Time
}

// ContextState carries the rolling conversational context for one session.
type ContextState struct {
	SessionID       string
	Summary         string
	Topics          []string
	LastHitSections []string
	UpdatedAt       time.Time
}

// UsageRecord is one provider attempt, successful or not.
type UsageRecord struct {
	ID           string
	SessionID    string
	Provider     string
	Model        string
	Feature      string
	InputTokens  int
	OutputTokens int
	Cost         float64
	LatencyMS    int64
	Success      bool
	CreatedAt    time.Time
}

// Store persists sessions, messages, context state, and usage records.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	// ExpireInactiveSessions flips active sessions idle since before cutoff
	// to expired and returns their ids.
	ExpireInactiveSessions(ctx context.Context, cutoff time.Time) ([]string, error)

	AppendMessage(ctx context.Context, m *Message) error
	// MarkMessageFailed flags a persisted message whose turn got no reply.
	MarkMessageFailed(ctx context.Context, sessionID, messageID string) error
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)

	SaveContext(ctx context.Context, cs *ContextState) error
	GetContext(ctx context.Context, sessionID string) (*ContextState, error)
	DeleteContext(ctx context.Context, sessionID string) error

	AppendUsage(ctx context.Context, u *UsageRecord) error
	ListUsage(ctx context.Context, sessionID string, limit int) ([]UsageRecord, error)

	Close()
}
