package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists dialogue state in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying connection pool so the retrieval index can
// share it instead of opening a second one.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			character_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions (owner_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_activity ON sessions (status, last_activity_at);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			refs JSONB NOT NULL DEFAULT '[]',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			model_id TEXT NOT NULL DEFAULT '',
			failed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS context_states (
			session_id TEXT PRIMARY KEY REFERENCES sessions(id),
			summary TEXT NOT NULL DEFAULT '',
			topics JSONB NOT NULL DEFAULT '[]',
			last_hit_sections JSONB NOT NULL DEFAULT '[]',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			feature TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_session_created ON usage_records (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, owner_id, subject_id, character_id, kind, status,
			message_count, input_tokens, output_tokens, cost, created_at, last_activity_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sess.ID, sess.OwnerID, sess.SubjectID, sess.CharacterID, sess.Kind, sess.Status,
		sess.MessageCount, sess.InputTokens, sess.OutputTokens, sess.Cost,
		sess.CreatedAt, sess.LastActivityAt, sess.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, subject_id, character_id, kind, status,
			message_count, input_tokens, output_tokens, cost, created_at, last_activity_at, ended_at
		 FROM sessions WHERE id=$1`, id)

	var sess Session
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.SubjectID, &sess.CharacterID, &sess.Kind, &sess.Status,
		&sess.MessageCount, &sess.InputTokens, &sess.OutputTokens, &sess.Cost,
		&sess.CreatedAt, &sess.LastActivityAt, &sess.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *Session) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status=$2, message_count=$3, input_tokens=$4, output_tokens=$5,
			cost=$6, last_activity_at=$7, ended_at=$8
		 WHERE id=$1`,
		sess.ID, sess.Status, sess.MessageCount, sess.InputTokens, sess.OutputTokens,
		sess.Cost, sess.LastActivityAt, sess.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) ExpireInactiveSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE sessions SET status=$1, ended_at=now()
		 WHERE status=$2 AND last_activity_at < $3
		 RETURNING id`,
		StatusExpired, StatusActive, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("expire sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired rows: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m *Message) error {
	refs, err := json.Marshal(m.References)
	if err != nil {
		return fmt.Errorf("marshal references: %w", err)
	}
	if len(m.References) == 0 {
		refs = []byte(`[]`)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, content, refs,
			input_tokens, output_tokens, latency_ms, model_id, failed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.SessionID, m.Role, m.Content, refs,
		m.InputTokens, m.OutputTokens, m.LatencyMS, m.ModelID, m.Failed, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkMessageFailed(ctx context.Context, sessionID, messageID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET failed=TRUE WHERE id=$1 AND session_id=$2`,
		messageID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, refs,
			input_tokens, output_tokens, latency_ms, model_id, failed, created_at
		 FROM messages WHERE session_id=$1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (s *PostgresStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, refs,
			input_tokens, output_tokens, latency_ms, model_id, failed, created_at
		 FROM messages WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *PostgresStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE session_id=$1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) SaveContext(ctx context.Context, cs *ContextState) error {
	topics, err := json.Marshal(emptyIfNil(cs.Topics))
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	sections, err := json.Marshal(emptyIfNil(cs.LastHitSections))
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO context_states (session_id, summary, topics, last_hit_sections, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO UPDATE SET
			summary=EXCLUDED.summary,
			topics=EXCLUDED.topics,
			last_hit_sections=EXCLUDED.last_hit_sections,
			updated_at=EXCLUDED.updated_at`,
		cs.SessionID, cs.Summary, topics, sections, cs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContext(ctx context.Context, sessionID string) (*ContextState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT session_id, summary, topics, last_hit_sections, updated_at
		 FROM context_states WHERE session_id=$1`, sessionID)

	var (
		cs       ContextState
		topics   []byte
		sections []byte
	)
	err := row.Scan(&cs.SessionID, &cs.Summary, &topics, &sections, &cs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	if err := json.Unmarshal(topics, &cs.Topics); err != nil {
		return nil, fmt.Errorf("unmarshal topics: %w", err)
	}
	if err := json.Unmarshal(sections, &cs.LastHitSections); err != nil {
		return nil, fmt.Errorf("unmarshal sections: %w", err)
	}
	return &cs, nil
}

func (s *PostgresStore) DeleteContext(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM context_states WHERE session_id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendUsage(ctx context.Context, u *UsageRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, session_id, provider, model, feature,
			input_tokens, output_tokens, cost, latency_ms, success, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, u.SessionID, u.Provider, u.Model, u.Feature,
		u.InputTokens, u.OutputTokens, u.Cost, u.LatencyMS, u.Success, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsage(ctx context.Context, sessionID string, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, provider, model, feature,
			input_tokens, output_tokens, cost, latency_ms, success, created_at
		 FROM usage_records WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var recs []UsageRecord
	for rows.Next() {
		var u UsageRecord
		if err := rows.Scan(&u.ID, &u.SessionID, &u.Provider, &u.Model, &u.Feature,
			&u.InputTokens, &u.OutputTokens, &u.Cost, &u.LatencyMS, &u.Success, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		recs = append(recs, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var (
			m    Message
			refs []byte
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &refs,
			&m.InputTokens, &m.OutputTokens, &m.LatencyMS, &m.ModelID, &m.Failed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if err := json.Unmarshal(refs, &m.References); err != nil {
			return nil, fmt.Errorf("unmarshal references: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return msgs, nil
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
