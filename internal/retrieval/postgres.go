package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists chunk vectors in PostgreSQL using the pgvector
// extension. Similarity is cosine distance via the <=> operator.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, dim int) (*PostgresStore, error) {
	if dim <= 0 {
		dim = 1536
	}
	s := &PostgresStore{pool: pool, dim: dim}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			content TEXT NOT NULL,
			section TEXT NOT NULL DEFAULT '',
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, s.dim),
		`CREATE INDEX IF NOT EXISTS idx_document_chunks_doc ON document_chunks (document_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init retrieval schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) ReplaceDocument(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace document: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("clear document chunks: %w", err)
	}

	for _, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO document_chunks (id, document_id, seq, content, section, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6::vector)`,
			id, documentID, c.Seq, c.Content, c.Section, vectorLiteral(c.Embedding),
		)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Seq, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace document: %w", err)
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, documentID string, vector []float32, topK int, minScore float64) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT content, section, seq, 1 - (embedding <=> $2::vector) AS score
		 FROM document_chunks
		 WHERE document_id=$1
		 ORDER BY embedding <=> $2::vector
		 LIMIT $3`,
		documentID, vectorLiteral(vector), topK,
	)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.Content, &h.Section, &h.Seq, &h.Score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		if h.Score < minScore {
			continue
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hits: %w", err)
	}
	return hits, nil
}

func (s *PostgresStore) HasDocument(ctx context.Context, documentID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM document_chunks WHERE document_id=$1)`, documentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check document: %w", err)
	}
	return exists, nil
}

// Close is a no-op: the pool is owned by the session store.
func (s *PostgresStore) Close() {}

// vectorLiteral renders a float slice in pgvector's text input format.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
