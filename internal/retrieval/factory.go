package retrieval

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewVectorStore picks the vector backend: pgvector when a shared pool is
// available, in-memory otherwise.
func NewVectorStore(ctx context.Context, pool *pgxpool.Pool, dim int) (Store, error) {
	if pool == nil {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, pool, dim)
}
