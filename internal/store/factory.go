package store

import (
	"context"
	"log/slog"
)

// NewStore picks the persistence backend: PostgreSQL when a database URL is
// configured, in-memory otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if databaseURL == "" {
		slog.Info("store: using in-memory backend")
		return NewInMemoryStore(), nil
	}

	st, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	slog.Info("store: using postgres backend")
	return st, nil
}
