package retrieval

import "context"

// Chunk is one indexed slice of a source document.
type Chunk struct {
	ID         string
	DocumentID string
	Seq        int
	Content    string
	Section    string
	Embedding  []float32
}

// Hit is one similarity match returned by a search.
type Hit struct {
	Content string
	Section string
	Seq     int
	Score   float64
}

// Store holds document chunks and answers nearest-neighbor queries.
type Store interface {
	// ReplaceDocument swaps all chunks for a document atomically.
	ReplaceDocument(ctx context.Context, documentID string, chunks []Chunk) error
	Search(ctx context.Context, documentID string, vector []float32, topK int, minScore float64) ([]Hit, error)
	HasDocument(ctx context.Context, documentID string) (bool, error)
	Close()
}
