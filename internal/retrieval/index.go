package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Embedder turns text into a vector. The model router satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index couples the chunk splitter, the embedder, and the vector store.
type Index struct {
	store    Store
	embedder Embedder

	chunkSize int
	overlap   int
}

func NewIndex(store Store, embedder Embedder, chunkSize, overlap int) *Index {
	return &Index{
		store:     store,
		embedder:  embedder,
		chunkSize: chunkSize,
		overlap:   overlap,
	}
}

// IndexDocument splits, embeds, and stores a document, replacing any prior
// version. Returns the number of chunks indexed.
func (ix *Index) IndexDocument(ctx context.Context, documentID string, sections []Section) (int, error) {
	chunks := SplitSections(sections, ix.chunkSize, ix.overlap)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("document %s has no indexable content", documentID)
	}

	for i := range chunks {
		vec, err := ix.embedder.Embed(ctx, chunks[i].Content)
		if err != nil {
			return 0, fmt.Errorf("embed chunk %d: %w", chunks[i].Seq, err)
		}
		chunks[i].ID = uuid.NewString()
		chunks[i].DocumentID = documentID
		chunks[i].Embedding = vec
	}

	if err := ix.store.ReplaceDocument(ctx, documentID, chunks); err != nil {
		return 0, fmt.Errorf("store document %s: %w", documentID, err)
	}
	return len(chunks), nil
}

// Search embeds the query and returns matching excerpts. A document that was
// never indexed, an embedding failure, or a store failure all degrade to an
// empty result so the caller's dialogue turn proceeds without grounding.
func (ix *Index) Search(ctx context.Context, documentID, query string, topK int, minScore float64) []Hit {
	ok, err := ix.store.HasDocument(ctx, documentID)
	if err != nil {
		slog.Warn("retrieval: document check failed", "document_id", documentID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("retrieval: query embedding failed", "document_id", documentID, "error", err)
		return nil
	}

	hits, err := ix.store.Search(ctx, documentID, vec, topK, minScore)
	if err != nil {
		slog.Warn("retrieval: search failed", "document_id", documentID, "error", err)
		return nil
	}
	return hits
}

// HasDocument reports whether the document has indexed chunks.
func (ix *Index) HasDocument(ctx context.Context, documentID string) bool {
	ok, err := ix.store.HasDocument(ctx, documentID)
	if err != nil {
		return false
	}
	return ok
}
