package retrieval

import (
	"context"
	"math"
	"sort"
	"sync"
)

// InMemoryStore keeps chunk vectors in process memory and scans linearly.
// Fine for development corpora; production uses the pgvector backend.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]Chunk
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: make(map[string][]Chunk)}
}

func (s *InMemoryStore) ReplaceDocument(ctx context.Context, documentID string, chunks []Chunk) error {
	copied := make([]Chunk, len(chunks))
	for i, c := range chunks {
		copied[i] = c
		copied[i].Embedding = append([]float32(nil), c.Embedding...)
	}

	s.mu.Lock()
	s.docs[documentID] = copied
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Search(ctx context.Context, documentID string, vector []float32, topK int, minScore float64) ([]Hit, error) {
	s.mu.RLock()
	chunks := s.docs[documentID]
	s.mu.RUnlock()

	if len(chunks) == 0 || topK <= 0 {
		return nil, nil
	}

	hits := make([]Hit, 0, len(chunks))
	for _, c := range chunks {
		score := cosineSimilarity(vector, c.Embedding)
		if score < minScore {
			continue
		}
		hits = append(hits, Hit{Content: c.Content, Section: c.Section, Seq: c.Seq, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *InMemoryStore) HasDocument(ctx context.Context, documentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[documentID]) > 0, nil
}

func (s *InMemoryStore) Close() {}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
