package retrieval

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/hupe1980/taskmesh/core"
)

// InMemoryVectorStore is a cosine-similarity vector store backed by a slice.
// The first inserted document fixes the dimensionality; later documents must
// match. Suitable for development, tests and small corpora.
type InMemoryVectorStore struct {
	mu        sync.RWMutex
	documents []Document
	dimension int
}

// NewInMemoryVectorStore creates an empty store.
func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{}
}

// Add indexes a document. Vectors must be non-empty and dimensionally
// consistent with the store.
func (s *InMemoryVectorStore) Add(doc Document) error {
	if len(doc.Vector) == 0 {
		return core.Errorf(core.KindRetrieval, "document %s has no vector", doc.ID)
	}
	if doc.ID == "" {
		doc.ID = core.NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension == 0 {
		s.dimension = len(doc.Vector)
	} else if len(doc.Vector) != s.dimension {
		return core.Errorf(core.KindRetrieval, "vector dimension %d does not match store dimension %d", len(doc.Vector), s.dimension)
	}
	s.documents = append(s.documents, doc)
	return nil
}

// Len returns the number of indexed documents.
func (s *InMemoryVectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents)
}

// SimilaritySearch implements VectorStore with cosine similarity, preserving
// insertion order across equal scores.
func (s *InMemoryVectorStore) SimilaritySearch(_ context.Context, vector []float32, limit int) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dimension != 0 && len(vector) != s.dimension {
		return nil, core.Errorf(core.KindRetrieval, "query dimension %d does not match store dimension %d", len(vector), s.dimension)
	}

	candidates := make([]Candidate, 0, len(s.documents))
	for _, doc := range s.documents {
		candidates = append(candidates, Candidate{
			DocumentID: doc.ID,
			Content:    doc.Content,
			Metadata:   doc.Metadata,
			Score:      cosine(vector, doc.Vector),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// cosine computes the cosine similarity of two equal-length vectors.
func cosine(a, b []float32) float64 {
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
