// Package retrieval implements hybrid search: vector-similarity candidates
// from an external vector store fused with keyword match scores into one
// ranked result list.
package retrieval

import (
	"context"
	"sort"
	"strings"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// DefaultLimit applies when a search request does not specify a limit.
const DefaultLimit = 10

// Document is an indexed piece of content with its embedding vector and
// exact-match metadata.
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Vector   []float32         `json:"vector,omitempty"`
}

// Candidate is one vector-similarity hit returned by a vector store.
type Candidate struct {
	DocumentID string            `json:"document_id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Score      float64           `json:"score"`
}

// Result is a fused search hit.
type Result struct {
	DocumentID    string  `json:"document_id"`
	Content       string  `json:"content"`
	SemanticScore float64 `json:"semantic_score"`
	KeywordScore  float64 `json:"keyword_score"`
	CombinedScore float64 `json:"combined_score"`
}

// Response is the outcome of one search. Truncated reports whether more
// candidates matched than the limit allowed.
type Response struct {
	Results   []Result `json:"results"`
	Truncated bool     `json:"truncated"`
}

// Embedder turns text into an embedding vector. Calls are network-bound and
// must respect ctx.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore returns the candidates most similar to a query vector.
type VectorStore interface {
	SimilaritySearch(ctx context.Context, vector []float32, limit int) ([]Candidate, error)
}

// Options configures a Service.
type Options struct {
	// Logger defaults to NoOp if nil.
	Logger logging.Logger
}

// Service fuses vector and keyword search into ranked retrieval results.
type Service struct {
	embedder Embedder
	vectors  VectorStore
	logger   logging.Logger
}

// NewService creates a retrieval service over the given collaborators.
func NewService(embedder Embedder, vectors VectorStore, optFns ...func(o *Options)) *Service {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Service{embedder: embedder, vectors: vectors, logger: opts.Logger}
}

// Search embeds the query, over-fetches twice the limit from the vector
// store, applies exact-match metadata filters, fuses semantic and keyword
// scores with the given weight (clamped to [0,1]) and returns the top
// results sorted by combined score descending with a stable semantic-score
// tie-break.
func (s *Service) Search(ctx context.Context, query string, filters map[string]string, limit int, semanticWeight float64) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, core.Errorf(core.KindRetrieval, "query must not be empty")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if semanticWeight < 0 {
		semanticWeight = 0
	}
	if semanticWeight > 1 {
		semanticWeight = 1
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, core.Errorf(core.KindRetrieval, "embedding failed").WithCause(err)
	}

	candidates, err := s.vectors.SimilaritySearch(ctx, vector, limit*2)
	if err != nil {
		return nil, core.Errorf(core.KindRetrieval, "similarity search failed").WithCause(err)
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if !matchesFilters(c.Metadata, filters) {
			continue
		}
		keyword := keywordScore(query, c.Content)
		results = append(results, Result{
			DocumentID:    c.DocumentID,
			Content:       c.Content,
			SemanticScore: c.Score,
			KeywordScore:  keyword,
			CombinedScore: semanticWeight*c.Score + (1-semanticWeight)*keyword,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CombinedScore != results[j].CombinedScore {
			return results[i].CombinedScore > results[j].CombinedScore
		}
		return results[i].SemanticScore > results[j].SemanticScore
	})

	truncated := len(results) > limit
	if truncated {
		results = results[:limit]
	}
	s.logger.Debug("search finished query_len=%d candidates=%d results=%d truncated=%t",
		len(query), len(candidates), len(results), truncated)
	return &Response{Results: results, Truncated: truncated}, nil
}

// matchesFilters reports whether metadata satisfies every exact-match
// predicate.
func matchesFilters(metadata, filters map[string]string) bool {
	for k, want := range filters {
		if metadata[k] != want {
			return false
		}
	}
	return true
}

// keywordScore rates content against the query: an exact case-insensitive
// substring match scores 1.0, partial word overlap scores matched words over
// query words, no overlap scores 0.
func keywordScore(query, content string) float64 {
	q := strings.ToLower(query)
	c := strings.ToLower(content)
	if strings.Contains(c, q) {
		return 1.0
	}

	queryWords := strings.Fields(q)
	if len(queryWords) == 0 {
		return 0
	}
	contentWords := make(map[string]struct{})
	for _, w := range strings.Fields(c) {
		contentWords[w] = struct{}{}
	}
	matched := 0
	for _, w := range queryWords {
		if _, ok := contentWords[w]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryWords))
}
