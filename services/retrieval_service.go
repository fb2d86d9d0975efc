package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/scholarcite/citation-backend/models"
)

var (
	// ErrPaperNotFound is returned when a paper lookup misses.
	ErrPaperNotFound = errors.New("paper not found")

	// ErrStoreUnavailable wraps vector store connectivity failures.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	// ErrRerankerUnavailable signals a reranker failure; retrieval falls back
	// to the pre-rerank ordering instead of failing the request.
	ErrRerankerUnavailable = errors.New("reranker unavailable")
)

// RetrievalService turns an editor snapshot into ranked citation suggestions.
type RetrievalService interface {
	// GetSuggestions is the baseline path: dense retrieval plus the
	// multi-component ranking policy, capped at 10 results.
	GetSuggestions(ctx context.Context, text string, textCtx *models.TextContext, userID string) ([]models.Suggestion, error)

	// GetSuggestionsEnhanced exposes strategy selection and optional
	// cross-encoder reranking, returning per-stage scores, capped at 15.
	GetSuggestionsEnhanced(ctx context.Context, text string, textCtx *models.TextContext, userID string, opts models.SuggestOptions) ([]models.Suggestion, error)

	// RefreshIndex schedules a BM25 refit after a corpus change.
	RefreshIndex()
}

// ChunkSearchResult is one dense or sparse candidate joined to its paper.
type ChunkSearchResult struct {
	ChunkID      uuid.UUID
	PaperID      uuid.UUID
	Text         string
	ChunkIndex   int
	SectionTitle string
	ChunkType    models.ChunkType
	PageStart    *int
	PageEnd      *int
	Boundaries   []models.PageBoundary
	Similarity   float64
}

// SearchFilters restricts candidate papers.
type SearchFilters struct {
	YearFrom *int
	YearTo   *int
}

// VectorStore persists chunk embeddings and serves cosine-similarity search.
// InsertChunks deletes any prior chunks of the paper in the same transaction,
// making ingestion idempotent.
type VectorStore interface {
	InsertChunks(ctx context.Context, paperID uuid.UUID, chunks []models.PaperChunk) error
	DeleteChunks(ctx context.Context, paperID uuid.UUID) error
	DenseSearch(ctx context.Context, queryVec []float32, k int, minSimilarity float64, filters SearchFilters) ([]ChunkSearchResult, error)

	// AllChunks streams the corpus for BM25 fitting.
	AllChunks(ctx context.Context) ([]ChunkSearchResult, error)
}

// SparseIndex is the BM25 scorer over the chunk corpus.
type SparseIndex interface {
	// Fit rebuilds the index from the given corpus. Queries during a refit
	// wait for completion.
	Fit(docs []SparseDocument)
	// Fitted reports whether the index has been built at least once.
	Fitted() bool
	// Search returns the topK highest-scoring documents for the query.
	Search(query string, topK int) []SparseHit
}

// SparseDocument is one BM25-indexable chunk.
type SparseDocument struct {
	ChunkID uuid.UUID
	PaperID uuid.UUID
	Text    string
}

// SparseHit is one BM25 search result.
type SparseHit struct {
	ChunkID uuid.UUID
	Score   float64
}

// Reranker scores (query, passage) pairs with a cross-encoder.
type Reranker interface {
	// Score returns one probability in [0,1] per passage.
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}
