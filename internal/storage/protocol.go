package storage

import (
	"context"
	"fmt"
)

// EmbeddingMetadata records the embedding provider/model/dimension an index
// was built with, so a later search with a different embedder can be
// detected and rejected rather than silently returning garbage results.
type EmbeddingMetadata struct {
	Provider   string
	Model      string
	Dimensions int
}

// Filter narrows a backend query to a subset of the index.
type Filter struct {
	// ProjectID restricts results to chunks belonging to one project.
	ProjectID string

	// Languages restricts results to one or more source languages.
	Languages []string

	// ContentTypes restricts results to one or more content types.
	ContentTypes []ContentType

	// PathPrefix restricts results to files under a relative path prefix.
	PathPrefix string

	// Threshold excludes vector search hits whose similarity score falls
	// below it. Zero (the default) applies no exclusion. Keyword search
	// ignores this field — BM25 relevance scores aren't on a comparable
	// 0-1 similarity scale.
	Threshold float64
}

// SearchResult is a backend-agnostic hit returned from either the vector or
// keyword search path, before RRF fusion combines them.
type SearchResult struct {
	ChunkID string
	Score   float64
	Rank    int
}

// Backend is the storage protocol a retrieval/indexing pipeline depends on.
// It unifies chunk persistence, keyword search, and vector search behind one
// interface so the pipeline can run unmodified against either the embedded
// (single-process, on-disk) backend or the relational (Postgres+pgvector)
// backend chosen by the factory.
//
// Every method that touches storage takes a context first for cancellation
// and deadline propagation, per the convention the rest of this module
// follows for any call that may block on disk or network I/O.
type Backend interface {
	// Initialize prepares the backend for use: creates schema/files that do
	// not yet exist, and validates anything that does against embedding
	// dimensions already committed to the index.
	Initialize(ctx context.Context, dims int) error

	// Upsert stores or replaces chunks, their content for keyword search,
	// and (when non-nil) their embeddings for vector search, in one
	// logically atomic step from the caller's perspective.
	Upsert(ctx context.Context, chunks []*Chunk, embeddings map[string][]float32) error

	// VectorSearch returns the k nearest neighbors to query by embedding
	// distance, optionally narrowed by filter.
	VectorSearch(ctx context.Context, query []float32, k int, filter *Filter) ([]SearchResult, error)

	// KeywordSearch returns the top results ranked by BM25 relevance,
	// optionally narrowed by filter.
	KeywordSearch(ctx context.Context, query string, limit int, filter *Filter) ([]SearchResult, error)

	// GetByID fetches chunks by ID for reranking or result hydration.
	GetByID(ctx context.Context, ids []string) ([]*Chunk, error)

	// GetCount returns the number of chunks currently stored, optionally
	// narrowed by filter.
	GetCount(ctx context.Context, filter *Filter) (int, error)

	// Delete removes chunks (and their vector/keyword entries) by ID.
	Delete(ctx context.Context, ids []string) error

	// Reset clears all stored chunks, vectors, and keyword postings. Used
	// by a forced reindex.
	Reset(ctx context.Context) error

	// GetEmbeddingMetadata returns the embedding configuration the index was
	// built with, or (nil, nil) if the index has never been populated.
	GetEmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, error)

	// SetEmbeddingMetadata records the embedding configuration for the
	// current index, called once after the first successful upsert.
	SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error

	// IsInitialized reports whether Initialize has already run successfully.
	IsInitialized(ctx context.Context) (bool, error)

	// Close releases any resources (file handles, connection pools) held by
	// the backend.
	Close() error
}

// PoolStats reports a relational backend's connection pool occupancy.
type PoolStats struct {
	Size     int32
	InUse    int32
	Idle     int32
	MaxConns int32
}

// PoolStatter is implemented by backends fronting a connection pool (the
// relational backend); the health surface type-asserts a Backend against
// this interface rather than adding pool concerns to every backend.
type PoolStatter interface {
	PoolStats() PoolStats
}

// MetadataProvider is implemented by backends that keep a separate chunk
// metadata store (the embedded backend's SQLite store) alongside the
// Backend protocol's data path. Callers that need project/file bookkeeping
// beyond what Backend exposes — the indexing runner's checkpoint and
// reconciliation logic — type-assert a Backend against this interface
// rather than requiring every backend to expose it; the relational backend
// has no separate metadata store and does not implement it.
type MetadataProvider interface {
	Metadata() MetadataStore
}

// ErrNotInitialized is returned by backend operations attempted before
// Initialize has run.
var ErrNotInitialized = fmt.Errorf("storage: backend not initialized")

// ErrEmbeddingDimensionMismatch is returned by Initialize or Upsert when the
// caller's embedding dimension does not match the dimension the index was
// originally built with.
type ErrEmbeddingDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrEmbeddingDimensionMismatch) Error() string {
	return fmt.Sprintf("storage: embedding dimension mismatch: index built with %d, got %d (run a forced reindex)", e.Expected, e.Got)
}
