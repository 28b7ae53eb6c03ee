package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// EmbeddedBackend composes the embedded, single-process storage trio — an
// HNSW vector index, a BM25 keyword index, and a SQLite metadata store —
// behind the Backend protocol. It is the default backend: everything lives
// under one project data directory with no external service dependency.
type EmbeddedBackend struct {
	mu sync.RWMutex

	dataDir string
	dims    int

	vector   VectorStore
	keyword  BM25Index
	metadata MetadataStore

	initialized bool
}

// EmbeddedBackendConfig configures an EmbeddedBackend.
type EmbeddedBackendConfig struct {
	// DataDir is the directory the backend's files live under
	// (<DataDir>/metadata.db, <DataDir>/vectors.hnsw, <DataDir>/bm25.*).
	DataDir string

	// BM25Backend selects "sqlite" (default) or "bleve" for keyword search.
	BM25Backend string

	VectorConfig VectorStoreConfig
	BM25Config   BM25Config
}

var _ Backend = (*EmbeddedBackend)(nil)

// NewEmbeddedBackend opens (or creates) an embedded backend rooted at
// cfg.DataDir. The vector store is created lazily on Initialize, once the
// embedding dimension is known.
func NewEmbeddedBackend(cfg EmbeddedBackendConfig) (*EmbeddedBackend, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("storage: embedded backend requires a data directory")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	metaStore, err := NewSQLiteStore(filepath.Join(cfg.DataDir, "metadata.db"))
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	bm25Cfg := cfg.BM25Config
	if bm25Cfg.K1 == 0 && bm25Cfg.B == 0 {
		bm25Cfg = DefaultBM25Config()
	}
	keyword, err := NewBM25IndexWithBackend(filepath.Join(cfg.DataDir, "bm25"), bm25Cfg, cfg.BM25Backend)
	if err != nil {
		_ = metaStore.Close()
		return nil, fmt.Errorf("open bm25 index: %w", err)
	}

	return &EmbeddedBackend{
		dataDir:  cfg.DataDir,
		metadata: metaStore,
		keyword:  keyword,
	}, nil
}

func (b *EmbeddedBackend) vectorPath() string {
	return filepath.Join(b.dataDir, "vectors.hnsw")
}

// Initialize creates the vector index if this is the first time the backend
// has seen an embedding dimension, and verifies the dimension against any
// previously committed metadata otherwise.
func (b *EmbeddedBackend) Initialize(ctx context.Context, dims int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if meta, err := b.metadata.GetState(ctx, StateKeyIndexDimension); err == nil && meta != "" {
		var existing int
		if _, scanErr := fmt.Sscanf(meta, "%d", &existing); scanErr == nil && existing != dims {
			return ErrEmbeddingDimensionMismatch{Expected: existing, Got: dims}
		}
	}

	if b.vector == nil {
		vecCfg := DefaultVectorStoreConfig(dims)
		store, err := NewHNSWStore(vecCfg)
		if err != nil {
			return fmt.Errorf("create vector store: %w", err)
		}
		if err := store.Load(b.vectorPath()); err != nil {
			// Missing/corrupt index starts empty rather than failing open.
			_ = err
		}
		b.vector = store
		b.dims = dims
	}

	return b.metadata.SetState(ctx, StateKeyIndexDimension, fmt.Sprintf("%d", dims))
}

func (b *EmbeddedBackend) requireVector() (VectorStore, error) {
	if b.vector == nil {
		return nil, ErrNotInitialized
	}
	return b.vector, nil
}

// Upsert stores chunks in the metadata store and, when embeddings are
// supplied, adds them to both the vector index and the keyword postings.
func (b *EmbeddedBackend) Upsert(ctx context.Context, chunks []*Chunk, embeddings map[string][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.metadata.SaveChunks(ctx, chunks); err != nil {
		return fmt.Errorf("save chunks: %w", err)
	}

	docs := make([]*Document, len(chunks))
	for i, c := range chunks {
		docs[i] = &Document{ID: c.ID, Content: c.Content}
	}
	if err := b.keyword.Index(ctx, docs); err != nil {
		return fmt.Errorf("index keyword postings: %w", err)
	}

	if len(embeddings) == 0 {
		return nil
	}
	if b.vector == nil {
		return ErrNotInitialized
	}

	ids := make([]string, 0, len(embeddings))
	vectors := make([][]float32, 0, len(embeddings))
	for _, c := range chunks {
		if vec, ok := embeddings[c.ID]; ok {
			ids = append(ids, c.ID)
			vectors = append(vectors, vec)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := b.vector.Add(ctx, ids, vectors); err != nil {
		return fmt.Errorf("add vectors: %w", err)
	}

	chunkIDs := make([]string, len(ids))
	embs := make([][]float32, len(ids))
	copy(chunkIDs, ids)
	copy(embs, vectors)
	return b.metadata.SaveChunkEmbeddings(ctx, chunkIDs, embs, "")
}

// VectorSearch runs an ANN search and, when filter is non-nil, narrows
// results by re-checking chunk metadata for matches.
func (b *EmbeddedBackend) VectorSearch(ctx context.Context, query []float32, k int, filter *Filter) ([]SearchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	vector, err := b.requireVector()
	if err != nil {
		return nil, err
	}

	fetchK := k
	if filter != nil {
		fetchK = k * 4 // over-fetch to leave room for post-filtering
	}

	hits, err := vector.Search(ctx, query, fetchK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		if filter != nil {
			if filter.Threshold > 0 && float64(h.Score) < filter.Threshold {
				continue
			}
			ok, err := b.matchesFilter(ctx, h.ID, filter)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		results = append(results, SearchResult{ChunkID: h.ID, Score: float64(h.Score), Rank: len(results) + 1})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// KeywordSearch runs a BM25 search and, when filter is non-nil, narrows
// results by re-checking chunk metadata for matches.
func (b *EmbeddedBackend) KeywordSearch(ctx context.Context, query string, limit int, filter *Filter) ([]SearchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	fetchLimit := limit
	if filter != nil {
		fetchLimit = limit * 4
	}

	hits, err := b.keyword.Search(ctx, query, fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	results := make([]SearchResult, 0, len(hits))
	for i, h := range hits {
		if filter != nil {
			ok, err := b.matchesFilter(ctx, h.DocID, filter)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		results = append(results, SearchResult{ChunkID: h.DocID, Score: h.Score, Rank: i + 1})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

func (b *EmbeddedBackend) matchesFilter(ctx context.Context, chunkID string, filter *Filter) (bool, error) {
	chunk, err := b.metadata.GetChunk(ctx, chunkID)
	if err != nil {
		return false, err
	}
	if chunk == nil {
		return false, nil
	}
	if filter.PathPrefix != "" && !pathHasPrefix(chunk.FilePath, filter.PathPrefix) {
		return false, nil
	}
	if len(filter.Languages) > 0 && !containsString(filter.Languages, chunk.Language) {
		return false, nil
	}
	if len(filter.ContentTypes) > 0 && !containsContentType(filter.ContentTypes, chunk.ContentType) {
		return false, nil
	}
	return true, nil
}

// GetByID fetches chunks from the metadata store for reranking or display.
func (b *EmbeddedBackend) GetByID(ctx context.Context, ids []string) ([]*Chunk, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metadata.GetChunks(ctx, ids)
}

// GetCount returns the number of chunks currently indexed in the keyword
// store, which tracks every upserted chunk regardless of embedding state.
func (b *EmbeddedBackend) GetCount(ctx context.Context, filter *Filter) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if filter == nil {
		stats := b.keyword.Stats()
		return stats.DocumentCount, nil
	}

	ids, err := b.keyword.AllIDs()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		ok, err := b.matchesFilter(ctx, id, filter)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// Delete removes chunks from the metadata store, keyword index, and vector
// index (when present).
func (b *EmbeddedBackend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.metadata.DeleteChunks(ctx, ids); err != nil {
		return fmt.Errorf("delete chunk metadata: %w", err)
	}
	if err := b.keyword.Delete(ctx, ids); err != nil {
		return fmt.Errorf("delete keyword postings: %w", err)
	}
	if b.vector != nil {
		if err := b.vector.Delete(ctx, ids); err != nil {
			return fmt.Errorf("delete vectors: %w", err)
		}
	}
	return nil
}

// Reset clears all chunks, vectors, and keyword postings, used by a forced
// reindex.
func (b *EmbeddedBackend) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids, err := b.keyword.AllIDs()
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := b.keyword.Delete(ctx, ids); err != nil {
			return err
		}
		if err := b.metadata.DeleteChunks(ctx, ids); err != nil {
			return err
		}
		if b.vector != nil {
			if err := b.vector.Delete(ctx, ids); err != nil {
				return err
			}
		}
	}
	return b.metadata.ClearIndexCheckpoint(ctx)
}

// GetEmbeddingMetadata returns the embedding configuration recorded for the
// current index, or nil if the index has never been populated.
func (b *EmbeddedBackend) GetEmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	model, err := b.metadata.GetState(ctx, StateKeyIndexModel)
	if err != nil {
		return nil, err
	}
	if model == "" {
		return nil, nil
	}
	dimStr, err := b.metadata.GetState(ctx, StateKeyIndexDimension)
	if err != nil {
		return nil, err
	}
	var dims int
	_, _ = fmt.Sscanf(dimStr, "%d", &dims)

	return &EmbeddingMetadata{Model: model, Dimensions: dims}, nil
}

// SetEmbeddingMetadata records the embedding configuration for the current
// index.
func (b *EmbeddedBackend) SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.metadata.SetState(ctx, StateKeyIndexModel, meta.Model); err != nil {
		return err
	}
	return b.metadata.SetState(ctx, StateKeyIndexDimension, fmt.Sprintf("%d", meta.Dimensions))
}

// IsInitialized reports whether Initialize has run and committed a
// dimension to the metadata store.
func (b *EmbeddedBackend) IsInitialized(ctx context.Context) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dimStr, err := b.metadata.GetState(ctx, StateKeyIndexDimension)
	if err != nil {
		return false, err
	}
	return dimStr != "", nil
}

// Metadata returns the backend's underlying chunk metadata store, for
// callers (the retrieval engine, the indexing runner) that depend on the
// narrower storage interfaces directly rather than the Backend protocol.
func (b *EmbeddedBackend) Metadata() MetadataStore {
	return b.metadata
}

// Keyword returns the backend's underlying BM25 index.
func (b *EmbeddedBackend) Keyword() BM25Index {
	return b.keyword
}

// Vector returns the backend's underlying vector store, or nil if
// Initialize has not run yet (the embedded backend opens its HNSW index
// lazily, once the embedding dimension is known).
func (b *EmbeddedBackend) Vector() VectorStore {
	return b.vector
}

// Close persists the vector index to disk and closes the keyword and
// metadata stores.
func (b *EmbeddedBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if b.vector != nil {
		if err := b.vector.Save(b.vectorPath()); err != nil {
			errs = append(errs, fmt.Errorf("save vector index: %w", err))
		}
		if err := b.vector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vector index: %w", err))
		}
	}
	if err := b.keyword.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close keyword index: %w", err))
	}
	if err := b.metadata.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close metadata store: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("embedded backend close: %v", errs)
	}
	return nil
}

func pathHasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsContentType(haystack []ContentType, needle ContentType) bool {
	for _, c := range haystack {
		if c == needle {
			return true
		}
	}
	return false
}
