package retrieval

import (
	"context"
	"time"

	"github.com/ragwell/ragwell/internal/storage"
)

// MockBackend is a function-field fake of storage.Backend, for engine tests
// and benchmarks that need to control search results without a real
// embedded or relational backend. It keeps chunks in the same in-memory map
// backing MockMetadataStore and implements storage.MetadataProvider, the
// same way EmbeddedBackend exposes its internal SQLite store.
type MockBackend struct {
	VectorSearchFn  func(ctx context.Context, query []float32, k int, filter *storage.Filter) ([]storage.SearchResult, error)
	KeywordSearchFn func(ctx context.Context, query string, limit int, filter *storage.Filter) ([]storage.SearchResult, error)
	UpsertFn        func(ctx context.Context, chunks []*storage.Chunk, embeddings map[string][]float32) error
	DeleteFn        func(ctx context.Context, ids []string) error
	CountFn         func() int

	metadata *MockMetadataStore
}

// NewMockBackend returns a MockBackend backed by a fresh MockMetadataStore.
func NewMockBackend() *MockBackend {
	return &MockBackend{metadata: NewMockMetadataStore()}
}

func (m *MockBackend) Initialize(context.Context, int) error { return nil }

func (m *MockBackend) Upsert(ctx context.Context, chunks []*storage.Chunk, embeddings map[string][]float32) error {
	if m.UpsertFn != nil {
		return m.UpsertFn(ctx, chunks, embeddings)
	}
	return m.metadata.SaveChunks(ctx, chunks)
}

func (m *MockBackend) VectorSearch(ctx context.Context, query []float32, k int, filter *storage.Filter) ([]storage.SearchResult, error) {
	if m.VectorSearchFn != nil {
		return m.VectorSearchFn(ctx, query, k, filter)
	}
	return nil, nil
}

func (m *MockBackend) KeywordSearch(ctx context.Context, query string, limit int, filter *storage.Filter) ([]storage.SearchResult, error) {
	if m.KeywordSearchFn != nil {
		return m.KeywordSearchFn(ctx, query, limit, filter)
	}
	return nil, nil
}

func (m *MockBackend) GetByID(ctx context.Context, ids []string) ([]*storage.Chunk, error) {
	return m.metadata.GetChunks(ctx, ids)
}

func (m *MockBackend) GetCount(ctx context.Context, filter *storage.Filter) (int, error) {
	if m.CountFn != nil {
		return m.CountFn(), nil
	}
	return len(m.metadata.chunks), nil
}

func (m *MockBackend) Delete(ctx context.Context, ids []string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, ids)
	}
	return m.metadata.DeleteChunks(ctx, ids)
}

func (m *MockBackend) Reset(context.Context) error { return nil }

func (m *MockBackend) GetEmbeddingMetadata(context.Context) (*storage.EmbeddingMetadata, error) {
	return nil, nil
}

func (m *MockBackend) SetEmbeddingMetadata(context.Context, storage.EmbeddingMetadata) error {
	return nil
}

func (m *MockBackend) IsInitialized(context.Context) (bool, error) { return true, nil }

func (m *MockBackend) Close() error { return nil }

// Metadata implements storage.MetadataProvider, mirroring how
// *storage.EmbeddedBackend exposes its chunk bookkeeping store.
func (m *MockBackend) Metadata() storage.MetadataStore {
	return m.metadata
}

// MockEmbedder is a function-field fake of embed.Embedder.
type MockEmbedder struct {
	EmbedFn      func(ctx context.Context, text string) ([]float32, error)
	DimensionsFn func() int
	ModelNameFn  func() string
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFn != nil {
		return m.EmbedFn(ctx, text)
	}
	return make([]float32, m.Dimensions()), nil
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *MockEmbedder) Dimensions() int {
	if m.DimensionsFn != nil {
		return m.DimensionsFn()
	}
	return 384
}

func (m *MockEmbedder) ModelName() string {
	if m.ModelNameFn != nil {
		return m.ModelNameFn()
	}
	return "mock"
}

func (m *MockEmbedder) Available(context.Context) bool { return true }
func (m *MockEmbedder) Close() error                    { return nil }
func (m *MockEmbedder) SetBatchIndex(int)               {}
func (m *MockEmbedder) SetFinalBatch(bool)              {}

// MockMetadataStore is an in-memory fake of storage.MetadataStore, enough
// to back engine tests that only read chunks back by ID.
type MockMetadataStore struct {
	chunks map[string]*storage.Chunk
	state  map[string]string
}

func NewMockMetadataStore() *MockMetadataStore {
	return &MockMetadataStore{
		chunks: make(map[string]*storage.Chunk),
		state:  make(map[string]string),
	}
}

func (m *MockMetadataStore) SaveProject(context.Context, *storage.Project) error { return nil }
func (m *MockMetadataStore) GetProject(context.Context, string) (*storage.Project, error) {
	return nil, nil
}
func (m *MockMetadataStore) UpdateProjectStats(context.Context, string, int, int) error { return nil }
func (m *MockMetadataStore) RefreshProjectStats(context.Context, string) error          { return nil }

func (m *MockMetadataStore) SaveFiles(context.Context, []*storage.File) error { return nil }
func (m *MockMetadataStore) GetFileByPath(context.Context, string, string) (*storage.File, error) {
	return nil, nil
}
func (m *MockMetadataStore) GetChangedFiles(context.Context, string, time.Time) ([]*storage.File, error) {
	return nil, nil
}
func (m *MockMetadataStore) ListFiles(context.Context, string, string, int) ([]*storage.File, string, error) {
	return nil, "", nil
}
func (m *MockMetadataStore) GetFilePathsByProject(context.Context, string) ([]string, error) {
	return nil, nil
}
func (m *MockMetadataStore) GetFilesForReconciliation(context.Context, string) (map[string]*storage.File, error) {
	return nil, nil
}
func (m *MockMetadataStore) ListFilePathsUnder(context.Context, string, string) ([]string, error) {
	return nil, nil
}
func (m *MockMetadataStore) DeleteFile(context.Context, string) error           { return nil }
func (m *MockMetadataStore) DeleteFilesByProject(context.Context, string) error { return nil }

func (m *MockMetadataStore) SaveChunks(ctx context.Context, chunks []*storage.Chunk) error {
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *MockMetadataStore) GetChunk(_ context.Context, id string) (*storage.Chunk, error) {
	return m.chunks[id], nil
}

func (m *MockMetadataStore) GetChunks(_ context.Context, ids []string) ([]*storage.Chunk, error) {
	out := make([]*storage.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockMetadataStore) GetChunksByFile(context.Context, string) ([]*storage.Chunk, error) {
	return nil, nil
}
func (m *MockMetadataStore) DeleteChunks(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(m.chunks, id)
	}
	return nil
}
func (m *MockMetadataStore) DeleteChunksByFile(context.Context, string) error { return nil }

func (m *MockMetadataStore) SearchSymbols(context.Context, string, int) ([]*storage.Symbol, error) {
	return nil, nil
}

func (m *MockMetadataStore) GetState(_ context.Context, key string) (string, error) {
	return m.state[key], nil
}
func (m *MockMetadataStore) SetState(_ context.Context, key, value string) error {
	m.state[key] = value
	return nil
}

func (m *MockMetadataStore) SaveChunkEmbeddings(context.Context, []string, [][]float32, string) error {
	return nil
}
func (m *MockMetadataStore) GetAllEmbeddings(context.Context) (map[string][]float32, error) {
	return nil, nil
}
func (m *MockMetadataStore) GetEmbeddingStats(context.Context) (int, int, error) { return 0, 0, nil }

func (m *MockMetadataStore) SaveIndexCheckpoint(context.Context, string, int, int, string) error {
	return nil
}
func (m *MockMetadataStore) LoadIndexCheckpoint(context.Context) (*storage.IndexCheckpoint, error) {
	return nil, nil
}
func (m *MockMetadataStore) ClearIndexCheckpoint(context.Context) error { return nil }

func (m *MockMetadataStore) Close() error { return nil }
