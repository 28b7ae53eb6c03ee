package storage

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// BackendType selects which Backend implementation to construct.
type BackendType string

const (
	// BackendEmbedded uses the on-disk, single-process backend (HNSW +
	// BM25 + SQLite). This is the default: no external service required.
	BackendEmbedded BackendType = "embedded"

	// BackendRelational uses Postgres + pgvector, for projects sharing an
	// index across multiple processes or machines.
	BackendRelational BackendType = "relational"
)

// FactoryConfig configures backend construction. Zero-valued fields fall
// back to the relevant sub-config's own defaults.
type FactoryConfig struct {
	Type BackendType

	// DataDir is used by the embedded backend.
	DataDir string

	// DSN and MaxConns are used by the relational backend.
	DSN      string
	MaxConns int

	BM25Backend  string
	VectorConfig VectorStoreConfig
	BM25Config   BM25Config
}

var (
	factoryMu    sync.Mutex
	factoryCache = map[string]Backend{}
)

// NewBackend constructs a Backend per cfg, with environment overrides
// taking precedence over the explicit type:
//
//	STORAGE_BACKEND_OVERRIDE selects "embedded" or "relational".
//	RAGWELL_POSTGRES_DSN overrides cfg.DSN when the relational backend is used.
//	RAGWELL_STORAGE_MAX_CONNS overrides cfg.MaxConns.
//
// A Backend for a given cache key (type + location) is constructed once
// and reused across calls; use ResetFactory to force a fresh instance
// (tests, or after a config reload).
func NewBackend(ctx context.Context, cfg FactoryConfig) (Backend, error) {
	backendType := cfg.Type
	if env := strings.ToLower(os.Getenv("STORAGE_BACKEND_OVERRIDE")); env != "" {
		backendType = BackendType(env)
	}
	if backendType == "" {
		backendType = BackendEmbedded
	}

	if dsn := os.Getenv("RAGWELL_POSTGRES_DSN"); dsn != "" {
		cfg.DSN = dsn
	}
	if maxConnsStr := os.Getenv("RAGWELL_STORAGE_MAX_CONNS"); maxConnsStr != "" {
		if n, err := strconv.Atoi(maxConnsStr); err == nil && n > 0 {
			cfg.MaxConns = n
		}
	}

	cacheKey := factoryCacheKey(backendType, cfg)

	factoryMu.Lock()
	defer factoryMu.Unlock()

	if cached, ok := factoryCache[cacheKey]; ok {
		return cached, nil
	}

	var backend Backend
	var err error

	switch backendType {
	case BackendRelational:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("storage: relational backend requires a DSN (set FactoryConfig.DSN or RAGWELL_POSTGRES_DSN)")
		}
		backend, err = NewRelationalBackend(ctx, RelationalBackendConfig{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
	case BackendEmbedded:
		backend, err = NewEmbeddedBackend(EmbeddedBackendConfig{
			DataDir:      cfg.DataDir,
			BM25Backend:  cfg.BM25Backend,
			VectorConfig: cfg.VectorConfig,
			BM25Config:   cfg.BM25Config,
		})
	default:
		return nil, fmt.Errorf("storage: unknown backend type %q (valid: embedded, relational)", backendType)
	}
	if err != nil {
		return nil, err
	}

	factoryCache[cacheKey] = backend
	return backend, nil
}

func factoryCacheKey(t BackendType, cfg FactoryConfig) string {
	switch t {
	case BackendRelational:
		return string(t) + ":" + cfg.DSN
	default:
		return string(t) + ":" + cfg.DataDir
	}
}

// ResetFactory clears the cached backend instances. It does not close them;
// callers that want a clean shutdown should Close() backends themselves
// before calling ResetFactory.
func ResetFactory() {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factoryCache = map[string]Backend{}
}
