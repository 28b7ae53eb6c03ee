package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// RelationalBackend implements Backend against Postgres with the pgvector
// extension: chunks, their full-text postings, and their embeddings all
// live in one `chunks` table, searched through a GIN tsvector index for
// keyword queries and an IVFFlat ANN index for vector queries.
type RelationalBackend struct {
	pool *pgxpool.Pool
	dims int
}

// RelationalBackendConfig configures a RelationalBackend.
type RelationalBackendConfig struct {
	// DSN is a libpq-style Postgres connection string.
	DSN string

	// MaxConns caps the pool size (0 uses pgxpool's default).
	MaxConns int
}

var _ Backend = (*RelationalBackend)(nil)

// NewRelationalBackend connects to Postgres. Schema creation (including the
// pgvector extension and ANN index) is deferred to Initialize, once the
// embedding dimension is known.
func NewRelationalBackend(ctx context.Context, cfg RelationalBackendConfig) (*RelationalBackend, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pgCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	return &RelationalBackend{pool: pool}, nil
}

// Initialize creates the schema (idempotent) sized to dims, or verifies an
// existing schema's embedding column matches dims.
func (b *RelationalBackend) Initialize(ctx context.Context, dims int) error {
	var existing int
	err := b.pool.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'chunks'::regclass AND attname = 'embedding'
	`).Scan(&existing)
	if err == nil && existing > 0 && existing != dims {
		return ErrEmbeddingDimensionMismatch{Expected: existing, Got: dims}
	}

	stmt := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS chunks (
			id            TEXT PRIMARY KEY,
			project_id    TEXT NOT NULL DEFAULT '',
			file_id       TEXT NOT NULL,
			file_path     TEXT NOT NULL,
			content       TEXT NOT NULL,
			language      TEXT NOT NULL DEFAULT '',
			content_type  TEXT NOT NULL DEFAULT '',
			start_line    INT NOT NULL DEFAULT 0,
			end_line      INT NOT NULL DEFAULT 0,
			embedding     vector(%[1]d),
			content_tsv   tsvector GENERATED ALWAYS AS (to_tsvector('simple', content)) STORED,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS chunks_project_idx ON chunks (project_id);
		CREATE INDEX IF NOT EXISTS chunks_tsv_idx ON chunks USING GIN (content_tsv);

		CREATE TABLE IF NOT EXISTS kv_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM pg_indexes
				WHERE indexname = 'chunks_embedding_idx'
			) THEN
				EXECUTE 'CREATE INDEX chunks_embedding_idx ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)';
			END IF;
		END
		$$;
	`, dims)

	if _, err := b.pool.Exec(ctx, stmt); err != nil {
		if strings.Contains(err.Error(), "ivfflat") {
			// IVFFlat needs a minimum row count to build; ignore and retry later.
			return nil
		}
		return fmt.Errorf("initialize schema: %w", err)
	}

	b.dims = dims
	return nil
}

// Upsert stores or replaces chunks, populating the generated tsvector
// column automatically and the embedding column when supplied.
func (b *RelationalBackend) Upsert(ctx context.Context, chunks []*Chunk, embeddings map[string][]float32) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, c := range chunks {
		var vec *pgvector.Vector
		if emb, ok := embeddings[c.ID]; ok {
			v := pgvector.NewVector(emb)
			vec = &v
		}
		batch.Queue(`
			INSERT INTO chunks (id, file_id, file_path, content, language, content_type, start_line, end_line, embedding, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				file_id = excluded.file_id,
				file_path = excluded.file_path,
				content = excluded.content,
				language = excluded.language,
				content_type = excluded.content_type,
				start_line = excluded.start_line,
				end_line = excluded.end_line,
				embedding = COALESCE(excluded.embedding, chunks.embedding),
				updated_at = excluded.updated_at
		`, c.ID, c.FileID, c.FilePath, c.Content, c.Language, string(c.ContentType), c.StartLine, c.EndLine, vec, time.Now().UTC())
	}

	br := tx.SendBatch(ctx, batch)
	for range chunks {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("upsert chunk batch: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	return tx.Commit(ctx)
}

// VectorSearch returns the k nearest neighbors by cosine distance, excluding
// any hit whose similarity falls below filter.Threshold when set.
func (b *RelationalBackend) VectorSearch(ctx context.Context, query []float32, k int, filter *Filter) ([]SearchResult, error) {
	whereClause, args := filterClause(filter, 2)
	args = append([]interface{}{pgvector.NewVector(query)}, args...)

	thresholdClause := ""
	if filter != nil && filter.Threshold > 0 {
		args = append(args, filter.Threshold)
		thresholdClause = fmt.Sprintf(" AND (1 - (embedding <=> $1)) >= $%d", len(args))
	}

	args = append(args, k)

	sql := fmt.Sprintf(`
		SELECT id, 1 - (embedding <=> $1) AS score
		FROM chunks
		WHERE embedding IS NOT NULL %s%s
		ORDER BY embedding <=> $1
		LIMIT $%d
	`, whereClause, thresholdClause, len(args))

	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	rank := 0
	for rows.Next() {
		rank++
		var r SearchResult
		if err := rows.Scan(&r.ChunkID, &r.Score); err != nil {
			return nil, err
		}
		r.Rank = rank
		results = append(results, r)
	}
	return results, rows.Err()
}

// KeywordSearch runs a full-text query against the GIN tsvector index,
// ranked by ts_rank.
func (b *RelationalBackend) KeywordSearch(ctx context.Context, query string, limit int, filter *Filter) ([]SearchResult, error) {
	whereClause, args := filterClause(filter, 2)
	args = append([]interface{}{query}, args...)
	args = append(args, limit)

	sql := fmt.Sprintf(`
		SELECT id, ts_rank(content_tsv, plainto_tsquery('simple', $1)) AS score
		FROM chunks
		WHERE content_tsv @@ plainto_tsquery('simple', $1) %s
		ORDER BY score DESC
		LIMIT $%d
	`, whereClause, len(args))

	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	rank := 0
	for rows.Next() {
		rank++
		var r SearchResult
		if err := rows.Scan(&r.ChunkID, &r.Score); err != nil {
			return nil, err
		}
		r.Rank = rank
		results = append(results, r)
	}
	return results, rows.Err()
}

// filterClause builds a SQL fragment (and its positional args, starting at
// startArg) applying the optional filter's restrictions.
func filterClause(filter *Filter, startArg int) (string, []interface{}) {
	if filter == nil {
		return "", nil
	}

	var clauses []string
	var args []interface{}
	n := startArg

	if filter.ProjectID != "" {
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", n))
		args = append(args, filter.ProjectID)
		n++
	}
	if filter.PathPrefix != "" {
		clauses = append(clauses, fmt.Sprintf("file_path LIKE $%d", n))
		args = append(args, filter.PathPrefix+"%")
		n++
	}
	if len(filter.Languages) > 0 {
		clauses = append(clauses, fmt.Sprintf("language = ANY($%d)", n))
		args = append(args, filter.Languages)
		n++
	}
	if len(filter.ContentTypes) > 0 {
		types := make([]string, len(filter.ContentTypes))
		for i, t := range filter.ContentTypes {
			types[i] = string(t)
		}
		clauses = append(clauses, fmt.Sprintf("content_type = ANY($%d)", n))
		args = append(args, types)
		n++
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// GetByID fetches chunks by ID for reranking or result hydration.
func (b *RelationalBackend) GetByID(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := b.pool.Query(ctx, `
		SELECT id, file_id, file_path, content, language, content_type, start_line, end_line, created_at, updated_at
		FROM chunks WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var contentType string
		if err := rows.Scan(&c.ID, &c.FileID, &c.FilePath, &c.Content, &c.Language, &contentType,
			&c.StartLine, &c.EndLine, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.ContentType = ContentType(contentType)
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// GetCount returns the number of chunks stored, optionally narrowed by
// filter.
func (b *RelationalBackend) GetCount(ctx context.Context, filter *Filter) (int, error) {
	whereClause, args := filterClause(filter, 1)
	sql := "SELECT COUNT(*) FROM chunks"
	if whereClause != "" {
		sql += " WHERE " + strings.TrimPrefix(whereClause, " AND ")
	}

	var count int
	err := b.pool.QueryRow(ctx, sql, args...).Scan(&count)
	return count, err
}

// Delete removes chunks by ID.
func (b *RelationalBackend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := b.pool.Exec(ctx, `DELETE FROM chunks WHERE id = ANY($1)`, ids)
	return err
}

// Reset truncates the chunks table, used by a forced reindex.
func (b *RelationalBackend) Reset(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `TRUNCATE TABLE chunks`)
	return err
}

// GetEmbeddingMetadata returns the embedding configuration the index was
// built with.
func (b *RelationalBackend) GetEmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, error) {
	var model, provider string
	var dims int

	row := b.pool.QueryRow(ctx, `SELECT value FROM kv_state WHERE key = $1`, StateKeyIndexModel)
	if err := row.Scan(&model); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	dimRow := b.pool.QueryRow(ctx, `SELECT value FROM kv_state WHERE key = $1`, StateKeyIndexDimension)
	var dimStr string
	if err := dimRow.Scan(&dimStr); err == nil {
		_, _ = fmt.Sscanf(dimStr, "%d", &dims)
	}

	return &EmbeddingMetadata{Provider: provider, Model: model, Dimensions: dims}, nil
}

// SetEmbeddingMetadata records the embedding configuration for the current
// index.
func (b *RelationalBackend) SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	upsert := `
		INSERT INTO kv_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`
	if _, err := tx.Exec(ctx, upsert, StateKeyIndexModel, meta.Model); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, upsert, StateKeyIndexDimension, fmt.Sprintf("%d", meta.Dimensions)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IsInitialized reports whether Initialize has successfully run.
func (b *RelationalBackend) IsInitialized(ctx context.Context) (bool, error) {
	var exists bool
	err := b.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_tables WHERE tablename = 'chunks')`).Scan(&exists)
	return exists, err
}

// Close releases the connection pool.
func (b *RelationalBackend) Close() error {
	b.pool.Close()
	return nil
}

// PoolStats reports the connection pool's current size, checked-out
// (in-use) connections, idle connections, and configured maximum, for
// the health surface's relational-backend report.
func (b *RelationalBackend) PoolStats() PoolStats {
	stat := b.pool.Stat()
	return PoolStats{
		Size:     stat.TotalConns(),
		InUse:    stat.AcquiredConns(),
		Idle:     stat.IdleConns(),
		MaxConns: stat.MaxConns(),
	}
}
