// Package indexing provides indexing operations including the Runner for reusable indexing logic.
package indexing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ragwell/ragwell/internal/chunk"
	"github.com/ragwell/ragwell/internal/config"
	"github.com/ragwell/ragwell/internal/embed"
	"github.com/ragwell/ragwell/internal/scanner"
	"github.com/ragwell/ragwell/internal/storage"
)

// ProgressStage identifies which phase of the indexing pipeline a
// ProgressEvent describes.
type ProgressStage string

const (
	StageScanning   ProgressStage = "scanning"
	StageChunking   ProgressStage = "chunking"
	StageContextual ProgressStage = "contextual"
	StageEmbedding  ProgressStage = "embedding"
	StageIndexing   ProgressStage = "indexing"
)

// ProgressEvent reports incremental progress within a stage.
type ProgressEvent struct {
	Stage       ProgressStage
	Current     int
	Total       int
	Message     string
	CurrentFile string
}

// ErrorEvent reports a per-file error or warning encountered during a run.
type ErrorEvent struct {
	File   string
	Err    error
	IsWarn bool
}

// StageTimings breaks down how long each pipeline stage took.
type StageTimings struct {
	Scan    time.Duration
	Chunk   time.Duration
	Context time.Duration
	Embed   time.Duration
	Index   time.Duration
}

// EmbedderInfo summarizes the embedding backend used for a run.
type EmbedderInfo struct {
	Backend    string
	Model      string
	Dimensions int
}

// CompletionStats summarizes a finished indexing run.
type CompletionStats struct {
	Files    int
	Chunks   int
	Duration time.Duration
	Errors   int
	Warnings int
	Stages   StageTimings
	Embedder EmbedderInfo
}

// ProgressReporter receives progress notifications from a Runner. The job
// queue's worker implements this to keep a Job's recorded progress current
// as the run advances through its stages.
type ProgressReporter interface {
	UpdateProgress(ProgressEvent)
	AddError(ErrorEvent)
	Complete(CompletionStats)
}

// NoopReporter discards all progress notifications.
type NoopReporter struct{}

func (NoopReporter) UpdateProgress(ProgressEvent) {}
func (NoopReporter) AddError(ErrorEvent)          {}
func (NoopReporter) Complete(CompletionStats)     {}

// RunnerConfig configures an indexing run.
type RunnerConfig struct {
	// RootDir is the project root directory to index.
	RootDir string

	// DataDir is the .ragwell data directory (defaults to RootDir/.ragwell).
	DataDir string

	// Offline uses static embeddings instead of neural embedder.
	Offline bool

	// ResumeFromCheckpoint is the number of chunks already embedded (for resume).
	ResumeFromCheckpoint int

	// CheckpointModel is the embedder model name from checkpoint (for validation).
	CheckpointModel string

	// InterBatchDelay is the cooling delay between embedding batches.
	InterBatchDelay time.Duration
}

// RunnerResult contains the outcome of an indexing operation.
type RunnerResult struct {
	// Files is the number of files indexed.
	Files int

	// Chunks is the number of chunks created.
	Chunks int

	// Duration is the total indexing time.
	Duration time.Duration

	// Errors is the count of fatal errors.
	Errors int

	// Warnings is the count of non-fatal warnings.
	Warnings int

	// Resumed indicates if this was a resumed operation.
	Resumed bool
}

// RunnerDependencies contains the injected dependencies for Runner.
type RunnerDependencies struct {
	// Reporter for progress display (required).
	Reporter ProgressReporter

	// Config is the loaded project configuration (required).
	Config *config.Config

	// Backend is the storage backend chunks, embeddings, and keyword
	// postings are upserted into (required). Both the embedded and
	// relational backends satisfy this, so a Runner built against one
	// works unmodified against the other.
	Backend storage.Backend

	// Metadata is the optional chunk/file bookkeeping store used for
	// checkpoint/resume, project stats, contextual-enrichment save-back,
	// and gitignore reconciliation state. The embedded backend keeps one
	// internally (obtain it via storage.MetadataProvider); the relational
	// backend does not, in which case Metadata is nil and the Runner
	// degrades gracefully: no resume, no project/file tracking, but the
	// core scan/chunk/embed/upsert pipeline still runs to completion.
	Metadata storage.MetadataStore

	// Embedder for generating embeddings.
	Embedder embed.Embedder

	// CodeChunker for chunking code files.
	CodeChunker chunk.Chunker

	// MarkdownChunker for chunking markdown files.
	MarkdownChunker chunk.Chunker

	// Loader enumerates files under the project root. Defaults to the
	// local filesystem loader when nil.
	Loader DocumentLoader
}

// Runner executes indexing operations with progress reporting.
// It accepts injected dependencies for testability and reusability.
type Runner struct {
	renderer        ProgressReporter
	config          *config.Config
	backend         storage.Backend
	metadata        storage.MetadataStore
	embedder        embed.Embedder
	codeChunker     chunk.Chunker
	markdownChunker chunk.Chunker
	loader          DocumentLoader
}

// NewRunner creates a Runner with injected dependencies.
func NewRunner(deps RunnerDependencies) (*Runner, error) {
	if deps.Reporter == nil {
		return nil, fmt.Errorf("progress reporter is required")
	}
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	metadata := deps.Metadata
	if metadata == nil {
		if mp, ok := deps.Backend.(storage.MetadataProvider); ok {
			metadata = mp.Metadata()
		}
	}

	// Use provided chunkers or create defaults
	codeChunker := deps.CodeChunker
	if codeChunker == nil {
		codeChunker = chunk.NewCodeChunker()
	}

	markdownChunker := deps.MarkdownChunker
	if markdownChunker == nil {
		markdownChunker = chunk.NewMarkdownChunker()
	}

	loader := deps.Loader
	if loader == nil {
		var err error
		loader, err = NewLocalLoader()
		if err != nil {
			return nil, fmt.Errorf("create default document loader: %w", err)
		}
	}

	return &Runner{
		renderer:        deps.Reporter,
		config:          deps.Config,
		backend:         deps.Backend,
		metadata:        metadata,
		embedder:        deps.Embedder,
		codeChunker:     codeChunker,
		markdownChunker: markdownChunker,
		loader:          loader,
	}, nil
}

// Closer is an optional interface for chunkers that need cleanup.
type Closer interface {
	Close()
}

// Close releases resources held by the Runner.
func (r *Runner) Close() error {
	// Close chunkers if they implement Closer
	if c, ok := r.codeChunker.(Closer); ok {
		c.Close()
	}
	if c, ok := r.markdownChunker.(Closer); ok {
		c.Close()
	}
	return nil
}

// stageTiming tracks duration for each indexing stage.
type stageTiming struct {
	scan    time.Duration
	chunk   time.Duration
	context time.Duration
	embed   time.Duration
	index   time.Duration
}

// Run executes the full indexing pipeline.
func (r *Runner) Run(ctx context.Context, cfg RunnerConfig) (*RunnerResult, error) {
	startTime := time.Now()
	var errorCount, warnCount int
	var timing stageTiming

	root := cfg.RootDir
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(root, ".ragwell")
	}

	// Create project ID
	projectID := hashString(root)
	now := time.Now()

	// Save project metadata first (needed for foreign key constraints),
	// when a metadata store is available.
	if r.metadata != nil {
		project := &storage.Project{
			ID:          projectID,
			Name:        filepath.Base(root),
			RootPath:    root,
			ProjectType: string(config.DetectProjectType(root)),
			FileCount:   0,
			ChunkCount:  0,
			IndexedAt:   now,
			Version:     fmt.Sprintf("%d", storage.CurrentSchemaVersion),
		}
		if err := r.metadata.SaveProject(ctx, project); err != nil {
			return nil, fmt.Errorf("failed to save project: %w", err)
		}
	}

	// Stage 1: Scan files
	scanStart := time.Now()
	files, err := r.scanFiles(ctx, root)
	if err != nil {
		return nil, err
	}
	timing.scan = time.Since(scanStart)
	warnCount += r.getWarningCount(files)

	if len(files) == 0 {
		return &RunnerResult{
			Files:    0,
			Chunks:   0,
			Duration: time.Since(startTime),
			Warnings: warnCount,
		}, nil
	}

	// Stage 2: Chunk files
	chunkStart := time.Now()
	allChunks, storeFiles, chunkWarns := r.chunkFiles(ctx, files, projectID, now)
	timing.chunk = time.Since(chunkStart)
	warnCount += chunkWarns

	if len(allChunks) == 0 {
		return &RunnerResult{
			Files:    len(files),
			Chunks:   0,
			Duration: time.Since(startTime),
			Warnings: warnCount,
		}, nil
	}

	// Save files and chunks to metadata, when available (enables checkpoint/resume).
	if r.metadata != nil {
		if err := r.metadata.SaveFiles(ctx, storeFiles); err != nil {
			return nil, fmt.Errorf("failed to save files: %w", err)
		}
	}

	storeChunks := make([]*storage.Chunk, len(allChunks))
	for i, c := range allChunks {
		storeChunks[i] = convertChunkToStore(c, storeFiles, now)
	}
	if r.metadata != nil {
		if err := r.metadata.SaveChunks(ctx, storeChunks); err != nil {
			return nil, fmt.Errorf("failed to save chunks: %w", err)
		}
	}

	// Stage 3: Contextual enrichment (CR-1)
	if r.config.Contextual.Enabled && cfg.ResumeFromCheckpoint == 0 {
		contextStart := time.Now()
		if err := r.enrichWithContext(ctx, storeChunks); err != nil {
			slog.Warn("contextual enrichment failed, continuing with original content",
				slog.String("error", err.Error()))
		}
		timing.context = time.Since(contextStart)

		// Save enriched chunks back to metadata, when available.
		if r.metadata != nil {
			if err := r.metadata.SaveChunks(ctx, storeChunks); err != nil {
				slog.Warn("failed to save enriched chunks, search will use original content",
					slog.String("error", err.Error()))
			}
		}
	}

	// Stage 4: Generate embeddings
	embedStart := time.Now()
	currentModel := r.embedder.ModelName()
	embeddings, err := r.generateEmbeddings(ctx, allChunks, cfg, currentModel)
	if err != nil {
		return nil, err
	}
	timing.embed = time.Since(embedStart)

	// Stage 5: Build indices
	indexStart := time.Now()
	if err := r.buildIndices(ctx, storeChunks, embeddings, currentModel); err != nil {
		return nil, err
	}
	timing.index = time.Since(indexStart)

	// Update project stats and checkpoint/bookkeeping state, when a
	// metadata store is available.
	if r.metadata != nil {
		if err := r.metadata.UpdateProjectStats(ctx, projectID, len(storeFiles), len(allChunks)); err != nil {
			return nil, fmt.Errorf("failed to update project stats: %w", err)
		}

		// Clear checkpoint on successful completion
		if err := r.metadata.ClearIndexCheckpoint(ctx); err != nil {
			slog.Warn("failed to clear checkpoint", slog.String("error", err.Error()))
		}

		// Mark index as using content-addressable chunk IDs (BUG-052)
		if err := r.metadata.SetState(ctx, storage.StateKeyChunkIDVersion, storage.ChunkIDVersionContent); err != nil {
			slog.Warn("failed to save chunk ID version", slog.String("error", err.Error()))
		}

		// Save gitignore hash for startup reconciliation (BUG-053)
		gitignoreHash, err := ComputeGitignoreHash(root)
		if err != nil {
			slog.Warn("failed to compute gitignore hash", slog.String("error", err.Error()))
		} else {
			if err := r.metadata.SetState(ctx, GitignoreHashKey, gitignoreHash); err != nil {
				slog.Warn("failed to save gitignore hash", slog.String("error", err.Error()))
			}
		}
	}

	// BUG-042: Store embedding dimension and model for mismatch detection at search time
	if err := r.storeIndexEmbeddingInfo(ctx); err != nil {
		slog.Warn("failed to store index embedding info", slog.String("error", err.Error()))
	}

	duration := time.Since(startTime)

	// Get embedder info for logging and display
	embedderInfo := embed.GetInfo(ctx, r.embedder)

	// Complete
	r.renderer.Complete(CompletionStats{
		Files:    len(storeFiles),
		Chunks:   len(allChunks),
		Duration: duration,
		Errors:   errorCount,
		Warnings: warnCount,
		Stages: StageTimings{
			Scan:    timing.scan,
			Chunk:   timing.chunk,
			Context: timing.context,
			Embed:   timing.embed,
			Index:   timing.index,
		},
		Embedder: EmbedderInfo{
			Backend:    string(embedderInfo.Provider),
			Model:      embedderInfo.Model,
			Dimensions: embedderInfo.Dimensions,
		},
	})

	// Enhanced logging with stage timings and backend info
	chunksPerSec := 0.0
	if timing.embed.Seconds() > 0 {
		chunksPerSec = float64(len(allChunks)) / timing.embed.Seconds()
	}

	slog.Info("index_complete",
		slog.Int("files", len(storeFiles)),
		slog.Int("chunks", len(allChunks)),
		slog.String("duration_total", duration.String()),
		slog.Int64("duration_total_ms", duration.Milliseconds()),
		slog.Int64("duration_scan_ms", timing.scan.Milliseconds()),
		slog.Int64("duration_chunk_ms", timing.chunk.Milliseconds()),
		slog.Int64("duration_context_ms", timing.context.Milliseconds()),
		slog.Int64("duration_embed_ms", timing.embed.Milliseconds()),
		slog.Int64("duration_index_ms", timing.index.Milliseconds()),
		slog.String("embedder_backend", string(embedderInfo.Provider)),
		slog.String("embedder_model", embedderInfo.Model),
		slog.Int("embedder_dimensions", embedderInfo.Dimensions),
		slog.Float64("chunks_per_sec", chunksPerSec),
		slog.String("path", root))

	return &RunnerResult{
		Files:    len(storeFiles),
		Chunks:   len(allChunks),
		Duration: duration,
		Errors:   errorCount,
		Warnings: warnCount,
		Resumed:  cfg.ResumeFromCheckpoint > 0,
	}, nil
}

// scanFiles scans the project directory for indexable files.
func (r *Runner) scanFiles(ctx context.Context, root string) ([]*scanner.FileInfo, error) {
	r.renderer.UpdateProgress(ProgressEvent{
		Stage:   StageScanning,
		Message: fmt.Sprintf("Scanning %s...", root),
	})
	slog.Info("index_scan_started", slog.String("path", root))

	excludePatterns := append(r.config.Paths.Exclude, "**/.ragwell/**")

	results, err := r.loader.Load(ctx, root, LoadOptions{
		Include:          r.config.Paths.Include,
		Exclude:          excludePatterns,
		RespectGitignore: true,
		Workers:          runtime.NumCPU(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start scanning: %w", err)
	}

	var files []*scanner.FileInfo
	for result := range results {
		if result.Err != nil {
			var path string
			if result.File != nil {
				path = result.File.Path
			}
			r.renderer.AddError(ErrorEvent{
				File:   path,
				Err:    result.Err,
				IsWarn: true,
			})
			continue
		}
		files = append(files, result.File)
	}

	slog.Info("index_scan_complete",
		slog.Int("files", len(files)))
	return files, nil
}

// getWarningCount returns the number of warnings from scan results (currently 0 since we don't track).
func (r *Runner) getWarningCount(files []*scanner.FileInfo) int {
	return 0 // Warnings are tracked via renderer.AddError
}

// chunkFiles processes files and creates chunks.
func (r *Runner) chunkFiles(ctx context.Context, files []*scanner.FileInfo, projectID string, now time.Time) ([]*chunk.Chunk, []*storage.File, int) {
	var allChunks []*chunk.Chunk
	var storeFiles []*storage.File
	var warnCount int
	totalFiles := len(files)

	r.renderer.UpdateProgress(ProgressEvent{
		Stage: StageChunking,
		Total: totalFiles,
	})

	for i, file := range files {
		r.renderer.UpdateProgress(ProgressEvent{
			Stage:       StageChunking,
			Current:     i + 1,
			Total:       totalFiles,
			CurrentFile: file.Path,
		})

		// Read file content
		content, err := os.ReadFile(file.AbsPath)
		if err != nil {
			r.renderer.AddError(ErrorEvent{
				File:   file.Path,
				Err:    fmt.Errorf("failed to read: %w", err),
				IsWarn: true,
			})
			warnCount++
			continue
		}

		// Create store file record
		storeFile := &storage.File{
			ID:          hashString(file.Path),
			ProjectID:   projectID,
			Path:        file.Path,
			Size:        file.Size,
			ModTime:     file.ModTime,
			ContentHash: hashString(string(content)),
			Language:    file.Language,
			ContentType: string(file.ContentType),
			IndexedAt:   now,
		}
		storeFiles = append(storeFiles, storeFile)

		// Chunk the file based on content type
		input := &chunk.FileInput{
			Path:     file.Path,
			Content:  content,
			Language: file.Language,
		}

		var chunks []*chunk.Chunk
		switch file.ContentType {
		case scanner.ContentTypeCode:
			chunks, err = r.codeChunker.Chunk(ctx, input)
		case scanner.ContentTypeMarkdown:
			chunks, err = r.markdownChunker.Chunk(ctx, input)
		default:
			continue
		}

		if err != nil {
			r.renderer.AddError(ErrorEvent{
				File:   file.Path,
				Err:    fmt.Errorf("failed to chunk: %w", err),
				IsWarn: true,
			})
			warnCount++
			continue
		}

		allChunks = append(allChunks, chunks...)
	}

	slog.Info("index_chunking_complete", slog.Int("chunks", len(allChunks)), slog.Int("files", len(storeFiles)))
	return allChunks, storeFiles, warnCount
}

// enrichWithContext adds LLM-generated context to chunks (CR-1 Contextual Retrieval).
func (r *Runner) enrichWithContext(ctx context.Context, chunks []*storage.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	r.renderer.UpdateProgress(ProgressEvent{
		Stage:   StageContextual,
		Message: "Generating contextual descriptions...",
		Total:   len(chunks),
	})

	// Create context generator based on config
	var gen ContextGenerator
	if r.config.Contextual.FallbackOnly {
		gen = NewPatternContextGenerator(r.config)
		slog.Info("contextual_using_pattern_fallback",
			slog.Bool("code_chunks", r.config.Contextual.CodeChunks))
	} else {
		llmGen, err := NewLLMContextGenerator(ContextGeneratorConfig{
			OllamaHost: r.config.Embeddings.OllamaHost,
			Model:      r.config.Contextual.Model,
			Timeout:    r.config.Contextual.Timeout,
			BatchSize:  r.config.Contextual.BatchSize,
		})
		if err != nil || !llmGen.Available(ctx) {
			slog.Info("contextual_llm_unavailable_using_pattern",
				slog.String("model", r.config.Contextual.Model),
				slog.Bool("code_chunks", r.config.Contextual.CodeChunks))
			gen = NewPatternContextGenerator(r.config)
		} else {
			gen = NewHybridContextGenerator(llmGen, r.config)
			slog.Info("contextual_using_llm",
				slog.String("model", r.config.Contextual.Model),
				slog.Bool("code_chunks", r.config.Contextual.CodeChunks))
		}
	}
	defer func() { _ = gen.Close() }()

	// Group chunks by file for prompt caching optimization
	chunksByFile := GroupChunksByFile(chunks)
	processed := 0

	for filePath, fileChunks := range chunksByFile {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		docContext := ExtractDocumentContext(fileChunks)
		contexts, err := gen.GenerateBatch(ctx, fileChunks, docContext)
		if err != nil {
			slog.Debug("contextual_batch_failed",
				slog.String("file", filePath),
				slog.String("error", err.Error()))
			continue
		}

		for i, c := range fileChunks {
			if i < len(contexts) && contexts[i] != "" {
				EnrichChunkWithContext(c, contexts[i])
			}
		}

		processed += len(fileChunks)
		r.renderer.UpdateProgress(ProgressEvent{
			Stage:   StageContextual,
			Current: processed,
			Total:   len(chunks),
		})
	}

	slog.Info("contextual_enrichment_complete",
		slog.Int("chunks", len(chunks)),
		slog.String("generator", gen.ModelName()))

	return nil
}

// generateEmbeddings creates embeddings for all chunks with checkpointing
// (when a metadata store is available) and returns every chunk's embedding
// keyed by chunk ID.
func (r *Runner) generateEmbeddings(ctx context.Context, chunks []*chunk.Chunk, cfg RunnerConfig, currentModel string) (map[string][]float32, error) {
	const embeddingBatchSize = 32

	// Validate embedder model matches checkpoint (BUG-053)
	if cfg.ResumeFromCheckpoint > 0 && cfg.CheckpointModel != "" && cfg.CheckpointModel != currentModel {
		return nil, fmt.Errorf("embedder mismatch on resume: checkpoint used '%s', but current embedder is '%s'. "+
			"Use --force to rebuild the index from scratch, or ensure the original embedder is available",
			cfg.CheckpointModel, currentModel)
	}

	startFromChunk := 0
	if r.metadata != nil && cfg.ResumeFromCheckpoint > 0 && cfg.ResumeFromCheckpoint < len(chunks) {
		startFromChunk = cfg.ResumeFromCheckpoint
		r.embedder.SetBatchIndex(startFromChunk / embeddingBatchSize)
		slog.Info("resume_embedding",
			slog.Int("skip_chunks", startFromChunk),
			slog.Int("total_chunks", len(chunks)),
			slog.Int("batch_index", startFromChunk/embeddingBatchSize))
	}

	embeddings := make(map[string][]float32, len(chunks))

	// When resuming, previously-embedded chunks already have their vectors
	// persisted to metadata; recover those before generating the rest.
	if startFromChunk > 0 && r.metadata != nil {
		previous, err := r.metadata.GetAllEmbeddings(ctx)
		if err != nil {
			slog.Warn("failed to load previously checkpointed embeddings", slog.String("error", err.Error()))
		} else {
			for id, emb := range previous {
				embeddings[id] = emb
			}
		}
	}

	if r.metadata != nil {
		if err := r.metadata.SaveIndexCheckpoint(ctx, "embedding", len(chunks), startFromChunk, currentModel); err != nil {
			slog.Warn("failed to save checkpoint", slog.String("error", err.Error()))
		}
	}

	r.renderer.UpdateProgress(ProgressEvent{
		Stage:   StageEmbedding,
		Current: startFromChunk,
		Total:   len(chunks),
	})

	modelName := r.embedder.ModelName()
	embeddedCount := startFromChunk

	for batchStart := startFromChunk; batchStart < len(chunks); batchStart += embeddingBatchSize {
		select {
		case <-ctx.Done():
			slog.Info("index_interrupted",
				slog.Int("embedded", embeddedCount),
				slog.Int("total", len(chunks)))
			return nil, fmt.Errorf("indexing interrupted at %d/%d chunks: %w", embeddedCount, len(chunks), ctx.Err())
		default:
		}

		batchEnd := batchStart + embeddingBatchSize
		if batchEnd > len(chunks) {
			batchEnd = len(chunks)
		}
		batchChunks := chunks[batchStart:batchEnd]

		batchContents := make([]string, len(batchChunks))
		batchIDs := make([]string, len(batchChunks))
		for i, c := range batchChunks {
			batchContents[i] = c.Content
			batchIDs[i] = c.ID
		}

		// Mark final batch for timeout boost (BUG-050)
		if batchEnd >= len(chunks) {
			r.embedder.SetFinalBatch(true)
		}

		batchEmbeddings, err := r.embedder.EmbedBatch(ctx, batchContents)
		if err != nil {
			return nil, fmt.Errorf("failed to generate embeddings for batch %d-%d: %w", batchStart, batchEnd, err)
		}

		for i, id := range batchIDs {
			embeddings[id] = batchEmbeddings[i]
		}

		if r.metadata != nil {
			if err := r.metadata.SaveChunkEmbeddings(ctx, batchIDs, batchEmbeddings, modelName); err != nil {
				return nil, fmt.Errorf("failed to save embeddings: %w", err)
			}
		}

		embeddedCount += len(batchChunks)

		if r.metadata != nil {
			if err := r.metadata.SaveIndexCheckpoint(ctx, "embedding", len(chunks), embeddedCount, currentModel); err != nil {
				slog.Warn("failed to save checkpoint", slog.String("error", err.Error()))
			}
		}

		r.renderer.UpdateProgress(ProgressEvent{
			Stage:   StageEmbedding,
			Current: embeddedCount,
			Total:   len(chunks),
		})

		// Inter-batch cooling delay (thermal management)
		if cfg.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.InterBatchDelay):
			}
		}
	}

	return embeddings, nil
}

// buildIndices upserts chunks, their content, and their embeddings into the
// storage backend. Both the embedded and relational backends implement
// Upsert, so this stage is identical regardless of which one is configured.
func (r *Runner) buildIndices(ctx context.Context, chunks []*storage.Chunk, embeddings map[string][]float32, currentModel string) error {
	r.renderer.UpdateProgress(ProgressEvent{
		Stage:   StageIndexing,
		Message: "Building search indices...",
	})

	if r.metadata != nil {
		if err := r.metadata.SaveIndexCheckpoint(ctx, "indexing", len(chunks), len(chunks), currentModel); err != nil {
			slog.Warn("failed to save checkpoint", slog.String("error", err.Error()))
		}
	}

	// Fill any embeddings missing from this run's batch (e.g. chunks
	// embedded during an earlier, interrupted run and only recoverable
	// through metadata) and regenerate any still missing (BUG-052).
	var missingChunks []*storage.Chunk
	for _, c := range chunks {
		if _, ok := embeddings[c.ID]; !ok {
			missingChunks = append(missingChunks, c)
		}
	}

	if len(missingChunks) > 0 && r.metadata != nil {
		persisted, err := r.metadata.GetAllEmbeddings(ctx)
		if err == nil {
			var stillMissing []*storage.Chunk
			for _, c := range missingChunks {
				if emb, ok := persisted[c.ID]; ok {
					embeddings[c.ID] = emb
				} else {
					stillMissing = append(stillMissing, c)
				}
			}
			missingChunks = stillMissing
		}
	}

	if len(missingChunks) > 0 {
		slog.Warn("regenerating missing embeddings",
			slog.Int("count", len(missingChunks)),
			slog.String("first_chunk", missingChunks[0].ID))

		missingContents := make([]string, len(missingChunks))
		missingIDs := make([]string, len(missingChunks))
		for i, c := range missingChunks {
			missingContents[i] = c.Content
			missingIDs[i] = c.ID
		}

		regenerated, err := r.embedder.EmbedBatch(ctx, missingContents)
		if err != nil {
			return fmt.Errorf("failed to regenerate %d missing embeddings: %w", len(missingChunks), err)
		}

		if r.metadata != nil {
			if err := r.metadata.SaveChunkEmbeddings(ctx, missingIDs, regenerated, r.embedder.ModelName()); err != nil {
				slog.Warn("failed to save regenerated embeddings", slog.String("error", err.Error()))
			}
		}

		for i, id := range missingIDs {
			embeddings[id] = regenerated[i]
		}

		slog.Info("regenerated missing embeddings", slog.Int("count", len(missingChunks)))
	}

	if err := r.backend.Upsert(ctx, chunks, embeddings); err != nil {
		return fmt.Errorf("failed to upsert chunks into storage backend: %w", err)
	}

	if err := r.backend.SetEmbeddingMetadata(ctx, storage.EmbeddingMetadata{
		Model:      r.embedder.ModelName(),
		Dimensions: r.embedder.Dimensions(),
	}); err != nil {
		slog.Warn("failed to record embedding metadata on backend", slog.String("error", err.Error()))
	}

	return nil
}

// storeIndexEmbeddingInfo saves the current embedder's dimension and model to metadata.
// BUG-042: This enables detection of dimension mismatch when embedder changes at search time.
// Without this, searching with a different embedder produces incorrect results silently.
func (r *Runner) storeIndexEmbeddingInfo(ctx context.Context) error {
	if r.metadata == nil {
		return nil
	}

	dim := fmt.Sprintf("%d", r.embedder.Dimensions())
	model := r.embedder.ModelName()

	if err := r.metadata.SetState(ctx, storage.StateKeyIndexDimension, dim); err != nil {
		return fmt.Errorf("failed to store index dimension: %w", err)
	}
	if err := r.metadata.SetState(ctx, storage.StateKeyIndexModel, model); err != nil {
		return fmt.Errorf("failed to store index model: %w", err)
	}

	slog.Info("index_embedding_info_stored",
		slog.String("model", model),
		slog.Int("dimensions", r.embedder.Dimensions()))

	return nil
}

// hashString returns SHA256 hash of a string (first 16 chars).
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}

// convertChunkToStore converts a chunk.Chunk to storage.Chunk.
func convertChunkToStore(c *chunk.Chunk, files []*storage.File, now time.Time) *storage.Chunk {
	var fileID string
	for _, f := range files {
		if f.Path == c.FilePath {
			fileID = f.ID
			break
		}
	}

	var symbols []*storage.Symbol
	for _, s := range c.Symbols {
		symbols = append(symbols, &storage.Symbol{
			Name:       s.Name,
			Type:       storage.SymbolType(s.Type),
			StartLine:  s.StartLine,
			EndLine:    s.EndLine,
			Signature:  s.Signature,
			DocComment: s.DocComment,
		})
	}

	return &storage.Chunk{
		ID:          c.ID,
		FileID:      fileID,
		FilePath:    c.FilePath,
		Content:     c.Content,
		RawContent:  c.RawContent,
		Context:     c.Context,
		ContentType: storage.ContentType(c.ContentType),
		Language:    c.Language,
		StartLine:   c.StartLine,
		EndLine:     c.EndLine,
		Symbols:     symbols,
		Metadata:    c.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
