package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ragwell/ragwell/internal/chunk"
	"github.com/ragwell/ragwell/internal/config"
	"github.com/ragwell/ragwell/internal/embed"
	"github.com/ragwell/ragwell/internal/health"
	"github.com/ragwell/ragwell/internal/indexing"
	"github.com/ragwell/ragwell/internal/preflight"
	"github.com/ragwell/ragwell/internal/queue"
	"github.com/ragwell/ragwell/internal/ragerr"
	"github.com/ragwell/ragwell/internal/retrieval"
	"github.com/ragwell/ragwell/internal/server"
	"github.com/ragwell/ragwell/internal/storage"
)

func newServeCmd() *cobra.Command {
	var (
		skipChecks bool
		offline    bool
	)

	cmd := &cobra.Command{
		Use:   "serve [path]",
		Short: "Index and serve a project's retrieval engine over HTTP",
		Long: `serve loads .ragwell.yaml from the project directory (defaulting to the
current directory), opens its storage backend, and exposes the indexing
queue and hybrid retrieval pipeline over HTTP until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runServe(cmd.Context(), dir, skipChecks, offline)
		},
	}

	cmd.Flags().BoolVar(&skipChecks, "skip-checks", false, "Skip preflight environment checks")
	cmd.Flags().BoolVar(&offline, "offline", false, "Use static embeddings instead of a network embedder")
	return cmd
}

func runServe(ctx context.Context, dir string, skipChecks, offline bool) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve project path: %w", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		return ragerr.ConfigError(err.Error(), err)
	}

	dataDir := filepath.Join(root, ".ragwell")

	if !skipChecks && preflight.NeedsCheck(dataDir) {
		checker := preflight.New(preflight.WithOffline(offline), preflight.WithOutput(io.Discard))
		results := checker.RunAll(ctx, root)
		if checker.HasCriticalFailures(results) {
			checker = preflight.New(preflight.WithOffline(offline), preflight.WithVerbose(true))
			checker.PrintResults(results)
			return ragerr.New(ragerr.ErrCodeConfigInvalid, "preflight checks failed", nil)
		}
		if err := preflight.MarkPassed(dataDir); err != nil {
			slog.Warn("failed to write preflight marker", slog.String("error", err.Error()))
		}
	}

	provider := embed.ProviderType(cfg.Embedding.Provider)
	if offline {
		provider = embed.ProviderStatic
	}
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embedding.Model)
	if err != nil {
		return ragerr.BackendUnavailable("failed to initialize embedder", err)
	}
	defer embedder.Close()

	backendType := storage.BackendType(cfg.Storage.Backend)
	backend, err := storage.NewBackend(ctx, storage.FactoryConfig{
		Type:     backendType,
		DataDir:  dataDir,
		DSN:      relationalDSN(cfg),
		MaxConns: cfg.Storage.Relational.PoolSize,
	})
	if err != nil {
		return ragerr.BackendUnavailable(err.Error(), err)
	}
	defer backend.Close()

	if err := backend.Initialize(ctx, embedder.Dimensions()); err != nil {
		return ragerr.Wrap(ragerr.ErrCodeIndexFailed, err)
	}

	codeChunker := chunk.NewCodeChunker()
	defer codeChunker.Close()
	markdownChunker := chunk.NewMarkdownChunker()
	defer markdownChunker.Close()

	engineCfg := retrieval.EngineConfig{
		DefaultLimit: cfg.Query.Defaults.TopK,
		MaxLimit:     100,
		// alpha=1 means pure vector, alpha=0 means pure keyword: weight of
		// vector is alpha, weight of keyword is 1-alpha.
		DefaultWeights:      retrieval.Weights{BM25: 1 - cfg.Query.Defaults.Alpha, Semantic: cfg.Query.Defaults.Alpha},
		RRFConstant:         cfg.Query.Defaults.RRFK,
		SearchTimeout:       5 * time.Second,
		RerankLatencyBudget: time.Duration(cfg.Reranker.LatencyBudgetMs) * time.Millisecond,
		DefaultThreshold:    cfg.Query.Defaults.Threshold,
	}
	// Both backends satisfy storage.Backend; the engine and runner consume
	// it directly so query/index traffic is never restricted to one
	// concrete backend implementation.
	engine, err := retrieval.NewEngine(backend, embedder, engineCfg)
	if err != nil {
		return fmt.Errorf("build retrieval engine: %w", err)
	}
	defer engine.Close()

	q, err := queue.Open(dataDir, cfg.Queue.MaxSize, time.Duration(cfg.Queue.CompactionAgeHours)*time.Hour)
	if err != nil {
		return fmt.Errorf("open job queue: %w", err)
	}

	newRunner := func(reporter indexing.ProgressReporter) (*indexing.Runner, error) {
		return indexing.NewRunner(indexing.RunnerDependencies{
			Reporter:        reporter,
			Config:          cfg,
			Backend:         backend,
			Embedder:        embedder,
			CodeChunker:     codeChunker,
			MarkdownChunker: markdownChunker,
		})
	}

	jobTimeout := time.Duration(cfg.Queue.JobTimeoutSeconds) * time.Second
	worker := queue.NewWorker(q, jobTimeout, newRunner)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker.Start(runCtx)
	defer worker.Stop()

	metrics := health.NewMetrics()
	reporter := health.NewReporter(backend, cfg.Storage.Backend, string(provider), embedder, q, metrics)

	httpHandler := server.New(q, engine, backend, reporter, metrics)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: httpHandler,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ragwelld listening",
			slog.String("addr", httpServer.Addr),
			slog.String("project", root),
			slog.String("backend", string(backendType)))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-runCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("error during shutdown", slog.String("error", err.Error()))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// relationalDSN builds a Postgres DSN from the relational config section,
// reading the password from the environment variable it names. Empty when
// no relational host is configured; an unset password variable yields a
// DSN with an empty password.
func relationalDSN(cfg *config.Config) string {
	r := cfg.Storage.Relational
	if r.Host == "" {
		return ""
	}
	password := os.Getenv(r.PasswordEnv)
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", r.User, password, r.Host, r.Port, r.Database)
}
