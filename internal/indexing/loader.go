package indexing

import (
	"context"
	"fmt"
	"runtime"

	"github.com/ragwell/ragwell/internal/scanner"
)

// LoadOptions configures a DocumentLoader's enumeration of a project root.
type LoadOptions struct {
	// Include lists glob patterns to restrict enumeration to (empty = all).
	Include []string

	// Exclude lists glob patterns to skip.
	Exclude []string

	// RespectGitignore honors .gitignore rules found under root.
	RespectGitignore bool

	// Workers bounds enumeration concurrency (0 = runtime.NumCPU()).
	Workers int
}

// LoadResult is one discovered file, or a per-file error that should be
// recorded as a warning rather than aborting the run.
type LoadResult struct {
	File *scanner.FileInfo
	Err  error
}

// DocumentLoader enumerates the files a run should index. The pipeline
// only consumes this interface, so a project can swap the default local
// filesystem walk for another source (a remote tree, a VCS snapshot)
// without touching the chunk/embed/upsert stages.
type DocumentLoader interface {
	Load(ctx context.Context, root string, opts LoadOptions) (<-chan LoadResult, error)
}

// localLoader is the default DocumentLoader: a filesystem walk via the
// scanner package, honoring include/exclude globs and .gitignore.
type localLoader struct {
	scanner *scanner.Scanner
}

// NewLocalLoader creates the default filesystem-backed DocumentLoader.
func NewLocalLoader() (DocumentLoader, error) {
	s, err := scanner.New()
	if err != nil {
		return nil, fmt.Errorf("create scanner: %w", err)
	}
	return &localLoader{scanner: s}, nil
}

func (l *localLoader) Load(ctx context.Context, root string, opts LoadOptions) (<-chan LoadResult, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	results, err := l.scanner.Scan(ctx, &scanner.ScanOptions{
		RootDir:          root,
		IncludePatterns:  opts.Include,
		ExcludePatterns:  opts.Exclude,
		RespectGitignore: opts.RespectGitignore,
		Workers:          workers,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan LoadResult, workers*10)
	go func() {
		defer close(out)
		for r := range results {
			out <- LoadResult{File: r.File, Err: r.Error}
		}
	}()
	return out, nil
}
