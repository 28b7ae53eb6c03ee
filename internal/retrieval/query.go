package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// QueryMode selects which signals a Query call combines.
type QueryMode string

const (
	// QueryModeVector restricts the query to semantic (vector) search.
	QueryModeVector QueryMode = "vector"

	// QueryModeKeyword restricts the query to BM25 keyword search.
	QueryModeKeyword QueryMode = "keyword"

	// QueryModeHybrid combines BM25 and vector search via RRF (the
	// default Search behavior).
	QueryModeHybrid QueryMode = "hybrid"

	// QueryModeGraph combines BM25, vector, and a graph traversal seeded
	// by the hybrid results.
	QueryModeGraph QueryMode = "graph"

	// QueryModeMulti combines BM25, vector, and graph signals with equal
	// weight unless overridden in QueryParams.
	QueryModeMulti QueryMode = "multi"
)

// QueryParams configures a Query call beyond the base SearchOptions:
// alpha maps to signal weights in hybrid mode, and graph mode's traversal
// depth and weight are configurable independently of the keyword/semantic
// weights.
type QueryParams struct {
	SearchOptions

	// Alpha, when non-nil, sets the BM25 weight directly (Semantic weight
	// is 1-Alpha) for hybrid mode. Equivalent to SearchOptions.Weights but
	// expressed as the single dial common hybrid-search APIs expose.
	Alpha *float64

	// GraphDepth is how many hops the graph traversal follows from seed
	// chunks (default 1).
	GraphDepth int

	// GraphWeight is the RRF weight given to the graph signal in graph
	// and multi modes (default 0.2).
	GraphWeight float64
}

// Query runs a search restricted to, or combining, the signals named by
// mode. Hybrid is equivalent to Search; vector and keyword are Search with
// the other signal suppressed; graph and multi additionally fold in a
// GraphStore traversal as a third RRF signal.
func (e *Engine) Query(ctx context.Context, text string, mode QueryMode, params QueryParams) ([]*SearchResult, error) {
	opts := params.SearchOptions
	if params.Alpha != nil {
		// alpha=1 means pure vector, alpha=0 means pure keyword: weight of
		// vector is alpha, weight of keyword is 1-alpha.
		w := Weights{BM25: 1 - *params.Alpha, Semantic: *params.Alpha}
		opts.Weights = &w
	}

	switch mode {
	case QueryModeVector:
		w := Weights{BM25: 0, Semantic: 1}
		opts.Weights = &w
		return e.Search(ctx, text, opts)

	case QueryModeKeyword:
		opts.BM25Only = true
		return e.Search(ctx, text, opts)

	case QueryModeHybrid, "":
		return e.Search(ctx, text, opts)

	case QueryModeGraph, QueryModeMulti:
		return e.graphQuery(ctx, text, opts, params)

	default:
		return nil, fmt.Errorf("retrieval: unknown query mode %q", mode)
	}
}

// graphQuery handles QueryModeGraph and QueryModeMulti: it runs the hybrid
// BM25+vector search to establish seed chunks, traverses the graph signal
// from those seeds, and re-fuses all contributing signals with
// FuseSignals before enriching and returning results.
func (e *Engine) graphQuery(ctx context.Context, text string, opts SearchOptions, params QueryParams) ([]*SearchResult, error) {
	start := time.Now()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	opts = e.applyDefaults(opts)
	filter := e.searchFilter(opts)

	bm25Results, vecResults, searchErr := e.parallelSearch(ctx, text, opts.Limit*2, filter)
	if searchErr != nil && bm25Results == nil && vecResults == nil {
		return nil, searchErr
	}

	weights := opts.Weights
	if weights == nil {
		d := DefaultWeights()
		weights = &d
	}

	bm25Hits := make([]RankedHit, len(bm25Results))
	seeds := make([]string, 0, len(bm25Results)+len(vecResults))
	for i, r := range bm25Results {
		bm25Hits[i] = RankedHit{ID: r.ChunkID, Score: r.Score}
		seeds = append(seeds, r.ChunkID)
	}
	vecHits := make([]RankedHit, len(vecResults))
	for i, r := range vecResults {
		vecHits[i] = RankedHit{ID: r.ChunkID, Score: r.Score}
		seeds = append(seeds, r.ChunkID)
	}

	graphWeight := params.GraphWeight
	if graphWeight <= 0 {
		graphWeight = 0.2
	}
	graphDepth := params.GraphDepth
	if graphDepth <= 0 {
		graphDepth = 1
	}

	graphStore := e.graph
	if graphStore == nil {
		graphStore = NoOpGraphStore{}
	}
	signal, err := graphSignal(ctx, graphStore, dedupeStrings(seeds), graphDepth, graphWeight)
	if err != nil {
		// Graph traversal failures degrade to hybrid-only results rather
		// than failing the whole query.
		signal = Signal{Name: "graph", Weight: graphWeight}
	}

	fusedN := e.fusion.FuseSignals([]Signal{
		{Name: "bm25", Weight: weights.BM25, Results: bm25Hits},
		{Name: "vector", Weight: weights.Semantic, Results: vecHits},
		signal,
	})

	terms := queryTerms(text)

	fused := make([]*fusedResult, len(fusedN))
	for i, r := range fusedN {
		fused[i] = &fusedResult{
			chunkID:      r.ChunkID,
			rrfScore:     r.RRFScore,
			bm25Score:    r.SignalScores["bm25"],
			vecScore:     r.SignalScores["vector"],
			bm25Rank:     r.SignalRanks["bm25"],
			vecRank:      r.SignalRanks["vector"],
			inBothLists:  r.SignalRanks["bm25"] > 0 && r.SignalRanks["vector"] > 0,
			matchedTerms: terms,
		}
	}

	reranked := e.rerankResults(ctx, text, fused)
	enriched, err := e.enrichResults(ctx, reranked)
	if err != nil {
		return nil, err
	}

	e.enrichResultsWithAdjacent(ctx, enriched, opts.AdjacentChunks, 5)
	enriched = e.applyRankingAdjustments(enriched, opts)
	filtered := ApplyFilters(enriched, opts)
	if len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	e.recordMetrics(text, QueryTypeMixed, len(filtered), time.Since(start))
	return filtered, nil
}

func dedupeStrings(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
