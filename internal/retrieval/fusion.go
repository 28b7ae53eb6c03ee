// Package search provides hybrid search functionality combining BM25 and semantic search.
// Results are fused using Reciprocal Rank Fusion (RRF).
package retrieval

import (
	"sort"

	"github.com/ragwell/ragwell/internal/storage"
)

// DefaultRRFConstant is the standard RRF smoothing parameter.
// k=60 is empirically validated across domains (used by Azure AI Search, OpenSearch, etc.).
const DefaultRRFConstant = 60

// FusedResult represents a single result after RRF fusion.
type FusedResult struct {
	ChunkID      string   // Chunk identifier
	RRFScore     float64  // Combined RRF score (normalized 0-1)
	BM25Score    float64  // Original BM25 score (preserved)
	BM25Rank     int      // Position in BM25 list (1-indexed, 0 if absent)
	VecScore     float64  // Original vector similarity score (preserved)
	VecRank      int      // Position in vector list (1-indexed, 0 if absent)
	InBothLists  bool     // Document appeared in both result lists
	MatchedTerms []string // BM25 matched terms (for highlighting)
}

// RRFFusion combines BM25 and vector search results using
// Reciprocal Rank Fusion algorithm.
//
// Algorithm: RRF_score(d) = Σ weight_i / (k + rank_i)
//
// Where:
//   - k = smoothing constant (default: 60)
//   - rank_i = position in ranked list i (1-indexed)
//   - weight_i = weight for search source i
type RRFFusion struct {
	K int // RRF smoothing constant (default: 60)
}

// NewRRFFusion creates a new RRF fusion instance with default k=60.
func NewRRFFusion() *RRFFusion {
	return &RRFFusion{K: DefaultRRFConstant}
}

// NewRRFFusionWithK creates a new RRF fusion with custom k value.
// If k <= 0, defaults to 60.
func NewRRFFusionWithK(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse combines BM25 and vector results using Reciprocal Rank Fusion.
//
// Documents appearing in only one list use missing_rank = max(len(bm25), len(vec)) + 1
// for the missing source's contribution.
//
// Results are sorted by: RRFScore (desc) → InBothLists (true first) → BM25Score (desc) → ChunkID (asc)
func (f *RRFFusion) Fuse(
	bm25 []*storage.BM25Result,
	vec []*storage.VectorResult,
	weights Weights,
) []*FusedResult {
	// Return empty slice, not nil, for consistent API behavior (DEBT-012)
	if len(bm25) == 0 && len(vec) == 0 {
		return []*FusedResult{}
	}

	// Build result map with RRF scores
	capacity := len(bm25) + len(vec)
	scores := make(map[string]*FusedResult, capacity)

	// Process BM25 results (1-indexed ranks)
	for rank, r := range bm25 {
		result := f.getOrCreate(scores, r.DocID)
		result.BM25Score = r.Score
		result.BM25Rank = rank + 1
		result.MatchedTerms = r.MatchedTerms
		result.RRFScore += weights.BM25 / float64(f.K+rank+1)
	}

	// Process vector results (1-indexed ranks)
	for rank, r := range vec {
		result := f.getOrCreate(scores, r.ID)
		result.VecScore = float64(r.Score)
		result.VecRank = rank + 1
		result.RRFScore += weights.Semantic / float64(f.K+rank+1)

		// Mark if in both lists
		if result.BM25Rank > 0 {
			result.InBothLists = true
		}
	}

	// Handle documents in only one list (use missing_rank)
	missingRank := f.calculateMissingRank(len(bm25), len(vec))
	for _, r := range scores {
		if r.BM25Rank == 0 && r.VecRank > 0 {
			// Document only in vector results - add BM25 contribution at missing_rank
			r.RRFScore += weights.BM25 / float64(f.K+missingRank)
		}
		if r.VecRank == 0 && r.BM25Rank > 0 {
			// Document only in BM25 results - add semantic contribution at missing_rank
			r.RRFScore += weights.Semantic / float64(f.K+missingRank)
		}
	}

	// Convert to sorted slice
	results := f.toSortedSlice(scores)

	// Normalize scores to 0-1 range
	f.normalize(results)

	return results
}

// getOrCreate returns existing result or creates new one.
func (f *RRFFusion) getOrCreate(m map[string]*FusedResult, id string) *FusedResult {
	if r, ok := m[id]; ok {
		return r
	}
	r := &FusedResult{ChunkID: id}
	m[id] = r
	return r
}

// calculateMissingRank returns rank for documents not in a list.
// Uses max(len1, len2) + 1 to penalize missing documents appropriately.
func (f *RRFFusion) calculateMissingRank(bm25Len, vecLen int) int {
	if bm25Len > vecLen {
		return bm25Len + 1
	}
	return vecLen + 1
}

// toSortedSlice converts map to slice and sorts by RRF score with tie-breaking.
func (f *RRFFusion) toSortedSlice(m map[string]*FusedResult) []*FusedResult {
	results := make([]*FusedResult, 0, len(m))
	for _, r := range m {
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		return f.compare(results[i], results[j])
	})

	return results
}

// compare implements deterministic comparison for sorting.
// Returns true if a should rank before b.
//
// Priority:
//  1. Higher RRF score
//  2. In both lists (true before false)
//  3. Higher BM25 score (exact match indicator)
//  4. Lexicographically smaller ChunkID (deterministic)
func (f *RRFFusion) compare(a, b *FusedResult) bool {
	// Primary: Higher RRF score ranks first
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}

	// Tie-break 1: Prefer documents in both lists
	if a.InBothLists != b.InBothLists {
		return a.InBothLists
	}

	// Tie-break 2: Prefer higher BM25 score (exact match indicator)
	if a.BM25Score != b.BM25Score {
		return a.BM25Score > b.BM25Score
	}

	// Tie-break 3: Lexicographic by ChunkID (deterministic)
	return a.ChunkID < b.ChunkID
}

// normalize scales all RRF scores to 0-1 range.
// Uses the maximum score as the reference (becomes 1.0).
func (f *RRFFusion) normalize(results []*FusedResult) {
	if len(results) == 0 {
		return
	}

	// Results are sorted, first has max score
	maxScore := results[0].RRFScore
	if maxScore == 0 {
		return
	}

	for _, r := range results {
		r.RRFScore = r.RRFScore / maxScore
	}
}

// RankedHit is one signal's opinion of a chunk: its ID and a rank-ordering
// score (higher is better; RRF only uses the position, not the score's
// scale, so different signals' score units never need to be normalized
// against each other).
type RankedHit struct {
	ID    string
	Score float64
}

// Signal is one named, weighted source of ranked hits contributing to a
// fusion pass — BM25 keyword search, vector similarity search, or a graph
// traversal, each ranked independently before RRF combines them.
type Signal struct {
	Name    string
	Weight  float64
	Results []RankedHit
}

// NSignalResult is a chunk's fused outcome across an arbitrary number of
// signals, the N-signal counterpart to FusedResult's fixed BM25+vector
// shape. Used by FuseSignals, which Fuse itself does not call, to keep
// Fuse's exact historical tie-breaking and field semantics intact for
// existing two-signal callers.
type NSignalResult struct {
	ChunkID string
	// RRFScore is the combined, normalized (0-1) score across all signals.
	RRFScore float64
	// SignalRanks holds the 1-indexed rank this chunk held in each signal
	// that returned it, keyed by signal name. A signal absent from this
	// map contributed its missing-rank penalty instead.
	SignalRanks map[string]int
	// SignalScores holds the raw score this chunk received from each
	// signal that returned it.
	SignalScores map[string]float64
}

// FuseSignals combines an arbitrary number of named, weighted ranked lists
// using Reciprocal Rank Fusion, generalizing Fuse from two fixed signals to
// N — used when a query also carries a graph (or other) signal alongside
// BM25 and vector search.
//
// A chunk missing from a signal is assessed that signal's missing-rank
// penalty: max(len) + 1 across all signals that ran, the same policy Fuse
// uses for the two-signal case.
//
// Results are sorted by: RRFScore (desc) → number of contributing signals
// (desc) → highest individual signal score (desc) → ChunkID (asc).
func (f *RRFFusion) FuseSignals(signals []Signal) []*NSignalResult {
	capacity := 0
	maxLen := 0
	for _, s := range signals {
		capacity += len(s.Results)
		if len(s.Results) > maxLen {
			maxLen = len(s.Results)
		}
	}
	if capacity == 0 {
		return []*NSignalResult{}
	}
	missingRank := maxLen + 1

	results := make(map[string]*NSignalResult, capacity)
	getOrCreate := func(id string) *NSignalResult {
		if r, ok := results[id]; ok {
			return r
		}
		r := &NSignalResult{ChunkID: id, SignalRanks: map[string]int{}, SignalScores: map[string]float64{}}
		results[id] = r
		return r
	}

	for _, signal := range signals {
		for rank, hit := range signal.Results {
			r := getOrCreate(hit.ID)
			r.SignalRanks[signal.Name] = rank + 1
			r.SignalScores[signal.Name] = hit.Score
			r.RRFScore += signal.Weight / float64(f.K+rank+1)
		}
	}

	for _, r := range results {
		for _, signal := range signals {
			if _, ok := r.SignalRanks[signal.Name]; !ok {
				r.RRFScore += signal.Weight / float64(f.K+missingRank)
			}
		}
	}

	sorted := make([]*NSignalResult, 0, len(results))
	for _, r := range results {
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return compareNSignal(sorted[i], sorted[j])
	})

	if len(sorted) > 0 && sorted[0].RRFScore > 0 {
		max := sorted[0].RRFScore
		for _, r := range sorted {
			r.RRFScore /= max
		}
	}

	return sorted
}

func compareNSignal(a, b *NSignalResult) bool {
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}
	if len(a.SignalRanks) != len(b.SignalRanks) {
		return len(a.SignalRanks) > len(b.SignalRanks)
	}
	aBest, bBest := bestSignalScore(a), bestSignalScore(b)
	if aBest != bBest {
		return aBest > bBest
	}
	return a.ChunkID < b.ChunkID
}

func bestSignalScore(r *NSignalResult) float64 {
	best := 0.0
	for _, score := range r.SignalScores {
		if score > best {
			best = score
		}
	}
	return best
}
