package server

import "github.com/ragwell/ragwell/internal/ragerr"

// ErrorBody is the envelope every non-2xx response carries, built from a
// ragerr.Error so the HTTP status, code, and message always agree.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorBody under an "error" key, mirroring the
// daemon's own Request/Response/Error envelope shape but dropping the
// JSON-RPC id/jsonrpc fields an HTTP status code already makes redundant.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds the JSON body for a ragerr.Error (or any error,
// which is reported under ERR_INTERNAL).
func NewErrorResponse(err error) (int, ErrorResponse) {
	status := ragerr.Status(err)
	code := ragerr.Code(err)
	if code == "" {
		code = "ERR_INTERNAL"
	}
	return status, ErrorResponse{Error: ErrorBody{Code: code, Message: err.Error()}}
}

// IndexRequest is the body of POST /index and POST /index/add.
type IndexRequest struct {
	Path     string   `json:"path"`
	Patterns []string `json:"patterns,omitempty"`
	Code     bool     `json:"include_code,omitempty"`
}

// JobResponse describes a queued or completed indexing job.
type JobResponse struct {
	ID            string      `json:"id"`
	State         string      `json:"state"`
	Path          string      `json:"path"`
	Operation     string      `json:"operation"`
	EnqueuedAt    string      `json:"enqueued_at"`
	StartedAt     string      `json:"started_at,omitempty"`
	FinishedAt    string      `json:"finished_at,omitempty"`
	Progress      JobProgress `json:"progress"`
	Result        *JobResult  `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
	DedupeHit     bool        `json:"dedupe_hit,omitempty"`
	QueuePosition int         `json:"queue_position,omitempty"`
}

// JobProgress mirrors queue.Progress for the HTTP surface.
type JobProgress struct {
	FilesProcessed int    `json:"files_processed"`
	FilesTotal     int    `json:"files_total"`
	ChunksCreated  int    `json:"chunks_created"`
	CurrentFile    string `json:"current_file,omitempty"`
}

// JobResult mirrors queue.Result for the HTTP surface.
type JobResult struct {
	TotalDocuments int `json:"total_documents"`
	TotalChunks    int `json:"total_chunks"`
}

// JobListResponse is the body of GET /index/jobs.
type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query       string   `json:"query"`
	Mode        string   `json:"mode,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Filter      string   `json:"filter,omitempty"`
	Language    string   `json:"language,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	Alpha       *float64 `json:"alpha,omitempty"`
	GraphDepth  int      `json:"graph_depth,omitempty"`
	GraphWeight float64  `json:"graph_weight,omitempty"`
}

// QueryResultItem is a single hit in a query response.
type QueryResultItem struct {
	FilePath    string  `json:"file_path"`
	StartLine   int     `json:"start_line"`
	EndLine     int     `json:"end_line"`
	Language    string  `json:"language,omitempty"`
	Content     string  `json:"content"`
	Score       float64 `json:"score"`
	BM25Score   float64 `json:"bm25_score,omitempty"`
	VecScore    float64 `json:"vec_score,omitempty"`
	InBothLists bool    `json:"in_both_lists,omitempty"`
}

// QueryResponse is the body of POST /query.
type QueryResponse struct {
	Results []QueryResultItem `json:"results"`
}
