package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ragwell/ragwell/internal/queue"
	"github.com/ragwell/ragwell/internal/ragerr"
	"github.com/ragwell/ragwell/internal/retrieval"
)

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.submitJob(w, r, queue.OperationFullIndex)
}

func (s *Server) handleIndexAdd(w http.ResponseWriter, r *http.Request) {
	s.submitJob(w, r, queue.OperationAdd)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request, op queue.Operation) {
	var req IndexRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" {
		writeError(w, ragerr.InvalidInput("path is required", nil))
		return
	}

	result, err := s.queue.Submit(queue.Request{
		Path:     req.Path,
		Op:       op,
		Patterns: req.Patterns,
		Code:     req.Code,
	})
	if err != nil {
		writeError(w, mapQueueError(err))
		return
	}

	resp := toJobResponse(result.Job)
	resp.DedupeHit = result.DedupeHit
	resp.QueuePosition = result.QueuePosition
	status := http.StatusAccepted
	if result.DedupeHit {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.queue.List()
	out := make([]JobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = toJobResponse(j)
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: out})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Get(id)
	if err != nil {
		writeError(w, mapQueueError(err))
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Cancel(id)
	if err != nil && err != queue.ErrTerminalCancel {
		writeError(w, mapQueueError(err))
		return
	}
	if err == queue.ErrTerminalCancel {
		writeError(w, ragerr.Conflict("ERR_CONFLICT_JOB_RUNNING", "job has already finished"))
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Query == "" {
		writeError(w, ragerr.New(ragerr.ErrCodeQueryEmpty, "query is required", nil))
		return
	}

	mode := retrieval.QueryMode(req.Mode)
	if mode == "" {
		mode = retrieval.QueryModeHybrid
	}
	params := retrieval.QueryParams{
		SearchOptions: retrieval.SearchOptions{
			Limit:    req.Limit,
			Filter:   req.Filter,
			Language: req.Language,
			Scopes:   req.Scopes,
		},
		Alpha:       req.Alpha,
		GraphDepth:  req.GraphDepth,
		GraphWeight: req.GraphWeight,
	}

	results, err := s.engine.Query(contextWithRequest(r), req.Query, mode, params)
	if err != nil {
		writeError(w, ragerr.RetrievalError(ragerr.ErrCodeSearchFailed, err.Error(), err))
		return
	}

	items := make([]QueryResultItem, len(results))
	for i, res := range results {
		items[i] = QueryResultItem{
			FilePath:    res.Chunk.FilePath,
			StartLine:   res.Chunk.StartLine,
			EndLine:     res.Chunk.EndLine,
			Language:    res.Chunk.Language,
			Content:     res.Chunk.Content,
			Score:       res.Score,
			BM25Score:   res.BM25Score,
			VecScore:    res.VecScore,
			InBothLists: res.InBothLists,
		}
	}
	writeJSON(w, http.StatusOK, QueryResponse{Results: items})
}

func (s *Server) handleResetIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Reset(contextWithRequest(r)); err != nil {
		writeError(w, ragerr.Wrap(ragerr.ErrCodeIndexFailed, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.reporter.Report(contextWithRequest(r))
	status := http.StatusOK
	if !report.BackendReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// mapQueueError lifts the queue package's sentinel errors into ragerr
// categories the HTTP boundary already knows how to map to a status code.
func mapQueueError(err error) error {
	switch err {
	case queue.ErrQueueFull:
		return ragerr.QueueFull("indexing queue is full")
	case queue.ErrNotFound:
		return ragerr.NotFound(ragerr.ErrCodeJobNotFound, "job not found")
	default:
		return ragerr.InternalError(err.Error(), err)
	}
}

func toJobResponse(j *queue.Job) JobResponse {
	resp := JobResponse{
		ID:        j.ID,
		State:     string(j.State),
		Path:      j.Request.Path,
		Operation: string(j.Request.Op),
		Progress: JobProgress{
			FilesProcessed: j.Progress.FilesProcessed,
			FilesTotal:     j.Progress.FilesTotal,
			ChunksCreated:  j.Progress.ChunksCreated,
			CurrentFile:    j.Progress.CurrentFile,
		},
		Error: j.Error,
	}
	if !j.EnqueuedAt.IsZero() {
		resp.EnqueuedAt = j.EnqueuedAt.Format(time.RFC3339)
	}
	if !j.StartedAt.IsZero() {
		resp.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if !j.FinishedAt.IsZero() {
		resp.FinishedAt = j.FinishedAt.Format(time.RFC3339)
	}
	if j.State == queue.StateDone {
		resp.Result = &JobResult{
			TotalDocuments: j.Result.TotalDocuments,
			TotalChunks:    j.Result.TotalChunks,
		}
	}
	return resp
}
