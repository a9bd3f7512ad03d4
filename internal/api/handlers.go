package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"safety-monitor/internal/monitor"
	"safety-monitor/internal/pipeline"
	"safety-monitor/internal/prompts"
	"safety-monitor/internal/provider"
	"safety-monitor/internal/storage"
)

// Store is the persistence surface the handlers need. Satisfied by
// *storage.DB; tests substitute an in-memory implementation.
type Store interface {
	Healthy(ctx context.Context) bool
	GetRun(ctx context.Context, runID string) (*pipeline.Run, error)
	ListRuns(ctx context.Context, limit int) ([]storage.RunSummaryRow, error)
	GetResult(ctx context.Context, id string) (*pipeline.Result, error)
	ListResults(ctx context.Context, runID string, filter storage.ResultFilter) ([]*pipeline.Result, error)
	ApplyReview(ctx context.Context, req storage.ReviewRequest) (bool, error)
}

// Handlers serves the dashboard-facing API. The pipeline service is nil
// when providers could not be resolved at startup; run submission then
// returns 503 while read endpoints keep working.
type Handlers struct {
	store   Store
	service *pipeline.Service
	metrics *monitor.Metrics
}

func NewHandlers(store Store, service *pipeline.Service, metrics *monitor.Metrics) *Handlers {
	return &Handlers{store: store, service: service, metrics: metrics}
}

// HandleCreateRun accepts a prompt batch and processes it
// asynchronously, responding 202 with the run id.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	batch := prompts.FromList(req.Prompts)
	if len(batch) == 0 {
		writeError(w, "prompts is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.service == nil {
		writeError(w, "pipeline unavailable", "PIPELINE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	sourceTag := req.SourceTag
	if sourceTag == "" {
		sourceTag = prompts.SourceAPI
	}

	run, err := h.service.NewRun(r.Context(), sourceTag)
	if err != nil {
		log.Error().Err(err).Msg("failed to create run")
		writeError(w, "failed to create run", "STORE_ERROR", http.StatusInternalServerError, r)
		return
	}

	// Detach from the request context; the run outlives this request.
	go func() {
		_, summary := h.service.RunBatch(context.Background(), run, batch)
		log.Info().
			Str("run_id", run.ID).
			Int("total", summary.Total).
			Int("input_flagged", summary.InputFlagged).
			Msg("api-submitted run finished")
	}()

	writeJSON(w, http.StatusAccepted, CreateRunResponse{RunID: run.ID, Status: "accepted"})
}

// HandleListRuns returns recent runs with aggregate counts.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := h.store.ListRuns(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("listing runs failed")
		writeError(w, "listing runs failed", "STORE_ERROR", http.StatusInternalServerError, r)
		return
	}
	if runs == nil {
		runs = []storage.RunSummaryRow{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleGetRun returns a single run.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Msg("fetching run failed")
		writeError(w, "fetching run failed", "STORE_ERROR", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleListResults returns a run's results with optional filters.
func (h *Handlers) HandleListResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ResultFilter{
		Status:     q.Get("status"),
		InputLabel: q.Get("input_label"),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if reviewed := q.Get("reviewed"); reviewed != "" {
		b, err := strconv.ParseBool(reviewed)
		if err != nil {
			writeError(w, "reviewed must be true or false", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Reviewed = &b
	}

	results, err := h.store.ListResults(r.Context(), r.PathValue("id"), filter)
	if err != nil {
		log.Error().Err(err).Msg("listing results failed")
		writeError(w, "listing results failed", "STORE_ERROR", http.StatusInternalServerError, r)
		return
	}

	resp := ResultListResponse{Results: make([]ResultResponse, 0, len(results))}
	for _, res := range results {
		resp.Results = append(resp.Results, FlattenResult(res))
	}
	resp.Count = len(resp.Results)
	writeJSON(w, http.StatusOK, resp)
}

// HandleGetResult returns a single result.
func (h *Handlers) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.store.GetResult(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "result not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Msg("fetching result failed")
		writeError(w, "fetching result failed", "STORE_ERROR", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, FlattenResult(res))
}

// HandleReview applies a human override to a result.
func (h *Handlers) HandleReview(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if req.Reviewer == "" {
		writeError(w, "reviewer is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.InputLabel == nil && req.OutputLabel == nil && req.Note == nil {
		writeError(w, "nothing to review: provide input_label, output_label, or note", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	for _, label := range []*string{req.InputLabel, req.OutputLabel} {
		if label != nil && !provider.Label(*label).Valid() {
			writeError(w, "label must be SAFE or TOXIC", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}

	applied, err := h.store.ApplyReview(r.Context(), storage.ReviewRequest{
		ResultID:    r.PathValue("id"),
		Reviewer:    req.Reviewer,
		InputLabel:  req.InputLabel,
		OutputLabel: req.OutputLabel,
		Note:        req.Note,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "result not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Msg("applying review failed")
		writeError(w, "applying review failed", "STORE_ERROR", http.StatusInternalServerError, r)
		return
	}

	if applied && h.metrics != nil {
		h.metrics.ReviewsTotal.Inc()
	}
	writeJSON(w, http.StatusOK, ReviewResponse{Applied: applied})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("encoding response failed")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
