package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"safety-monitor/internal/pipeline"
	"safety-monitor/internal/provider"
	"safety-monitor/internal/storage"
)

// mockStore implements Store in memory for handler tests.
type mockStore struct {
	runs    map[string]*pipeline.Run
	results map[string]*pipeline.Result
	applied bool
	err     error
}

func newMockStore() *mockStore {
	return &mockStore{
		runs:    make(map[string]*pipeline.Run),
		results: make(map[string]*pipeline.Result),
		applied: true,
	}
}

func (m *mockStore) Healthy(_ context.Context) bool { return true }

func (m *mockStore) GetRun(_ context.Context, runID string) (*pipeline.Run, error) {
	if m.err != nil {
		return nil, m.err
	}
	run, ok := m.runs[runID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return run, nil
}

func (m *mockStore) ListRuns(_ context.Context, _ int) ([]storage.RunSummaryRow, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []storage.RunSummaryRow
	for _, run := range m.runs {
		out = append(out, storage.RunSummaryRow{Run: *run})
	}
	return out, nil
}

func (m *mockStore) GetResult(_ context.Context, id string) (*pipeline.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	res, ok := m.results[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return res, nil
}

func (m *mockStore) ListResults(_ context.Context, runID string, _ storage.ResultFilter) ([]*pipeline.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*pipeline.Result
	for _, res := range m.results {
		if res.RunID == runID {
			out = append(out, res)
		}
	}
	return out, nil
}

func (m *mockStore) ApplyReview(_ context.Context, req storage.ReviewRequest) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.results[req.ResultID]; !ok {
		return false, storage.ErrNotFound
	}
	return m.applied, nil
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, target string, body any, pathID string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if pathID != "" {
		req.SetPathValue("id", pathID)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleCreateRun_PipelineUnavailable(t *testing.T) {
	h := NewHandlers(newMockStore(), nil, nil)

	rec := doJSON(t, h.HandleCreateRun, http.MethodPost, "/runs",
		CreateRunRequest{Prompts: []string{"hello"}}, "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "PIPELINE_UNAVAILABLE" {
		t.Errorf("got code %q, want PIPELINE_UNAVAILABLE", resp.Code)
	}
}

func TestHandleCreateRun_ValidationErrors(t *testing.T) {
	h := NewHandlers(newMockStore(), nil, nil)

	tests := []struct {
		name string
		body any
	}{
		{"empty body", map[string]any{}},
		{"no prompts", CreateRunRequest{Prompts: []string{}}},
		{"all blank prompts", CreateRunRequest{Prompts: []string{"", "  "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h.HandleCreateRun, http.MethodPost, "/runs", tt.body, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandleGetRun(t *testing.T) {
	store := newMockStore()
	store.runs["run-1"] = &pipeline.Run{ID: "run-1", Status: "completed", SourceTag: "api"}
	h := NewHandlers(store, nil, nil)

	rec := doJSON(t, h.HandleGetRun, http.MethodGet, "/runs/run-1", nil, "run-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var run pipeline.Run
	if err := json.NewDecoder(rec.Body).Decode(&run); err != nil {
		t.Fatal(err)
	}
	if run.ID != "run-1" || run.Status != "completed" {
		t.Errorf("run = %+v", run)
	}

	rec = doJSON(t, h.HandleGetRun, http.MethodGet, "/runs/missing", nil, "missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d for missing run, want 404", rec.Code)
	}
}

func TestHandleGetResult_FlattenedShape(t *testing.T) {
	confidence := 0.88
	toxic := provider.LabelToxic
	store := newMockStore()
	store.results["res-1"] = &pipeline.Result{
		ID:      "res-1",
		RunID:   "run-1",
		Prompt:  "hello",
		Ordinal: 0,
		Status:  pipeline.StatusSkippedOutputClassification,
		Input: &provider.Classification{
			Label:      provider.LabelSafe,
			Confidence: &confidence,
			Raw:        json.RawMessage(`{"label":"SAFE"}`),
			Provider:   "gemma:google/gemma-2b-it",
		},
		Answer: &provider.Generation{Text: "an answer", Model: "gpt-4o-mini"},
		Review: &pipeline.Review{
			Reviewer:   "alice",
			InputLabel: &toxic,
			Note:       "misclassified",
			ReviewedAt: time.Now().UTC(),
		},
		CreatedAt: time.Now().UTC(),
	}
	h := NewHandlers(store, nil, nil)

	rec := doJSON(t, h.HandleGetResult, http.MethodGet, "/results/res-1", nil, "res-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	var resp ResultResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.InputLabel != "SAFE" {
		t.Errorf("input_label = %q, want SAFE", resp.InputLabel)
	}
	if resp.InputConfidence == nil || *resp.InputConfidence != confidence {
		t.Errorf("input_confidence = %v, want %v", resp.InputConfidence, confidence)
	}
	if resp.AnswerText == nil || *resp.AnswerText != "an answer" {
		t.Errorf("answer_text = %v, want an answer", resp.AnswerText)
	}
	// Machine label untouched; human override rides alongside.
	if resp.HumanInputLabel == nil || *resp.HumanInputLabel != "TOXIC" {
		t.Errorf("human_input_label = %v, want TOXIC", resp.HumanInputLabel)
	}
	if resp.Reviewer != "alice" || resp.HumanNote != "misclassified" {
		t.Errorf("review fields = %q/%q", resp.Reviewer, resp.HumanNote)
	}
	if resp.ReviewedAt == nil {
		t.Error("reviewed_at missing")
	}
}

func TestHandleListResults_ReviewedFilterValidation(t *testing.T) {
	h := NewHandlers(newMockStore(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/runs/run-1/results?reviewed=maybe", nil)
	req.SetPathValue("id", "run-1")
	rec := httptest.NewRecorder()
	h.HandleListResults(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleReview(t *testing.T) {
	store := newMockStore()
	store.results["res-1"] = &pipeline.Result{ID: "res-1", RunID: "run-1", Status: pipeline.StatusComplete}
	h := NewHandlers(store, nil, nil)

	label := "TOXIC"
	rec := doJSON(t, h.HandleReview, http.MethodPost, "/results/res-1/review",
		ReviewRequest{Reviewer: "alice", InputLabel: &label}, "res-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp ReviewResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.Applied {
		t.Error("applied = false, want true")
	}

	// Identical resubmission reports applied=false without error.
	store.applied = false
	rec = doJSON(t, h.HandleReview, http.MethodPost, "/results/res-1/review",
		ReviewRequest{Reviewer: "alice", InputLabel: &label}, "res-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d on resubmission, want 200", rec.Code)
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Applied {
		t.Error("applied = true on identical resubmission, want false")
	}
}

func TestHandleReview_Validation(t *testing.T) {
	store := newMockStore()
	store.results["res-1"] = &pipeline.Result{ID: "res-1"}
	h := NewHandlers(store, nil, nil)

	bad := "MAYBE"
	note := "note"
	tests := []struct {
		name       string
		body       ReviewRequest
		pathID     string
		wantStatus int
	}{
		{"missing reviewer", ReviewRequest{Note: &note}, "res-1", http.StatusBadRequest},
		{"nothing to review", ReviewRequest{Reviewer: "alice"}, "res-1", http.StatusBadRequest},
		{"invalid label", ReviewRequest{Reviewer: "alice", InputLabel: &bad}, "res-1", http.StatusBadRequest},
		{"unknown result", ReviewRequest{Reviewer: "alice", Note: &note}, "missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h.HandleReview, http.MethodPost, "/results/x/review", tt.body, tt.pathID)
			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
