package tests

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"safety-monitor/internal/config"
	"safety-monitor/internal/pipeline"
	"safety-monitor/internal/provider"
	"safety-monitor/internal/storage"
)

// setupStore connects to the Postgres instance named by DATABASE_URL.
// Tests are skipped when no database is available.
func setupStore(t *testing.T) *storage.DB {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping store integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbCfg := config.DefaultConfig().Database
	dbCfg.DSN = dsn
	db, err := storage.New(ctx, dbCfg)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensuring schema: %v", err)
	}
	return db
}

func testRun(t *testing.T, db *storage.DB) *pipeline.Run {
	t.Helper()
	run := &pipeline.Run{
		ID:             uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
		SourceTag:      "custom_cli",
		Models:         "input:gemma:google/gemma-2b-it,answer:openai:gpt-4o-mini",
		ConfigSnapshot: json.RawMessage(`{"workers":2}`),
		Status:         "running",
	}
	if err := db.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func testResult(run *pipeline.Run, ordinal int, answered bool) *pipeline.Result {
	confidence := 0.9
	res := &pipeline.Result{
		ID:      uuid.New().String(),
		RunID:   run.ID,
		Prompt:  "integration prompt",
		Ordinal: ordinal,
		Status:  pipeline.StatusComplete,
		Input: &provider.Classification{
			Label:      provider.LabelSafe,
			Confidence: &confidence,
			Raw:        json.RawMessage(`{"label":"SAFE","score":0.9}`),
			Provider:   "gemma:google/gemma-2b-it",
		},
		CreatedAt: time.Now().UTC(),
	}
	if answered {
		res.Answer = &provider.Generation{
			Text:  "an answer",
			Model: "gpt-4o-mini",
			Raw:   json.RawMessage(`{"choices":[{"message":{"content":"an answer"}}]}`),
		}
		res.Output = &provider.Classification{
			Label:    provider.LabelSafe,
			Raw:      json.RawMessage(`{"results":[{"flagged":false}]}`),
			Provider: "openai:omni-moderation-latest",
		}
	} else {
		res.Status = pipeline.StatusSkippedGeneration
	}
	return res
}

func TestRunLifecycle(t *testing.T) {
	db := setupStore(t)
	ctx := context.Background()

	run := testRun(t, db)

	got, err := db.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != "running" || got.SourceTag != "custom_cli" {
		t.Errorf("run = %+v", got)
	}
	if string(got.ConfigSnapshot) == "" {
		t.Error("config snapshot not persisted")
	}

	if err := db.CompleteRun(ctx, run.ID, "completed"); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	got, err = db.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun after complete: %v", err)
	}
	if got.Status != "completed" || got.CompletedAt == nil {
		t.Errorf("run not closed out: status=%q completed_at=%v", got.Status, got.CompletedAt)
	}

	if err := db.CompleteRun(ctx, uuid.New().String(), "completed"); err == nil {
		t.Error("CompleteRun on unknown run: expected error")
	}
}

func TestResultRoundTrip(t *testing.T) {
	db := setupStore(t)
	ctx := context.Background()

	run := testRun(t, db)
	res := testResult(run, 0, true)
	if err := db.WriteResult(ctx, res); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}

	got, err := db.GetResult(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Prompt != res.Prompt || got.Ordinal != 0 || got.Status != pipeline.StatusComplete {
		t.Errorf("result = %+v", got)
	}
	if got.Input == nil || got.Input.Label != provider.LabelSafe {
		t.Error("input classification lost")
	}
	if got.Input.Confidence == nil || *got.Input.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", got.Input.Confidence)
	}
	if got.Answer == nil || got.Answer.Text != "an answer" {
		t.Error("answer lost")
	}
	if got.Output == nil || got.Output.Label != provider.LabelSafe {
		t.Error("output classification lost")
	}
	if got.Review != nil {
		t.Error("unreviewed result has review fields")
	}
}

func TestReviewIdempotence(t *testing.T) {
	db := setupStore(t)
	ctx := context.Background()

	run := testRun(t, db)
	res := testResult(run, 0, false)
	if err := db.WriteResult(ctx, res); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}

	label := "TOXIC"
	note := "missed by the classifier"
	req := storage.ReviewRequest{
		ResultID:   res.ID,
		Reviewer:   "alice",
		InputLabel: &label,
		Note:       &note,
	}

	applied, err := db.ApplyReview(ctx, req)
	if err != nil {
		t.Fatalf("ApplyReview: %v", err)
	}
	if !applied {
		t.Error("first review: applied = false, want true")
	}

	first, err := db.GetResult(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetResult after first review: %v", err)
	}
	if first.Review == nil {
		t.Fatal("review not persisted")
	}
	firstReviewedAt := first.Review.ReviewedAt

	// Identical resubmission changes nothing, including the timestamp.
	applied, err = db.ApplyReview(ctx, req)
	if err != nil {
		t.Fatalf("ApplyReview resubmission: %v", err)
	}
	if applied {
		t.Error("identical resubmission: applied = true, want false")
	}
	after, err := db.GetResult(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetResult after resubmission: %v", err)
	}
	if after.Review == nil || !after.Review.ReviewedAt.Equal(firstReviewedAt) {
		t.Errorf("reviewed_at changed on identical resubmission: %v -> %v", firstReviewedAt, after.Review.ReviewedAt)
	}

	// A changed field applies again: last write wins.
	label2 := "SAFE"
	req.InputLabel = &label2
	applied, err = db.ApplyReview(ctx, req)
	if err != nil {
		t.Fatalf("ApplyReview changed label: %v", err)
	}
	if !applied {
		t.Error("changed review: applied = false, want true")
	}

	got, err := db.GetResult(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Review == nil {
		t.Fatal("review not persisted")
	}
	if got.Review.Reviewer != "alice" || got.Review.InputLabel == nil || *got.Review.InputLabel != provider.LabelSafe {
		t.Errorf("review = %+v", got.Review)
	}
	// Machine fields stay untouched by review.
	if got.Input.Label != provider.LabelSafe || got.Status != pipeline.StatusSkippedGeneration {
		t.Error("machine fields changed by review")
	}

	if _, err := db.ApplyReview(ctx, storage.ReviewRequest{
		ResultID: uuid.New().String(), Reviewer: "alice", Note: &note,
	}); err == nil {
		t.Error("review of unknown result: expected error")
	}
}

func TestListResultsFilters(t *testing.T) {
	db := setupStore(t)
	ctx := context.Background()

	run := testRun(t, db)
	for i := 0; i < 3; i++ {
		if err := db.WriteResult(ctx, testResult(run, i, i == 0)); err != nil {
			t.Fatalf("WriteResult %d: %v", i, err)
		}
	}
	failed := testResult(run, 3, false)
	failed.Status = pipeline.StatusFailed
	failed.Input = nil
	failed.Error = &pipeline.StageError{Stage: pipeline.StageInputClassification, Cause: "network", Message: "timeout"}
	if err := db.WriteResult(ctx, failed); err != nil {
		t.Fatalf("WriteResult failed item: %v", err)
	}

	all, err := db.ListResults(ctx, run.ID, storage.ResultFilter{})
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}
	for i, res := range all {
		if res.Ordinal != i {
			t.Errorf("results[%d].Ordinal = %d, want ordinal order", i, res.Ordinal)
		}
	}

	failedOnly, err := db.ListResults(ctx, run.ID, storage.ResultFilter{Status: string(pipeline.StatusFailed)})
	if err != nil {
		t.Fatalf("ListResults status filter: %v", err)
	}
	if len(failedOnly) != 1 || failedOnly[0].Error == nil || failedOnly[0].Error.Cause != "network" {
		t.Errorf("failed filter returned %d results", len(failedOnly))
	}

	reviewed := false
	unreviewed, err := db.ListResults(ctx, run.ID, storage.ResultFilter{Reviewed: &reviewed})
	if err != nil {
		t.Fatalf("ListResults reviewed filter: %v", err)
	}
	if len(unreviewed) != 4 {
		t.Errorf("unreviewed = %d, want 4", len(unreviewed))
	}

	page, err := db.ListResults(ctx, run.ID, storage.ResultFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListResults paging: %v", err)
	}
	if len(page) != 2 || page[0].Ordinal != 2 {
		t.Errorf("page = %d results starting at %d", len(page), page[0].Ordinal)
	}
}

func TestExportRun(t *testing.T) {
	db := setupStore(t)
	ctx := context.Background()

	run := testRun(t, db)
	for i := 0; i < 2; i++ {
		if err := db.WriteResult(ctx, testResult(run, i, false)); err != nil {
			t.Fatalf("WriteResult: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "export", "run.json")
	if err := db.ExportRun(ctx, run.ID, path); err != nil {
		t.Fatalf("ExportRun: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening export: %v", err)
	}
	defer f.Close()

	exported, err := storage.ReadExport(f)
	if err != nil {
		t.Fatalf("ReadExport: %v", err)
	}
	if exported.Run.ID != run.ID {
		t.Errorf("exported run = %q, want %q", exported.Run.ID, run.ID)
	}
	if len(exported.Results) != 2 {
		t.Errorf("exported results = %d, want 2", len(exported.Results))
	}
}
