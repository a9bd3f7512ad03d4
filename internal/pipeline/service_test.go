package pipeline

import (
	"context"
	"sync"
	"testing"

	"safety-monitor/internal/provider"
)

// memStore implements Store in memory for service tests.
type memStore struct {
	memWriter
	mu       sync.Mutex
	runs     map[string]*Run
	statuses map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		runs:     make(map[string]*Run),
		statuses: make(map[string]string),
	}
}

func (s *memStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memStore) CompleteRun(_ context.Context, runID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[runID] = status
	return nil
}

func newTestService(store Store) *Service {
	set, _, _, _ := safeSet()
	seq := NewSequencer(set, SequencerOptions{})
	return NewService(seq, store, ServiceOptions{
		Workers: 2,
		Models:  "input:in,answer:stub-gen,output:out",
	})
}

func TestService_RunBatchCompleted(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	run, err := svc.NewRun(context.Background(), "custom_cli")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	if store.runs[run.ID] == nil {
		t.Fatal("run row not created")
	}
	if run.Models != "input:in,answer:stub-gen,output:out" {
		t.Errorf("Models = %q, model tag not frozen on the run", run.Models)
	}

	results, summary := svc.RunBatch(context.Background(), run, promptBatch(10))
	if len(results) != 10 || summary.Total != 10 {
		t.Fatalf("got %d results / total %d, want 10/10", len(results), summary.Total)
	}
	if store.statuses[run.ID] != "completed" {
		t.Errorf("run status = %q, want completed", store.statuses[run.ID])
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestService_CancelledRunEndsPartial(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	run, err := svc.NewRun(context.Background(), "dataset")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc.RunBatch(ctx, run, promptBatch(10))
	// Completion is still recorded: a fresh context is used for the
	// final status write.
	if store.statuses[run.ID] != "partial" {
		t.Errorf("run status = %q, want partial", store.statuses[run.ID])
	}
}

func TestService_NoStore(t *testing.T) {
	svc := newTestService(nil)

	run, err := svc.NewRun(context.Background(), "interactive")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}

	results, _ := svc.RunBatch(context.Background(), run, promptBatch(3))
	if len(results) != 3 {
		t.Errorf("len(results) = %d, want 3", len(results))
	}
	if run.Status != "completed" {
		t.Errorf("run.Status = %q, want completed", run.Status)
	}
}

func TestService_PerItemFailuresDoNotFailRun(t *testing.T) {
	in := classifierFunc(func(_ context.Context, _ string) (*provider.Classification, error) {
		return nil, &provider.Error{Provider: "in", Op: "classify", Cause: provider.CauseAuth}
	})
	seq := NewSequencer(&provider.Set{Input: in}, SequencerOptions{})
	store := newMemStore()
	svc := NewService(seq, store, ServiceOptions{Workers: 2})

	run, _ := svc.NewRun(context.Background(), "custom_file")
	_, summary := svc.RunBatch(context.Background(), run, promptBatch(5))

	if summary.ByStatus[StatusFailed] != 5 {
		t.Fatalf("failed = %d, want 5", summary.ByStatus[StatusFailed])
	}
	if store.statuses[run.ID] != "completed" {
		t.Errorf("run status = %q, want completed (item failures are not run failures)", store.statuses[run.ID])
	}
}
