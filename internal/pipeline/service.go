package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"safety-monitor/internal/monitor"
)

// Store is the persistence surface the drivers need. Implemented by
// the run store; a nil Store runs the pipeline without persistence.
type Store interface {
	ResultWriter
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, runID, status string) error
}

// Service ties a sequencer to a store and owns run lifecycle: creating
// the run row with its frozen config snapshot, executing items, and
// recording the run's terminal status.
type Service struct {
	seq      *Sequencer
	store    Store
	workers  int
	models   string
	snapshot json.RawMessage
	metrics  *monitor.Metrics
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Workers        int
	Models         string
	ConfigSnapshot json.RawMessage
	Metrics        *monitor.Metrics
}

func NewService(seq *Sequencer, store Store, opts ServiceOptions) *Service {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Service{
		seq:      seq,
		store:    store,
		workers:  workers,
		models:   opts.Models,
		snapshot: opts.ConfigSnapshot,
		metrics:  opts.Metrics,
	}
}

// NewRun creates a run row with its immutable configuration snapshot.
// With no store configured the run exists in memory only.
func (s *Service) NewRun(ctx context.Context, sourceTag string) (*Run, error) {
	run := &Run{
		ID:             uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
		SourceTag:      sourceTag,
		Models:         s.models,
		ConfigSnapshot: s.snapshot,
		Status:         "running",
	}
	if s.store != nil {
		if err := s.store.CreateRun(ctx, run); err != nil {
			return nil, err
		}
	}
	log.Info().
		Str("run_id", run.ID).
		Str("source", sourceTag).
		Str("models", s.models).
		Msg("run started")
	return run, nil
}

// RunBatch processes prompts through the bounded worker pool and closes
// out the run. A cancelled run ends as partial; per-item failures do
// not fail the run.
func (s *Service) RunBatch(ctx context.Context, run *Run, prompts []Prompt) ([]*Result, *Summary) {
	var writer ResultWriter
	if s.store != nil {
		writer = s.store
	}
	runner := NewBatchRunner(s.seq, writer, s.workers)
	results, summary := runner.Run(ctx, run.ID, prompts)

	status := "completed"
	if ctx.Err() != nil || summary.Total < len(prompts) {
		status = "partial"
	}
	s.finish(run, status)

	return results, summary
}

// RunInteractive processes prompts one at a time from in until EOF or
// "exit", then closes out the run.
func (s *Service) RunInteractive(ctx context.Context, run *Run, in io.Reader, out io.Writer) (*Summary, error) {
	var writer ResultWriter
	if s.store != nil {
		writer = s.store
	}
	summary, err := NewInteractive(s.seq, writer, in, out).Run(ctx, run.ID)
	s.finish(run, "completed")
	return summary, err
}

// finish records the run's terminal status, using a fresh context so a
// cancelled run still gets closed out.
func (s *Service) finish(run *Run, status string) {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now

	if s.metrics != nil {
		s.metrics.RecordRun(status)
	}

	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.CompleteRun(ctx, run.ID, status); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("failed to record run completion")
	}
	log.Info().Str("run_id", run.ID).Str("status", status).Msg("run finished")
}
