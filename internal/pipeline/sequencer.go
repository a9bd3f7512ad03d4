package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"safety-monitor/internal/monitor"
	"safety-monitor/internal/provider"
)

// Sequencer runs one item's state machine to completion. It is safe for
// concurrent use: each Process call owns its Result and providers are
// read-only for the run's lifetime.
type Sequencer struct {
	providers *provider.Set
	timeout   time.Duration
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
}

// SequencerOptions carries the optional observability hooks.
type SequencerOptions struct {
	ProviderTimeout time.Duration
	Metrics         *monitor.Metrics
	Tracer          *monitor.Tracer
}

func NewSequencer(providers *provider.Set, opts SequencerOptions) *Sequencer {
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Sequencer{
		providers: providers,
		timeout:   timeout,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
}

// skipGeneration decides whether the generation stage runs. It is a
// pure function of (label, configuration) so batch and interactive
// drivers branch identically for identical inputs.
func skipGeneration(label provider.Label, generatorConfigured bool) bool {
	return label == provider.LabelToxic || !generatorConfigured
}

// skipOutputClassification decides whether the output stage runs.
func skipOutputClassification(answered, outputConfigured bool) bool {
	return !answered || !outputConfigured
}

// Process drives one prompt through the state machine and returns a
// fully or partially populated Result. Failures never discard results
// from earlier stages.
func (s *Sequencer) Process(ctx context.Context, runID string, p Prompt) *Result {
	result := &Result{
		ID:        uuid.New().String(),
		RunID:     runID,
		Prompt:    p.Text,
		Ordinal:   p.Ordinal,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartSpan(ctx, "process",
			monitor.AttrRunID.String(runID),
			monitor.AttrResultID.String(result.ID),
		)
		defer func() {
			span.SetAttributes(monitor.AttrStatus.String(string(result.Status)))
			span.End()
		}()
	}
	if s.metrics != nil {
		s.metrics.ActiveItems.Inc()
		defer s.metrics.ActiveItems.Dec()
		s.metrics.PromptSizeBytes.Observe(float64(len(p.Text)))
		defer func() {
			s.metrics.RecordResult(string(result.Status))
		}()
	}

	// Stage 1: input classification. A failure here means no further
	// stages run for this item.
	input, err := s.callClassifier(ctx, s.providers.Input, StageInputClassification, p.Text)
	if err != nil {
		s.fail(result, StageInputClassification, err)
		return result
	}
	result.Input = input
	result.Status = StatusInputClassified
	if s.metrics != nil && input.Label == provider.LabelToxic {
		s.metrics.RecordFlagged("input")
	}

	// Stage 2: answer generation, skipped for toxic input or when no
	// generator is configured for the run.
	if skipGeneration(input.Label, s.providers.Generator != nil) {
		result.Status = StatusSkippedGeneration
	} else {
		answer, err := s.callGenerator(ctx, p.Text)
		if err != nil {
			s.fail(result, StageAnswerGeneration, err)
			return result
		}
		result.Answer = answer
		result.Status = StatusGenerated
		if s.metrics != nil {
			s.metrics.AnswerSizeBytes.Observe(float64(len(answer.Text)))
		}
	}

	// Stage 3: output classification, only for generated answers.
	if result.Status == StatusGenerated {
		if skipOutputClassification(true, s.providers.Output != nil) {
			result.Status = StatusSkippedOutputClassification
		} else {
			output, err := s.callClassifier(ctx, s.providers.Output, StageOutputClassification, result.Answer.Text)
			if err != nil {
				s.fail(result, StageOutputClassification, err)
				return result
			}
			result.Output = output
			result.Status = StatusOutputClassified
			if s.metrics != nil && output.Label == provider.LabelToxic {
				s.metrics.RecordFlagged("output")
			}
		}
	}

	// Only the fully classified path is promoted to COMPLETE. Skip
	// states are terminal in their own right so a stored result shows
	// which stages actually ran.
	if result.Status == StatusOutputClassified {
		result.Status = StatusComplete
	}

	log.Debug().
		Str("result_id", result.ID).
		Str("run_id", runID).
		Str("input_label", string(result.Input.Label)).
		Str("status", string(result.Status)).
		Bool("answered", result.Answer != nil).
		Msg("item finished")

	return result
}

func (s *Sequencer) callClassifier(ctx context.Context, c provider.Classifier, stage Stage, text string) (*provider.Classification, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.tracer != nil {
		var span trace.Span
		cctx, span = s.tracer.StartSpan(cctx, string(stage),
			monitor.AttrStage.String(string(stage)),
			monitor.AttrProvider.String(c.Name()),
		)
		defer span.End()
	}

	start := time.Now()
	out, err := c.Classify(cctx, text)
	if s.metrics != nil {
		s.metrics.RecordStage(string(stage), time.Since(start).Seconds())
	}
	if out != nil {
		monitor.SpanFromContext(cctx).SetAttributes(monitor.AttrLabel.String(string(out.Label)))
	}
	return out, err
}

func (s *Sequencer) callGenerator(ctx context.Context, prompt string) (*provider.Generation, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.tracer != nil {
		var span trace.Span
		cctx, span = s.tracer.StartSpan(cctx, string(StageAnswerGeneration),
			monitor.AttrStage.String(string(StageAnswerGeneration)),
			monitor.AttrProvider.String(s.providers.Generator.Name()),
		)
		defer span.End()
	}

	start := time.Now()
	out, err := s.providers.Generator.Generate(cctx, prompt)
	if s.metrics != nil {
		s.metrics.RecordStage(string(StageAnswerGeneration), time.Since(start).Seconds())
	}
	return out, err
}

// fail moves the item to FAILED with error detail. Prior stage results
// stay on the Result for audit.
func (s *Sequencer) fail(result *Result, stage Stage, err error) {
	cause := "unknown"
	if pe, ok := provider.AsError(err); ok {
		cause = string(pe.Cause)
	}
	if errors.Is(err, context.Canceled) {
		cause = "cancelled"
	}

	result.Status = StatusFailed
	result.Error = &StageError{
		Stage:   stage,
		Cause:   cause,
		Message: err.Error(),
	}

	if s.metrics != nil {
		s.metrics.RecordProviderError(cause)
	}

	log.Warn().
		Err(err).
		Str("result_id", result.ID).
		Str("run_id", result.RunID).
		Str("stage", string(stage)).
		Str("cause", cause).
		Msg("item failed")
}
