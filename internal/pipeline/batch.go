package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ResultWriter persists one terminal result. Implemented by the run
// store; a nil writer runs the pipeline without persistence.
type ResultWriter interface {
	WriteResult(ctx context.Context, result *Result) error
}

// BatchRunner processes independent items through a bounded worker
// pool. Each worker runs one item's state machine to completion before
// taking the next; no ordering is guaranteed between items.
type BatchRunner struct {
	seq     *Sequencer
	writer  ResultWriter
	workers int
}

func NewBatchRunner(seq *Sequencer, writer ResultWriter, workers int) *BatchRunner {
	if workers < 1 {
		workers = 1
	}
	return &BatchRunner{seq: seq, writer: writer, workers: workers}
}

// Run processes all prompts and returns the results ordered by
// ingestion order, plus the run summary. Cancellation stops new items
// from being dequeued; items already started finish or fail with a
// cancellation cause. Already-written results are never rolled back, so
// a cancelled run ends in a valid partial state.
func (b *BatchRunner) Run(ctx context.Context, runID string, prompts []Prompt) ([]*Result, *Summary) {
	jobs := make(chan Prompt)

	var mu sync.Mutex
	results := make([]*Result, 0, len(prompts))

	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				res := b.seq.Process(ctx, runID, p)
				b.persist(res)

				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
		}()
	}

feed:
	for _, p := range prompts {
		select {
		case <-ctx.Done():
			log.Info().
				Str("run_id", runID).
				Int("next_ordinal", p.Ordinal).
				Int("total", len(prompts)).
				Msg("run cancelled, no further items dequeued")
			break feed
		case jobs <- p:
		}
	}
	close(jobs)
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Ordinal < results[j].Ordinal })
	return results, Summarize(results)
}

// persist writes the terminal result, retrying the write once. A second
// failure marks the item FAILED with a store cause; the run continues.
// Writes run on a detached context so items finishing after the run is
// cancelled still reach the store.
func (b *BatchRunner) persist(res *Result) {
	if b.writer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := b.writer.WriteResult(ctx, res)
	if err == nil {
		return
	}

	log.Warn().
		Err(err).
		Str("result_id", res.ID).
		Msg("result write failed, retrying once")

	if err = b.writer.WriteResult(ctx, res); err == nil {
		return
	}

	// Preserve the original stage error when the item had already
	// failed; the store failure is still logged either way.
	if res.Error == nil {
		res.Status = StatusFailed
		res.Error = &StageError{
			Stage:   StageResultWrite,
			Cause:   "store",
			Message: err.Error(),
		}
	}

	log.Error().
		Err(err).
		Str("result_id", res.ID).
		Str("run_id", res.RunID).
		Msg("result write failed permanently")
}
