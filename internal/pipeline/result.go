// Package pipeline drives prompts through the three-stage safety
// pipeline: input classification, conditional answer generation,
// conditional output classification. Each item advances through an
// explicit state machine; independent items may run concurrently but a
// single item's stages are strictly ordered.
package pipeline

import (
	"encoding/json"
	"time"

	"safety-monitor/internal/provider"
)

// StageStatus tracks how far an item progressed through the pipeline.
type StageStatus string

const (
	StatusPending                     StageStatus = "PENDING"
	StatusInputClassified             StageStatus = "INPUT_CLASSIFIED"
	StatusGenerated                   StageStatus = "GENERATED"
	StatusSkippedGeneration           StageStatus = "SKIPPED_GENERATION"
	StatusOutputClassified            StageStatus = "OUTPUT_CLASSIFIED"
	StatusSkippedOutputClassification StageStatus = "SKIPPED_OUTPUT_CLASSIFICATION"
	StatusComplete                    StageStatus = "COMPLETE"
	StatusFailed                      StageStatus = "FAILED"
)

// Terminal reports whether no further stages will run for this status.
func (s StageStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusSkippedGeneration, StatusSkippedOutputClassification:
		return true
	}
	return false
}

// Stage names one of the pipeline operations, used in error detail,
// metrics, and trace attributes.
type Stage string

const (
	StageInputClassification  Stage = "input_classification"
	StageAnswerGeneration     Stage = "answer_generation"
	StageOutputClassification Stage = "output_classification"
	StageResultWrite          Stage = "result_write"
)

// StageError captures why an item failed, including which stage it
// failed in and the provider cause when one applies.
type StageError struct {
	Stage   Stage  `json:"stage"`
	Cause   string `json:"cause"` // network, auth, quota, malformed, cancelled, store
	Message string `json:"message"`
}

// Prompt is one unit of driver input. Ordinal is the ingestion order
// within the run.
type Prompt struct {
	Text    string `json:"text"`
	Ordinal int    `json:"ordinal"`
}

// Review is the human override field group. Machine fields on a Result
// are append-only; this group is the only part mutable after the write.
type Review struct {
	Reviewer    string          `json:"reviewer"`
	InputLabel  *provider.Label `json:"input_label,omitempty"`
	OutputLabel *provider.Label `json:"output_label,omitempty"`
	Note        string          `json:"note,omitempty"`
	ReviewedAt  time.Time       `json:"reviewed_at"`
}

// Result is the full record of one prompt's passage through the
// pipeline. Input is set once the item leaves PENDING; Answer only when
// the input was SAFE and generation was configured; Output only when an
// answer exists and output classification was configured.
type Result struct {
	ID      string      `json:"id"`
	RunID   string      `json:"run_id"`
	Prompt  string      `json:"prompt_text"`
	Ordinal int         `json:"ordinal"`
	Status  StageStatus `json:"stage_status"`
	Error   *StageError `json:"error,omitempty"`

	Input  *provider.Classification `json:"input,omitempty"`
	Answer *provider.Generation     `json:"answer,omitempty"`
	Output *provider.Classification `json:"output,omitempty"`

	Review *Review `json:"review,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Run is one execution session. ConfigSnapshot freezes the provider and
// model selection at creation; only CompletedAt and Status change after.
type Run struct {
	ID             string          `json:"id"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	SourceTag      string          `json:"source_tag"` // dataset, custom_file, custom_cli, interactive
	Models         string          `json:"models"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot"`
	Status         string          `json:"status"` // running, completed, partial, failed
}

// Summary aggregates a run's results for the driver and the dashboard.
type Summary struct {
	Total         int                 `json:"total"`
	ByStatus      map[StageStatus]int `json:"by_status"`
	InputFlagged  int                 `json:"input_flagged"`
	OutputFlagged int                 `json:"output_flagged"`
	Answered      int                 `json:"answered"`
}

// Summarize computes the per-status counts for a slice of results.
func Summarize(results []*Result) *Summary {
	s := &Summary{
		Total:    len(results),
		ByStatus: make(map[StageStatus]int),
	}
	for _, r := range results {
		s.ByStatus[r.Status]++
		if r.Input != nil && r.Input.Label == provider.LabelToxic {
			s.InputFlagged++
		}
		if r.Output != nil && r.Output.Label == provider.LabelToxic {
			s.OutputFlagged++
		}
		if r.Answer != nil {
			s.Answered++
		}
	}
	return s
}
