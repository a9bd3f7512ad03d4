package storage

import (
	"safety-monitor/internal/pipeline"
)

// RunSummaryRow is one run with its aggregate counts, as listed for the
// dashboard.
type RunSummaryRow struct {
	Run           pipeline.Run `json:"run"`
	ResultCount   int          `json:"result_count"`
	InputFlagged  int          `json:"input_flagged_count"`
	OutputFlagged int          `json:"output_flagged_count"`
	Answered      int          `json:"answers_generated"`
	Reviewed      int          `json:"reviewed_count"`
	Failed        int          `json:"failed_count"`
}

// ResultFilter provides criteria for querying a run's results.
type ResultFilter struct {
	Status     string
	InputLabel string
	Reviewed   *bool
	Limit      int
	Offset     int
}

// ReviewRequest carries a human override to apply to one result. The
// field group is stored as given: a nil label persists as NULL, so each
// review fully replaces the previous one.
type ReviewRequest struct {
	ResultID    string
	Reviewer    string
	InputLabel  *string
	OutputLabel *string
	Note        *string
}

// RunStatus values persisted on a run. A cancelled run that already
// wrote results ends as partial, which is a valid terminal state.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusPartial   = "partial"
	RunStatusFailed    = "failed"
)
