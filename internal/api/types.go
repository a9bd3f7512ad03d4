package api

import (
	"encoding/json"
	"time"

	"safety-monitor/internal/pipeline"
)

// CreateRunRequest submits prompts for asynchronous batch processing.
type CreateRunRequest struct {
	Prompts   []string `json:"prompts"`
	SourceTag string   `json:"source_tag,omitempty"`
}

// CreateRunResponse acknowledges an accepted run.
type CreateRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ReviewRequest carries a human override for one result.
type ReviewRequest struct {
	Reviewer    string  `json:"reviewer"`
	InputLabel  *string `json:"input_label,omitempty"`
	OutputLabel *string `json:"output_label,omitempty"`
	Note        *string `json:"note,omitempty"`
}

// ReviewResponse reports whether the override changed anything.
type ReviewResponse struct {
	Applied bool `json:"applied"`
}

// ResultResponse is the flattened wire shape of one result, matching
// the persisted record field for field.
type ResultResponse struct {
	ID          string `json:"id"`
	RunID       string `json:"run_id"`
	PromptText  string `json:"prompt_text"`
	Ordinal     int    `json:"ordinal"`
	StageStatus string `json:"stage_status"`

	ErrorStage   string `json:"error_stage,omitempty"`
	ErrorCause   string `json:"error_cause,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	InputLabel      string          `json:"input_label,omitempty"`
	InputConfidence *float64        `json:"input_confidence,omitempty"`
	InputRaw        json.RawMessage `json:"input_raw_payload,omitempty"`
	InputProvider   string          `json:"input_provider,omitempty"`

	AnswerText  *string         `json:"answer_text,omitempty"`
	AnswerModel string          `json:"answer_model,omitempty"`
	AnswerRaw   json.RawMessage `json:"answer_raw_payload,omitempty"`

	OutputLabel      string          `json:"output_label,omitempty"`
	OutputConfidence *float64        `json:"output_confidence,omitempty"`
	OutputRaw        json.RawMessage `json:"output_raw_payload,omitempty"`
	OutputProvider   string          `json:"output_provider,omitempty"`

	HumanInputLabel  *string    `json:"human_input_label,omitempty"`
	HumanOutputLabel *string    `json:"human_output_label,omitempty"`
	HumanNote        string     `json:"human_note,omitempty"`
	Reviewer         string     `json:"reviewer,omitempty"`
	ReviewedAt       *time.Time `json:"reviewed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FlattenResult converts the internal result into the wire shape.
func FlattenResult(res *pipeline.Result) ResultResponse {
	out := ResultResponse{
		ID:          res.ID,
		RunID:       res.RunID,
		PromptText:  res.Prompt,
		Ordinal:     res.Ordinal,
		StageStatus: string(res.Status),
		CreatedAt:   res.CreatedAt,
	}

	if res.Error != nil {
		out.ErrorStage = string(res.Error.Stage)
		out.ErrorCause = res.Error.Cause
		out.ErrorMessage = res.Error.Message
	}
	if res.Input != nil {
		out.InputLabel = string(res.Input.Label)
		out.InputConfidence = res.Input.Confidence
		out.InputRaw = res.Input.Raw
		out.InputProvider = res.Input.Provider
	}
	if res.Answer != nil {
		text := res.Answer.Text
		out.AnswerText = &text
		out.AnswerModel = res.Answer.Model
		out.AnswerRaw = res.Answer.Raw
	}
	if res.Output != nil {
		out.OutputLabel = string(res.Output.Label)
		out.OutputConfidence = res.Output.Confidence
		out.OutputRaw = res.Output.Raw
		out.OutputProvider = res.Output.Provider
	}
	if res.Review != nil {
		if res.Review.InputLabel != nil {
			label := string(*res.Review.InputLabel)
			out.HumanInputLabel = &label
		}
		if res.Review.OutputLabel != nil {
			label := string(*res.Review.OutputLabel)
			out.HumanOutputLabel = &label
		}
		out.HumanNote = res.Review.Note
		out.Reviewer = res.Review.Reviewer
		reviewedAt := res.Review.ReviewedAt
		out.ReviewedAt = &reviewedAt
	}

	return out
}

// ResultListResponse wraps a page of results.
type ResultListResponse struct {
	Results []ResultResponse `json:"results"`
	Count   int              `json:"count"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
