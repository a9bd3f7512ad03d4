// Package provider defines the capability contracts for external
// classification and generation backends, plus the concrete HTTP
// implementations selected at run start. A provider implements exactly
// one contract; the pipeline never re-resolves providers per item.
package provider

import (
	"context"
	"encoding/json"
)

// Label is the two-valued verdict produced by a classifier.
type Label string

const (
	LabelSafe  Label = "SAFE"
	LabelToxic Label = "TOXIC"
)

// Valid reports whether l is one of the known labels.
func (l Label) Valid() bool {
	return l == LabelSafe || l == LabelToxic
}

// Classification is the outcome of one classifier call. Raw carries the
// untouched provider payload for audit and is persisted even on partial
// pipeline paths.
type Classification struct {
	Label      Label           `json:"label"`
	Confidence *float64        `json:"confidence,omitempty"`
	Raw        json.RawMessage `json:"raw"`
	Provider   string          `json:"provider"`
}

// Generation is the outcome of one generator call.
type Generation struct {
	Text  string          `json:"text"`
	Model string          `json:"model"`
	Raw   json.RawMessage `json:"raw"`
}

// Classifier labels a piece of text as SAFE or TOXIC.
type Classifier interface {
	// Name identifies the backend and model, e.g. "openai:omni-moderation-latest".
	Name() string
	Classify(ctx context.Context, text string) (*Classification, error)
}

// Generator produces an answer for a prompt.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string) (*Generation, error)
}
