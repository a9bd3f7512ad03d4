package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// GemmaClassifier talks to a locally hosted Gemma safety-classifier
// server over HTTP. The server wraps the fine-tuned model and exposes a
// single /classify endpoint returning {"label": "SAFE"|"TOXIC",
// "score": float, ...}.
type GemmaClassifier struct {
	baseURL string
	model   string
	http    *http.Client
}

func NewGemmaClassifier(baseURL, model string, timeout time.Duration) *GemmaClassifier {
	if baseURL == "" {
		baseURL = "http://localhost:8500"
	}
	if model == "" {
		model = "google/gemma-2b-it"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GemmaClassifier{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: timeout},
	}
}

func (g *GemmaClassifier) Name() string {
	return "gemma:" + g.model
}

type gemmaResponse struct {
	Label string   `json:"label"`
	Score *float64 `json:"score"`
}

func (g *GemmaClassifier) Classify(ctx context.Context, text string) (*Classification, error) {
	body, err := json.Marshal(map[string]string{"text": text, "model": g.model})
	if err != nil {
		return nil, &Error{Provider: g.Name(), Op: "classify", Cause: CauseMalformed, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: g.Name(), Op: "classify", Cause: CauseMalformed, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, &Error{Provider: g.Name(), Op: "classify", Cause: CauseNetwork, Err: err}
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, &Error{Provider: g.Name(), Op: "classify", Cause: CauseNetwork, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, &Error{Provider: g.Name(), Op: "classify", Cause: CauseQuota,
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return nil, &Error{Provider: g.Name(), Op: "classify", Cause: CauseNetwork,
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Provider: g.Name(), Op: "classify", Cause: CauseMalformed,
			Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(buf.String(), 200))}
	}

	raw := json.RawMessage(buf.Bytes())
	var parsed gemmaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Provider: g.Name(), Op: "classify", Cause: CauseMalformed, Err: err}
	}

	label := Label(strings.ToUpper(parsed.Label))
	if !label.Valid() {
		return nil, &Error{Provider: g.Name(), Op: "classify", Cause: CauseMalformed,
			Err: fmt.Errorf("unknown label %q", parsed.Label)}
	}

	return &Classification{
		Label:      label,
		Confidence: parsed.Score,
		Raw:        raw,
		Provider:   g.Name(),
	}, nil
}
