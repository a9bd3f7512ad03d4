package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OpenAIClient talks to an OpenAI-compatible HTTP API. It backs both the
// moderation classifier and the chat-completion generator.
type OpenAIClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewOpenAIClient creates a client with the given base URL and key.
// An empty baseURL defaults to the public OpenAI endpoint.
func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// post sends a JSON request and returns the raw response body. Failures
// are mapped onto the provider error taxonomy: transport problems and
// 5xx are network, 401/403 are auth, 429 is quota, anything else that
// cannot be interpreted is malformed.
func (c *OpenAIClient) post(ctx context.Context, providerName, op, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Provider: providerName, Op: op, Cause: CauseMalformed, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: providerName, Op: op, Cause: CauseMalformed, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &Error{Provider: providerName, Op: op, Cause: CauseNetwork, Err: err}
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, &Error{Provider: providerName, Op: op, Cause: CauseNetwork, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Provider: providerName, Op: op, Cause: CauseAuth,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(buf.String(), 200))}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Provider: providerName, Op: op, Cause: CauseQuota,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(buf.String(), 200))}
	case resp.StatusCode >= 500:
		return nil, &Error{Provider: providerName, Op: op, Cause: CauseNetwork,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(buf.String(), 200))}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Provider: providerName, Op: op, Cause: CauseMalformed,
			Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(buf.String(), 200))}
	}

	return json.RawMessage(buf.Bytes()), nil
}

// OpenAIModerationClassifier classifies text via the moderations endpoint.
type OpenAIModerationClassifier struct {
	client *OpenAIClient
	model  string
}

func NewOpenAIModerationClassifier(client *OpenAIClient, model string) *OpenAIModerationClassifier {
	if model == "" {
		model = "omni-moderation-latest"
	}
	return &OpenAIModerationClassifier{client: client, model: model}
}

func (m *OpenAIModerationClassifier) Name() string {
	return "openai:" + m.model
}

type moderationResponse struct {
	Results []struct {
		Flagged        bool               `json:"flagged"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

func (m *OpenAIModerationClassifier) Classify(ctx context.Context, text string) (*Classification, error) {
	raw, err := m.client.post(ctx, m.Name(), "classify", "/moderations", map[string]any{
		"model": m.model,
		"input": text,
	})
	if err != nil {
		return nil, err
	}

	var parsed moderationResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Provider: m.Name(), Op: "classify", Cause: CauseMalformed, Err: err}
	}
	if len(parsed.Results) == 0 {
		return nil, &Error{Provider: m.Name(), Op: "classify", Cause: CauseMalformed,
			Err: fmt.Errorf("empty results array")}
	}

	result := parsed.Results[0]
	label := LabelSafe
	if result.Flagged {
		label = LabelToxic
	}

	var confidence *float64
	if len(result.CategoryScores) > 0 {
		max := 0.0
		for _, score := range result.CategoryScores {
			if score > max {
				max = score
			}
		}
		confidence = &max
	}

	return &Classification{
		Label:      label,
		Confidence: confidence,
		Raw:        raw,
		Provider:   m.Name(),
	}, nil
}

// OpenAIChatGenerator generates answers via the chat completions endpoint.
type OpenAIChatGenerator struct {
	client      *OpenAIClient
	model       string
	temperature float64
}

func NewOpenAIChatGenerator(client *OpenAIClient, model string) *OpenAIChatGenerator {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIChatGenerator{client: client, model: model, temperature: 0.2}
}

func (g *OpenAIChatGenerator) Name() string {
	return "openai:" + g.model
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (g *OpenAIChatGenerator) Generate(ctx context.Context, prompt string) (*Generation, error) {
	raw, err := g.client.post(ctx, g.Name(), "generate", "/chat/completions", map[string]any{
		"model":       g.model,
		"temperature": g.temperature,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	})
	if err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Provider: g.Name(), Op: "generate", Cause: CauseMalformed, Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Provider: g.Name(), Op: "generate", Cause: CauseMalformed,
			Err: fmt.Errorf("empty choices array")}
	}

	return &Generation{
		Text:  parsed.Choices[0].Message.Content,
		Model: g.model,
		Raw:   raw,
	}, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
