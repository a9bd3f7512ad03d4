package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func moderationServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/moderations" {
			t.Errorf("path = %q, want /moderations", r.URL.Path)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestModerationClassify_Flagged(t *testing.T) {
	srv := moderationServer(t, http.StatusOK,
		`{"results":[{"flagged":true,"category_scores":{"hate":0.91,"violence":0.12}}]}`)

	c := NewOpenAIModerationClassifier(NewOpenAIClient(srv.URL, "sk-test", time.Second), "")
	out, err := c.Classify(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if out.Label != LabelToxic {
		t.Errorf("Label = %q, want TOXIC", out.Label)
	}
	if out.Confidence == nil || *out.Confidence != 0.91 {
		t.Errorf("Confidence = %v, want 0.91 (max category score)", out.Confidence)
	}
	if len(out.Raw) == 0 {
		t.Error("Raw payload not preserved")
	}
}

func TestModerationClassify_NotFlagged(t *testing.T) {
	srv := moderationServer(t, http.StatusOK,
		`{"results":[{"flagged":false,"category_scores":{"hate":0.01}}]}`)

	c := NewOpenAIModerationClassifier(NewOpenAIClient(srv.URL, "sk-test", time.Second), "")
	out, err := c.Classify(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if out.Label != LabelSafe {
		t.Errorf("Label = %q, want SAFE", out.Label)
	}
}

func TestModerationClassify_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCause Cause
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad key"}`, CauseAuth},
		{"forbidden", http.StatusForbidden, `{}`, CauseAuth},
		{"rate limited", http.StatusTooManyRequests, `{}`, CauseQuota},
		{"server error", http.StatusInternalServerError, `{}`, CauseNetwork},
		{"bad gateway", http.StatusBadGateway, `{}`, CauseNetwork},
		{"unexpected status", http.StatusTeapot, `{}`, CauseMalformed},
		{"invalid json", http.StatusOK, `{not json`, CauseMalformed},
		{"empty results", http.StatusOK, `{"results":[]}`, CauseMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := moderationServer(t, tt.status, tt.body)
			c := NewOpenAIModerationClassifier(NewOpenAIClient(srv.URL, "sk-test", time.Second), "")

			_, err := c.Classify(context.Background(), "text")
			pe, ok := AsError(err)
			if !ok {
				t.Fatalf("expected provider error, got %v", err)
			}
			if pe.Cause != tt.wantCause {
				t.Errorf("Cause = %q, want %q", pe.Cause, tt.wantCause)
			}
		})
	}
}

func TestModerationClassify_TransportFailure(t *testing.T) {
	// Closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewOpenAIModerationClassifier(NewOpenAIClient(srv.URL, "sk-test", time.Second), "")
	_, err := c.Classify(context.Background(), "text")
	pe, ok := AsError(err)
	if !ok || pe.Cause != CauseNetwork {
		t.Errorf("expected network cause, got %v", err)
	}
}

func TestChatGenerate(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Write([]byte(`{"choices":[{"message":{"content":"generated answer"}}]}`))
	}))
	defer srv.Close()

	g := NewOpenAIChatGenerator(NewOpenAIClient(srv.URL, "sk-test", time.Second), "gpt-4o-mini")
	out, err := g.Generate(context.Background(), "the prompt")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Text != "generated answer" {
		t.Errorf("Text = %q, want %q", out.Text, "generated answer")
	}
	if out.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want gpt-4o-mini", out.Model)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotPayload["temperature"] != 0.2 {
		t.Errorf("temperature = %v, want 0.2", gotPayload["temperature"])
	}
}

func TestChatGenerate_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	g := NewOpenAIChatGenerator(NewOpenAIClient(srv.URL, "sk-test", time.Second), "")
	_, err := g.Generate(context.Background(), "prompt")
	pe, ok := AsError(err)
	if !ok || pe.Cause != CauseMalformed {
		t.Errorf("expected malformed cause, got %v", err)
	}
}

func TestGemmaClassify(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantLabel Label
		wantCause Cause
	}{
		{"safe", http.StatusOK, `{"label":"SAFE","score":0.97}`, LabelSafe, ""},
		{"toxic lowercase", http.StatusOK, `{"label":"toxic","score":0.88}`, LabelToxic, ""},
		{"unknown label", http.StatusOK, `{"label":"MAYBE"}`, "", CauseMalformed},
		{"overloaded", http.StatusServiceUnavailable, ``, "", CauseQuota},
		{"rate limited", http.StatusTooManyRequests, ``, "", CauseQuota},
		{"server error", http.StatusInternalServerError, ``, "", CauseNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/classify" {
					t.Errorf("path = %q, want /classify", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g := NewGemmaClassifier(srv.URL, "", time.Second)
			out, err := g.Classify(context.Background(), "text")

			if tt.wantCause != "" {
				pe, ok := AsError(err)
				if !ok || pe.Cause != tt.wantCause {
					t.Errorf("Cause = %v, want %q", err, tt.wantCause)
				}
				return
			}
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if out.Label != tt.wantLabel {
				t.Errorf("Label = %q, want %q", out.Label, tt.wantLabel)
			}
		})
	}
}
