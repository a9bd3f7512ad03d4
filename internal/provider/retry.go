package provider

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds retries for transient provider failures.
// Attempts counts total calls, so MaxAttempts=3 means up to two retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy is applied when the run configuration leaves the
// policy unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	return p
}

// WithRetry wraps a classifier with the bounded retry policy. Only
// transient causes (network, quota) are retried; auth and malformed
// failures propagate immediately.
func WithRetry(c Classifier, p RetryPolicy) Classifier {
	return &retryClassifier{inner: c, policy: p.normalized()}
}

// WithRetryGenerator wraps a generator with the bounded retry policy.
func WithRetryGenerator(g Generator, p RetryPolicy) Generator {
	return &retryGenerator{inner: g, policy: p.normalized()}
}

type retryClassifier struct {
	inner  Classifier
	policy RetryPolicy
}

func (r *retryClassifier) Name() string { return r.inner.Name() }

func (r *retryClassifier) Classify(ctx context.Context, text string) (*Classification, error) {
	var out *Classification
	err := retryDo(ctx, r.inner.Name(), "classify", r.policy, func() error {
		var callErr error
		out, callErr = r.inner.Classify(ctx, text)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type retryGenerator struct {
	inner  Generator
	policy RetryPolicy
}

func (r *retryGenerator) Name() string { return r.inner.Name() }

func (r *retryGenerator) Generate(ctx context.Context, prompt string) (*Generation, error) {
	var out *Generation
	err := retryDo(ctx, r.inner.Name(), "generate", r.policy, func() error {
		var callErr error
		out, callErr = r.inner.Generate(ctx, prompt)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func retryDo(ctx context.Context, name, op string, p RetryPolicy, call func() error) error {
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * p.BaseDelay
		log.Warn().
			Err(lastErr).
			Str("provider", name).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("transient provider failure, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}
