package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrRetryExhausted wraps the last transient error after all attempts failed.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// RetryPolicy controls exponential backoff for transient platform errors.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

// DefaultRetryPolicy matches the orchestrator-wide default of three attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
	}
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.ExponentialBase
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	var bo backoff.BackOff = backoff.WithContext(b, ctx)
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))
	}
	return bo
}

func retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := backoff.Retry(func() error {
		var err error
		result, err = op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backoff(ctx))
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
			return result, err
		}
		return result, fmt.Errorf("%w: %w", ErrRetryExhausted, err)
	}
	return result, nil
}

// Retrying decorates a GitPlatform with the retry policy. Leaves retry;
// orchestrators see ErrRetryExhausted once attempts run out.
type Retrying struct {
	inner  GitPlatform
	policy RetryPolicy
}

// WithRetry wraps p with the given policy.
func WithRetry(p GitPlatform, policy RetryPolicy) *Retrying {
	return &Retrying{inner: p, policy: policy}
}

func (r *Retrying) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*Issue, error) {
	return retry(ctx, r.policy, func(ctx context.Context) (*Issue, error) {
		return r.inner.CreateIssue(ctx, repo, title, body, labels)
	})
}

func (r *Retrying) CloseIssue(ctx context.Context, repo string, number int) error {
	_, err := retry(ctx, r.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.CloseIssue(ctx, repo, number)
	})
	return err
}

func (r *Retrying) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	return retry(ctx, r.policy, func(ctx context.Context) (*Issue, error) {
		return r.inner.GetIssue(ctx, repo, number)
	})
}

func (r *Retrying) ListOpenIssues(ctx context.Context, repo string, labels []string) ([]Issue, error) {
	return retry(ctx, r.policy, func(ctx context.Context) ([]Issue, error) {
		return r.inner.ListOpenIssues(ctx, repo, labels)
	})
}

func (r *Retrying) GetComments(ctx context.Context, repo string, number int) ([]Comment, error) {
	return retry(ctx, r.policy, func(ctx context.Context) ([]Comment, error) {
		return r.inner.GetComments(ctx, repo, number)
	})
}

func (r *Retrying) AddComment(ctx context.Context, repo string, number int, body string) (*Comment, error) {
	return retry(ctx, r.policy, func(ctx context.Context) (*Comment, error) {
		return r.inner.AddComment(ctx, repo, number, body)
	})
}

func (r *Retrying) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	_, err := retry(ctx, r.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.AddLabels(ctx, repo, number, labels)
	})
	return err
}

func (r *Retrying) SearchLinkedPRs(ctx context.Context, repo string, issueNumber int) ([]PullRequest, error) {
	return retry(ctx, r.policy, func(ctx context.Context) ([]PullRequest, error) {
		return r.inner.SearchLinkedPRs(ctx, repo, issueNumber)
	})
}
