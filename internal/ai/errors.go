package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Kind classifies a capability failure for retry decisions and logging.
type Kind int

const (
	// KindTransient covers network errors and upstream 5xx; retried with
	// capped exponential backoff.
	KindTransient Kind = iota
	// KindValidation covers bad input/configuration; never retried.
	KindValidation
	// KindQuota covers rate/quota rejections; retryable after a delay and
	// only distinguished from transient in logs.
	KindQuota
	// KindPermanent covers auth and other non-retryable upstream failures.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindQuota:
		return "quota"
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// NoRetry marks an error as non-retryable so Policy.Do stops immediately.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before retrying, e.g. when the
// upstream returns HTTP 429. Policy.Do respects the hint (bounded by
// MaxDelay) and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// ClassifyErr maps an upstream error onto the failure taxonomy and wraps it
// so the retry policy treats it correctly.
func ClassifyErr(err error) (Kind, error) {
	if err == nil {
		return KindTransient, nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return KindQuota, RetryAfter(err, time.Second)
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return KindPermanent, NoRetry(err)
		case apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500:
			return KindValidation, NoRetry(err)
		default:
			return KindTransient, err
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient, err
	}
	return KindTransient, err
}
