package compute

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultMaxRetries is the number of retries after the first attempt.
const DefaultMaxRetries = 5

// RetryPolicy decides how cloud API calls are retried by the transport.
// Backends translate it into their native retry hook (a gRPC interceptor,
// a gax.Retryer); tests substitute a deterministic policy.
type RetryPolicy struct {
	// MaxRetries bounds the retries after the first attempt.
	MaxRetries uint64

	// Retryable reports whether err is worth another attempt.  Nil means
	// IsUnavailable.
	Retryable func(err error) bool

	// NewBackOff returns a fresh backoff for one logical call.  Nil means
	// an exponential backoff.
	NewBackOff func() backoff.BackOff
}

// DefaultRetryPolicy retries up to DefaultMaxRetries times, and only when
// the service reports itself unavailable.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		Retryable:  IsUnavailable,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// ShouldRetry applies the Retryable predicate.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if p.Retryable == nil {
		return IsUnavailable(err)
	}
	return p.Retryable(err)
}

// BackOff returns the bounded backoff for one logical call.
func (p RetryPolicy) BackOff() backoff.BackOff {
	var b backoff.BackOff
	if p.NewBackOff != nil {
		b = p.NewBackOff()
	} else {
		b = backoff.NewExponentialBackOff()
	}
	return backoff.WithMaxRetries(b, p.MaxRetries)
}

// Do calls op until it succeeds, returns a non-retryable error, or the
// retry budget is spent.  notify, if non-nil, is called before each retry.
func (p RetryPolicy) Do(ctx context.Context, op func() error, notify func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !p.ShouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(p.BackOff(), ctx), notify)
}

// IsUnavailable reports whether err is a "service unavailable" condition,
// either a gRPC UNAVAILABLE status or an HTTP 503 from a REST API.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if status.Code(err) == codes.Unavailable {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusServiceUnavailable
	}
	return false
}
