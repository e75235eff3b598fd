package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/astrid-app/astrid-agent/internal/errors"
)

// statusError is a non-2xx response from a model API.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

// retryable reports whether a response status is worth retrying.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// withRetry runs op with exponential backoff. Non-retryable failures are
// marked permanent so backoff gives up immediately.
func withRetry[T any](ctx context.Context, maxRetries int, base time.Duration, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = 30 * time.Second

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxRetries+1)),
	)
	if err != nil && ctx.Err() != nil {
		return result, errors.Join(errors.ErrCanceled, ctx.Err())
	}
	return result, err
}

// classify turns an HTTP failure into a backoff decision.
func classify(resp *http.Response, msg string) error {
	err := &statusError{Status: resp.StatusCode, Body: msg}
	if !retryable(resp.StatusCode) {
		return backoff.Permanent(err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			return backoff.RetryAfter(secs)
		}
	}
	return err
}

func readBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
