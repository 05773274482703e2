package objstore

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// retry runs fn up to maxAttempts times with adaptive exponential backoff
// and jitter between attempts, per attempt-scoped timeout. A permanent
// result (ErrNotFound, ErrPreconditionFailed) is returned immediately,
// never retried. Of what's left, only the transient classes (timeouts,
// 5xx, slow-down) get retried; anything else non-transient is surfaced
// on the first failure instead of burning the retry budget. Exhausting
// the budget on a transient error comes back wrapped in
// StorageUnavailable.
func (c *Client) retry(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return err
		}
		if !isTransientErr(err) {
			return &StorageUnavailable{Op: op, Err: err}
		}
		lastErr = err
	}
	return &StorageUnavailable{Op: op, Err: lastErr}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay << uint(attempt-1)
	if d > c.maxDelay || d <= 0 {
		d = c.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) + 1))
	return d/2 + jitter/2
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPreconditionFailed)
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func statusCode(err error) int {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}

func isNotFoundErr(err error) bool {
	switch errorCode(err) {
	case "NoSuchKey", "NotFound":
		return true
	}
	return statusCode(err) == 404
}

func isPreconditionFailedErr(err error) bool {
	if errorCode(err) == "PreconditionFailed" {
		return true
	}
	return statusCode(err) == 412
}

// isTransientErr classifies an S3 error as retryable: timeouts, 5xx, and
// 503 slow-down. Errors with no discoverable HTTP status (connection
// resets, DNS failures) are conservatively treated as transient too.
func isTransientErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch errorCode(err) {
	case "SlowDown", "RequestTimeout", "InternalError":
		return true
	}
	code := statusCode(err)
	if code == 0 {
		return true
	}
	return code >= 500
}
