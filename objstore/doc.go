// Package objstore is a small typed facade over an S3-compatible object
// store: GET/PUT/HEAD plus the conditional-write primitives
// (If-None-Match, If-Match) that the lease manager uses as its only
// source of atomicity.
//
// Transient failures (timeouts, 5xx, 503 slow-down) are retried with
// adaptive exponential backoff up to a fixed attempt budget.
// PreconditionFailed is never retried - it is a meaningful result, not a
// transient fault.
package objstore
