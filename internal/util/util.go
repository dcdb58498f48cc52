// Package util holds small cross-cutting helpers shared by every gateway.
package util

import (
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecordSpanError marks span as failed and attaches err, the shape every
// gateway method in this repo uses on its error path.
func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// JobInputKey returns the object-store key for a job's submitted program.
func JobInputKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/program", jobID)
}

// JobResultKey returns the object-store key for a job's result.
func JobResultKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/result", jobID)
}

// RetryOnce invokes fn, and invokes it exactly once more if the first
// attempt failed, with no backoff between attempts. The external-I/O call
// sites (token-info lookups, parameter-store reads, object-store and
// record-store calls) use this before wrapping a surviving failure as
// apierror.CodeInternal; recordstore.Store.Get retries inline instead, so
// that a not-found result is not retried.
func RetryOnce(fn func() error) error {
	if err := fn(); err != nil {
		return fn()
	}
	return nil
}
