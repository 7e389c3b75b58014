package migrate

import (
	"errors"
	"fmt"
)

// Kind classifies a migration error. The pipeline uses the kind to decide
// between backoff-and-retry, redelivery, and a terminal failure.
type Kind string

const (
	// KindTransientNetwork and KindProviderRateLimit are retryable with
	// exponential backoff.
	KindTransientNetwork  Kind = "transient_network"
	KindProviderRateLimit Kind = "provider_rate_limit"

	// The following kinds are fatal: retrying the same operation cannot
	// succeed, so the job transitions to Failed immediately.
	KindAuth                  Kind = "auth"
	KindNotFound              Kind = "not_found"
	KindUnsupportedConversion Kind = "unsupported_conversion"
	KindIntegrity             Kind = "integrity"

	// KindStagingExhausted means staging capacity is currently unavailable.
	// The task is redelivered later; the attempt is not counted against the
	// stage's retry budget.
	KindStagingExhausted Kind = "staging_exhausted"

	// KindInternal covers everything else. Treated as retryable so a bug or
	// an unmapped provider error does not silently burn a job.
	KindInternal Kind = "internal"
)

// Error is a classified migration error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and the operation that produced it.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is a convenience constructor for classified errors.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err. Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}

// Retryable reports whether the stage that produced err should be retried
// with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindProviderRateLimit, KindInternal:
		return true
	}
	return false
}

// Redeliverable reports whether err asks for task redelivery without
// consuming a retry attempt.
func Redeliverable(err error) bool {
	return KindOf(err) == KindStagingExhausted
}
