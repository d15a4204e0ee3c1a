/*
errors.go - Centralized error types for the balance engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages and the HTTP façade branch on these with errors.Is /
  errors.As; nothing in the engine panics or returns stringly errors.

ERROR CATEGORIES:
  1. Policy rejections  - business-rule violations, never retried as-is
  2. Concurrency        - transient CAS losses, retried internally
  3. Idempotency        - duplicate correlation IDs, treated as success
  4. Storage            - infrastructure faults, bubbled up wrapped

USAGE:
  result, err := coord.Apply(ctx, req)
  switch {
  case err == nil:                          // accepted (or duplicate)
  case ledger.IsClientError(err):           // 400-class
  case errors.Is(err, ledger.ErrConflict):  // 409, caller re-evaluates
  default:                                  // 500-class storage fault
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrPolicyRejected is returned when a domain rule-set rejects a
	// proposed mutation. This is a normal, reported outcome.
	ErrPolicyRejected = errors.New("policy rejected")

	// ErrVersionConflict is returned by stores when the conditional
	// update loses a race (version moved, or the server-side invariant
	// guard failed). The coordinator retries these internally.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConflict is surfaced to callers after the retry budget or the
	// caller's deadline is exhausted. The whole operation is safe to
	// retry from scratch.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrDuplicateCorrelation is returned by stores when an entry with
	// the same (domain, subject, correlationID) already exists. The
	// coordinator resolves it into a no-op success.
	ErrDuplicateCorrelation = errors.New("duplicate correlation id")

	// ErrSubjectNotFound is returned when a subject has no balance
	// record and the operation does not materialize one.
	ErrSubjectNotFound = errors.New("subject not found")

	// ErrInvalidDomain is returned for an unknown domain tag.
	ErrInvalidDomain = errors.New("invalid domain")

	// ErrCorrelationRequired is returned when an apply carries no
	// correlation ID. Every mutation must be idempotently retryable.
	ErrCorrelationRequired = errors.New("correlation id required")
)

// =============================================================================
// STRUCTURED ERRORS - Carry the numbers user-facing messages need
// =============================================================================

// RejectionError is a policy rejection with the specific violated rule
// and the actionable quantities at rejection time.
type RejectionError struct {
	Domain    Domain
	SubjectID SubjectID
	Rule      string // e.g. "insufficient_stock", "coupon_expired"
	Message   string

	Available  int64
	MinAllowed int64
	MaxAllowed int64
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s/%s rejected (%s): %s", e.Domain, e.SubjectID, e.Rule, e.Message)
}

func (e *RejectionError) Unwrap() error { return ErrPolicyRejected }

// NewRejection builds a RejectionError from a rejecting PolicyDecision.
func NewRejection(domain Domain, subjectID SubjectID, d PolicyDecision) *RejectionError {
	return &RejectionError{
		Domain:     domain,
		SubjectID:  subjectID,
		Rule:       d.Reason,
		Message:    d.Reason,
		Available:  d.Available,
		MinAllowed: d.MinAllowed,
		MaxAllowed: d.MaxAllowed,
	}
}

// ConflictError reports an exhausted retry loop.
type ConflictError struct {
	Domain    Domain
	SubjectID SubjectID
	Attempts  int
	Cause     error // last ErrVersionConflict or ctx error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s/%s conflict after %d attempts: %v", e.Domain, e.SubjectID, e.Attempts, e.Cause)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation might succeed when
// retried from scratch with the same input.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrVersionConflict)
}

// IsClientError returns true if the error is due to the request itself
// (400-class), as opposed to contention or infrastructure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrPolicyRejected) ||
		errors.Is(err, ErrInvalidDomain) ||
		errors.Is(err, ErrCorrelationRequired) ||
		errors.Is(err, ErrSubjectNotFound)
}
