package shared

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the override mutation pipeline. Handlers map
// these onto HTTP problem responses; callers retry on ErrConflict and
// ErrStoreUnavailable, never on the others.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input rejected before any write.
	ErrValidation = errors.New("validation failed")
	// ErrPolicyViolation indicates a mutation forbidden by policy, such as
	// an override targeting a director user.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrConflict indicates a concurrent writer won the same pair.
	ErrConflict = errors.New("concurrent modification conflict")
	// ErrStoreUnavailable indicates the override store could not be reached.
	ErrStoreUnavailable = errors.New("override store unavailable")
	// ErrMutationInProgress indicates a pending mutation already holds the pair.
	ErrMutationInProgress = errors.New("mutation already in progress for pair")
)

// Validationf wraps ErrValidation with detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Policyf wraps ErrPolicyViolation with detail.
func Policyf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPolicyViolation, fmt.Sprintf(format, args...))
}

// Retryable reports whether the caller may retry the failed mutation.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStoreUnavailable)
}

// ErrorKind returns the taxonomy name for err, or "internal" when the
// error does not belong to the taxonomy. API responses name error kinds
// rather than raw messages.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPolicyViolation):
		return "policy_violation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrMutationInProgress):
		return "mutation_in_progress"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "internal"
}
