/*
errors.go - Error taxonomy for the token engine

PURPOSE:
  All error types in one place. Every failure the engine reports falls into
  one of four classes, and callers decide what to do from the class alone.

ERROR CLASSES:
  1. ValidationError     - Malformed input. Rejected before any write;
                           safe to retry once corrected.
  2. ConstraintViolation - Business rule rejection (code exhausted, limit
                           reached, insufficient balance). Carries a Reason.
                           Never retried automatically.
  3. ConcurrencyConflict - Lost a race (lock not obtained, store busy).
                           Transient; retry with fresh state.
  4. ExternalDependencyError - Store unreachable or failing. The only class
                           that maps to a 5xx.

USAGE:
  if errors.Is(err, ledger.ErrConstraintViolation) {
      reason := ledger.ReasonOf(err)
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
	ErrValidation          = errors.New("validation error")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrExternalDependency  = errors.New("external dependency error")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique key (code, schedule name) is taken.
	ErrDuplicate = errors.New("duplicate")

	// Validation kinds, wrapped by ValidationError.
	ErrInvalidAmount = errors.New("invalid amount")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidEnum   = errors.New("invalid enum value")
	ErrInvalidInput  = errors.New("invalid input")
)

// =============================================================================
// REASONS - Specific business-rule failures
// =============================================================================

type Reason string

const (
	ReasonCodeNotFound          Reason = "code_not_found"
	ReasonCodeDisabled          Reason = "code_disabled"
	ReasonCodeNotYetValid       Reason = "code_not_yet_valid"
	ReasonCodeExpired           Reason = "code_expired"
	ReasonCurrencyNotApplicable Reason = "currency_not_applicable"
	ReasonBelowMinimumPurchase  Reason = "below_minimum_purchase"
	ReasonCodeExhausted         Reason = "code_exhausted"
	ReasonAccountLimitReached   Reason = "account_limit_reached"
	ReasonFirstPurchaseOnly     Reason = "first_purchase_only"
	ReasonVerificationRequired  Reason = "verification_required"

	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonNegativeBucket      Reason = "negative_bucket"
	ReasonAccountClosed       Reason = "account_closed"
	ReasonDuplicateCode       Reason = "duplicate_code"
	ReasonDuplicateName       Reason = "duplicate_name"
	ReasonScheduleDisabled    Reason = "schedule_disabled"
	ReasonOverlappingTiers    Reason = "overlapping_tiers"
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError describes malformed input.
type ValidationError struct {
	Field   string
	Message string
	Kind    error // one of ErrInvalidAmount, ErrMissingField, ErrInvalidEnum, ErrInvalidInput
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Message)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() []error {
	if e.Kind == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Kind}
}

// InvalidAmount builds the ValidationError for a non-positive amount.
func InvalidAmount(field string, got int64) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be greater than zero, got %d", got),
		Kind:    ErrInvalidAmount,
	}
}

// MissingField builds the ValidationError for an empty required field.
func MissingField(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "is required", Kind: ErrMissingField}
}

// InvalidEnum builds the ValidationError for an unknown enum value.
func InvalidEnum(field string, value any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf("unknown value %q", fmt.Sprint(value)), Kind: ErrInvalidEnum}
}

// Invalid builds a generic ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Kind: ErrInvalidInput}
}

// ConstraintViolation is a business-rule rejection.
type ConstraintViolation struct {
	Reason  Reason
	Message string
}

func (e *ConstraintViolation) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("constraint violation: %s", e.Reason)
	}
	return fmt.Sprintf("constraint violation: %s: %s", e.Reason, e.Message)
}

func (e *ConstraintViolation) Unwrap() error { return ErrConstraintViolation }

// Violation builds a ConstraintViolation.
func Violation(reason Reason, format string, args ...any) *ConstraintViolation {
	return &ConstraintViolation{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ConcurrencyConflict reports a lost race. Callers retry with fresh state.
type ConcurrencyConflict struct {
	Resource string
	Err      error
}

func (e *ConcurrencyConflict) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("concurrency conflict on %s", e.Resource)
	}
	return fmt.Sprintf("concurrency conflict on %s: %v", e.Resource, e.Err)
}

func (e *ConcurrencyConflict) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConcurrencyConflict}
	}
	return []error{ErrConcurrencyConflict, e.Err}
}

// ExternalDependencyError wraps a failure of the backing store.
type ExternalDependencyError struct {
	Op  string
	Err error
}

func (e *ExternalDependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExternalDependencyError) Unwrap() []error {
	return []error{ErrExternalDependency, e.Err}
}

// External wraps err as an ExternalDependencyError unless it already carries
// one of the engine's classes, in which case it is returned unchanged.
func External(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrConstraintViolation) ||
		errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrExternalDependency) ||
		errors.Is(err, ErrNotFound) {
		return err
	}
	return &ExternalDependencyError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrConstraintViolation)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsExternal returns true if the store failed.
func IsExternal(err error) bool {
	return errors.Is(err, ErrExternalDependency)
}

// ReasonOf extracts the Reason of a ConstraintViolation, or "".
func ReasonOf(err error) Reason {
	var cv *ConstraintViolation
	if errors.As(err, &cv) {
		return cv.Reason
	}
	return ""
}
