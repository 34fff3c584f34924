package types

import (
	"errors"
	"fmt"
)

// ValidationError represents a structural manifest failure. It is fatal and
// never retried.
type ValidationError struct {
	Message string
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a new ValidationError with the given message.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// WrapValidationError wraps an error with additional context.
func WrapValidationError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	message := fmt.Sprintf(format, args...)
	var ve *ValidationError
	if errors.As(err, &ve) {
		return &ValidationError{Message: fmt.Sprintf("%s: %s", message, ve.Message)}
	}

	return &ValidationError{Message: fmt.Sprintf("%s: %v", message, err)}
}

// PolicyDeniedError represents a security-policy denial. It is reported to
// the caller and auditable, never retried automatically.
type PolicyDeniedError struct {
	TenantID string
	Reason   string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied for tenant %s: %s", e.TenantID, e.Reason)
}

// IsPolicyDenied checks if an error is a PolicyDeniedError.
func IsPolicyDenied(err error) bool {
	var pe *PolicyDeniedError
	return errors.As(err, &pe)
}

// ResourceExhaustedError reports resource requirements that could not be
// satisfied. The caller may retry later.
type ResourceExhaustedError struct {
	TenantID string
	Missing  []ResourceRequirement
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("insufficient resources for tenant %s: %d requirement(s) unsatisfied", e.TenantID, len(e.Missing))
}

// IsResourceExhausted checks if an error is a ResourceExhaustedError.
func IsResourceExhausted(err error) bool {
	var re *ResourceExhaustedError
	return errors.As(err, &re)
}

// QuotaExceededError reports an instance-quota denial with the observed and
// permitted counts.
type QuotaExceededError struct {
	ManifestID string
	TenantID   string
	Current    int
	Limit      int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("instance quota exceeded for %s in tenant %s: %d/%d", e.ManifestID, e.TenantID, e.Current, e.Limit)
}

// IsQuotaExceeded checks if an error is a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// InvalidTransitionError reports an operation that is not legal from the
// process's current status. No state change happens.
type InvalidTransitionError struct {
	ProcessID string
	From      ProcessStatus
	Operation string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s process %s in status %s", e.Operation, e.ProcessID, e.From)
}

// IsInvalidTransition checks if an error is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}

// NotFoundError reports a process id unknown to the registry.
type NotFoundError struct {
	ProcessID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("process %s not found", e.ProcessID)
}

// IsNotFound checks if an error is a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}
