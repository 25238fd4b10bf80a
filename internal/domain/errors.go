package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors used throughout the application.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidInput       = errors.New("invalid input")
	ErrLockConflict       = errors.New("deployment lock held by another deployment")
	ErrStalePlan          = errors.New("plan is stale")
	ErrStaleTarget        = errors.New("deployment state does not admit this operation")
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Error codes for standardized API error responses.
const (
	ErrCodeResourceNotFound    = "RESOURCE_NOT_FOUND"
	ErrCodeValidationError     = "VALIDATION_ERROR"
	ErrCodeGuardrailBlocked    = "GUARDRAIL_BLOCKED"
	ErrCodeLockConflict        = "LOCK_CONFLICT"
	ErrCodeCompileError        = "COMPILE_ERROR"
	ErrCodePartialApplyFailure = "PARTIAL_APPLY_FAILURE"
	ErrCodeStaleTarget         = "STALE_DEPLOYMENT_TARGET"
	ErrCodeStalePlan           = "STALE_PLAN"
	ErrCodePreconditionFailed  = "PRECONDITION_FAILED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// StandardError represents a standardized error response from the API.
type StandardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StandardErrorResponse wraps a StandardError for JSON responses.
type StandardErrorResponse struct {
	Error StandardError `json:"error"`
}

// ValidationError marks a request rejected before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError builds a field-scoped validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// GuardrailBlockedError carries the full evaluation result of a blocked
// deployment.
type GuardrailBlockedError struct {
	Status GuardrailStatus
}

func (e *GuardrailBlockedError) Error() string {
	return "guardrails blocked deployment: " + strings.Join(e.Status.BlockedReasons, "; ")
}

// PartialApplyError reports an entry write that failed mid-apply. Applied
// entries were reverted from before-images; RevertErrors carries anything
// that went wrong during the revert itself.
type PartialApplyError struct {
	RuleID       string
	Cause        error
	RevertErrors error
}

func (e *PartialApplyError) Error() string {
	msg := fmt.Sprintf("apply failed at rule %s: %v (applied entries reverted)", e.RuleID, e.Cause)
	if e.RevertErrors != nil {
		msg += fmt.Sprintf("; revert errors: %v", e.RevertErrors)
	}
	return msg
}

func (e *PartialApplyError) Unwrap() error { return e.Cause }

// BundleError marks an upload bundle the engine could not accept at all.
// Item-level compile failures are recorded on items instead and do not
// produce a BundleError.
type BundleError struct {
	Reason string
}

func (e *BundleError) Error() string {
	return "invalid rule pack bundle: " + e.Reason
}
