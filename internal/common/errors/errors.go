// Package errors provides standardized error handling for the job
// lifecycle engine and its collaborators.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Lifecycle errors
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeAlreadyClaimed    ErrorCode = "ALREADY_CLAIMED"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeJobNotFound       ErrorCode = "JOB_NOT_FOUND"

	// Input errors
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Collaborator errors
	ErrCodeCollaboratorUnavailable ErrorCode = "COLLABORATOR_UNAVAILABLE"
	ErrCodeSettlementFailed        ErrorCode = "SETTLEMENT_FAILED"

	// Onboarding errors
	ErrCodeOnboardingNotFound ErrorCode = "ONBOARDING_NOT_FOUND"
	ErrCodeOnboardingComplete ErrorCode = "ONBOARDING_COMPLETE"
	ErrCodeStepEffectFailed   ErrorCode = "STEP_EFFECT_FAILED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// WithMetadata attaches reconciliation context (jobId, expected/actual
// status) to the error. Money-affecting failures must carry enough here
// for manual reconciliation.
func (e *StandardError) WithMetadata(md map[string]interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{}, len(md))
	}
	for k, v := range md {
		e.Metadata[k] = v
	}
	return e
}

// ==========================
// 2. Error Constructors
// ==========================

// NewInvalidTransitionError reports a move not allowed from the current
// status. Recoverable: the caller should refresh and re-display.
func NewInvalidTransitionError(jobID, attempted, actual string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidTransition,
		Message:   "Transition not allowed from current status",
		Details:   fmt.Sprintf("jobId: %s, attempted: %s, actualStatus: %s", jobID, attempted, actual),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewAlreadyClaimedError reports a lost pending->accepted race. The caller
// must treat this as "offer no longer available", not as retryable.
func NewAlreadyClaimedError(jobID, winnerID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeAlreadyClaimed,
		Message:   "Job already accepted by another fulfiller",
		Details:   fmt.Sprintf("jobId: %s, claimedBy: %s", jobID, winnerID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnauthorizedError reports an acting party not permitted on the job.
func NewUnauthorizedError(jobID, partyID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnauthorized,
		Message:   "Acting party is not authorized for this job",
		Details:   fmt.Sprintf("jobId: %s, partyId: %s", jobID, partyID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewJobNotFoundError reports an unknown job id.
func NewJobNotFoundError(jobID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeJobNotFound,
		Message:   "Job not found",
		Details:   fmt.Sprintf("jobId: %s", jobID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidInputError reports bad payout/duration/price inputs. Fatal,
// caller bug.
func NewInvalidInputError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidInput,
		Message:   "Invalid input",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewCollaboratorUnavailableError reports a timeout/5xx from a storage or
// payment collaborator. Retryable with backoff, bounded attempts.
func NewCollaboratorUnavailableError(collaborator string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeCollaboratorUnavailable,
		Message:   fmt.Sprintf("Collaborator '%s' unavailable", collaborator),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewSettlementFailedError reports a rejected settlement. The job must
// remain in_progress until resolved.
func NewSettlementFailedError(jobID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeSettlementFailed,
		Message:   "Settlement recording failed, job not completed",
		Details:   fmt.Sprintf("jobId: %s, error: %s", jobID, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewOnboardingNotFoundError reports an unknown provider onboarding record.
func NewOnboardingNotFoundError(providerID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeOnboardingNotFound,
		Message:   "Onboarding state not found",
		Details:   fmt.Sprintf("providerId: %s", providerID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewOnboardingCompleteError reports a mutation attempt on a completed
// onboarding record.
func NewOnboardingCompleteError(providerID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeOnboardingComplete,
		Message:   "Onboarding already complete and read-only",
		Details:   fmt.Sprintf("providerId: %s", providerID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStepEffectFailedError reports a failed side effect during onboarding
// step completion. The tracker stays at the failed step; retry is safe.
func NewStepEffectFailedError(providerID string, step int, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStepEffectFailed,
		Message:   "Onboarding step side effect failed",
		Details:   fmt.Sprintf("providerId: %s, step: %d, error: %s", providerID, step, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Utility Functions
// ==========================

// CodeOf extracts the ErrorCode from any error, or "INTERNAL_ERROR".
func CodeOf(err error) ErrorCode {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Code
	}
	return "INTERNAL_ERROR"
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether err may be retried with backoff.
func IsRetryable(err error) bool {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Retryable
	}
	return false
}

// GetRetryCount returns the recommended retry budget per error code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeCollaboratorUnavailable,
		ErrCodeSettlementFailed,
		ErrCodeStepEffectFailed:
		return 3 // Retryable technical errors

	default:
		return 0 // Business rejections: no retry
	}
}

// Normalize ensures we always have a StandardError.
func Normalize(err error) *StandardError {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	return &StandardError{
		Code:      "INTERNAL_ERROR",
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}
