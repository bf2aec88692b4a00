// Package errors defines unified error types for the coaching pipeline.
// Collaborator-specific failures are mapped to these standard kinds so that
// callers can branch on behavior instead of concrete types.
package errors

import (
	"errors"
	"fmt"
)

// Kind discriminates pipeline error behavior.
type Kind string

// Error kinds as constants for consistency.
const (
	// KindQuotaExceeded is terminal and surfaced before any stage runs.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindRecoverableStage triggers a deterministic fallback response.
	KindRecoverableStage Kind = "recoverable_stage_error"
	// KindStepTimeout is non-terminal: it forces the cheap quality tier and
	// consumes a retry slot.
	KindStepTimeout Kind = "step_timeout"
	// KindRaceBothFailed means neither race leg produced a valid result.
	KindRaceBothFailed Kind = "race_both_failed"
	// KindOrchestration wraps anything unexpected; always logged with full
	// context before being returned.
	KindOrchestration Kind = "orchestration_error"
	// KindCacheUnavailable is never terminal: every cache operation degrades
	// to a miss and execution proceeds.
	KindCacheUnavailable Kind = "cache_unavailable"
)

// PipelineError is a standardized error carrying the failed step and the
// wrapped cause.
type PipelineError struct {
	Kind     Kind   `json:"kind"`
	Step     string `json:"step,omitempty"`
	Message  string `json:"message"`
	Terminal bool   `json:"-"`
	Err      error  `json:"-"`
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s (step=%s)", e.Kind, e.Message, e.Step)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// HasKind reports whether err carries the given kind anywhere in its chain.
func HasKind(err error, kind Kind) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// NewQuotaExceeded creates a terminal quota error for a user.
func NewQuotaExceeded(userID string) *PipelineError {
	return &PipelineError{
		Kind:     KindQuotaExceeded,
		Message:  fmt.Sprintf("quota exhausted for user %s", userID),
		Terminal: true,
	}
}

// NewRecoverableStage marks a stage failure that degrades to a fallback
// response instead of failing the request.
func NewRecoverableStage(step string, err error) *PipelineError {
	return &PipelineError{
		Kind:    KindRecoverableStage,
		Step:    step,
		Message: "stage failed recoverably",
		Err:     err,
	}
}

// NewStepTimeout creates a timeout error for one collaborator call.
func NewStepTimeout(step string, err error) *PipelineError {
	return &PipelineError{
		Kind:    KindStepTimeout,
		Step:    step,
		Message: "step deadline exceeded",
		Err:     err,
	}
}

// NewRaceBothFailed aggregates both legs' failures.
func NewRaceBothFailed(primary, secondary string, primaryErr, secondaryErr error) *PipelineError {
	return &PipelineError{
		Kind:     KindRaceBothFailed,
		Message:  fmt.Sprintf("both race legs failed: %s: %v; %s: %v", primary, primaryErr, secondary, secondaryErr),
		Terminal: true,
		Err:      errors.Join(primaryErr, secondaryErr),
	}
}

// NewOrchestration wraps an unexpected error so collaborator-specific types
// never escape the orchestrator boundary.
func NewOrchestration(step string, err error) *PipelineError {
	return &PipelineError{
		Kind:     KindOrchestration,
		Step:     step,
		Message:  "pipeline execution failed",
		Terminal: true,
		Err:      err,
	}
}

// NewCacheUnavailable marks a cache-tier failure that the caller must treat
// as a miss.
func NewCacheUnavailable(op string, err error) *PipelineError {
	return &PipelineError{
		Kind:    KindCacheUnavailable,
		Step:    op,
		Message: "cache tier unavailable",
		Err:     err,
	}
}
