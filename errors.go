package phase

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeNoCaseID             = "PHASE_NO_CASE_ID"
	ErrCodeAlreadyRunning       = "PHASE_ALREADY_RUNNING"
	ErrCodeMaxRetriesExceeded   = "PHASE_MAX_RETRIES_EXCEEDED"
	ErrCodeUnknownPhase         = "PHASE_UNKNOWN"
	ErrCodeSkipNotAllowed       = "PHASE_SKIP_NOT_ALLOWED"
	ErrCodeInvalidTransition    = "PHASE_INVALID_TRANSITION"
	ErrCodeOutOfOrder           = "PHASE_OUT_OF_ORDER"
	ErrCodeWorkerFailed         = "PHASE_WORKER_FAILED"
	ErrCodePipelineNotFound     = "PIPELINE_NOT_FOUND"
	ErrCodePipelineNotStarted   = "PIPELINE_NOT_STARTED"
	ErrCodeInvalidConfiguration = "PIPELINE_INVALID_CONFIGURATION"
)

var (
	// ErrNoCaseID is the configuration error returned when a pipeline has no case.
	ErrNoCaseID = apperrors.New("case id is required", apperrors.CategoryValidation).
			WithTextCode(ErrCodeNoCaseID)
	ErrAlreadyRunning = apperrors.New("phase already running", apperrors.CategoryConflict).
				WithTextCode(ErrCodeAlreadyRunning)
	// ErrMaxRetriesExceeded is returned once a phase has used its attempt budget.
	ErrMaxRetriesExceeded = apperrors.New("phase retry budget exhausted", apperrors.CategoryConflict).
				WithTextCode(ErrCodeMaxRetriesExceeded)
	ErrUnknownPhase = apperrors.New("unknown phase", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeUnknownPhase)
	ErrSkipNotAllowed = apperrors.New("phase cannot be skipped", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeSkipNotAllowed)
	ErrInvalidTransition = apperrors.New("invalid phase transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	ErrOutOfOrder = apperrors.New("earlier phase has not finished", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeOutOfOrder)
	ErrWorker = apperrors.New("worker failed", apperrors.CategoryExternal).
			WithTextCode(ErrCodeWorkerFailed)
	ErrPipelineNotFound = apperrors.New("pipeline not found", apperrors.CategoryNotFound).
				WithTextCode(ErrCodePipelineNotFound)
	ErrPipelineNotStarted = apperrors.New("pipeline has not been started", apperrors.CategoryBadInput).
				WithTextCode(ErrCodePipelineNotStarted)
	ErrInvalidConfiguration = apperrors.New("invalid configuration", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidConfiguration)
)

// NewError clones a sentinel, optionally overriding the message and attaching
// a source error and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidTransition
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code carried by err, or "" for foreign errors.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	return code != "" && ErrorCode(err) == code
}
