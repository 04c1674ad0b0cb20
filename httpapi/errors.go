package httpapi

import (
	stderrors "errors"
	"net/http"

	apperrors "github.com/goliatone/go-errors"

	phase "github.com/goliatone/go-phase"
)

var statusByCode = map[string]int{
	phase.ErrCodeNoCaseID:             http.StatusBadRequest,
	phase.ErrCodeInvalidConfiguration: http.StatusBadRequest,
	phase.ErrCodeUnknownPhase:         http.StatusNotFound,
	phase.ErrCodePipelineNotFound:     http.StatusNotFound,
	phase.ErrCodeAlreadyRunning:       http.StatusConflict,
	phase.ErrCodeMaxRetriesExceeded:   http.StatusConflict,
	phase.ErrCodeInvalidTransition:    http.StatusConflict,
	phase.ErrCodeOutOfOrder:           http.StatusConflict,
	phase.ErrCodePipelineNotStarted:   http.StatusConflict,
	phase.ErrCodeSkipNotAllowed:       http.StatusUnprocessableEntity,
	phase.ErrCodeWorkerFailed:         http.StatusBadGateway,
}

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if status, ok := statusByCode[phase.ErrorCode(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func errorMetadata(err error) map[string]any {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.Metadata
	}
	return nil
}
