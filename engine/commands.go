package engine

import (
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/events"
)

// StartPipeline resets all phase state for caseID and starts the first phase.
// A run already in progress is discarded as if stopped.
func (e *Engine) StartPipeline(caseID string) (*phase.PipelineRun, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return nil, phase.ErrNoCaseID.Clone()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.epoch++
	e.cancelRetriesLocked()
	e.resetLocked(caseID)

	now := time.Now().UTC()
	e.run.RunID = uuid.NewString()
	e.run.Status = phase.PipelineRunning
	e.run.StartedAt = now
	e.run.UpdatedAt = now

	e.log().Info("pipeline started run_id=%s phases=%d", e.run.RunID, e.catalog.Len())
	e.emitLocked(events.New(events.PipelineStarted, caseID))

	if err := e.startPhaseLocked(0, phase.TriggerInitial, ""); err != nil {
		return nil, err
	}
	return e.run.Clone(), nil
}

// StartPhase starts phaseID. It never waits for the worker. An exhausted phase
// is rejected with MaxRetriesExceeded; only RetryPhase reopens its budget.
func (e *Engine) StartPhase(phaseID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := e.lookupLocked(phaseID)
	if err != nil {
		return err
	}
	pr := &e.run.Phases[idx]

	switch {
	case pr.Status == phase.StatusRunning:
		return e.phaseError(phase.ErrAlreadyRunning, idx, "")
	case pr.Status.Terminal():
		return e.phaseError(phase.ErrInvalidTransition, idx, "phase "+string(pr.Status))
	}
	for i := 0; i < idx; i++ {
		if !e.run.Phases[i].Status.Terminal() {
			return e.phaseError(phase.ErrOutOfOrder, idx, "phase "+e.run.Phases[i].PhaseID+" has not finished")
		}
	}
	if pr.Attempts >= e.budgetLocked(idx) {
		return e.phaseError(phase.ErrMaxRetriesExceeded, idx, "")
	}

	trigger := phase.TriggerInitial
	if pr.Attempts > 0 {
		trigger = phase.TriggerOperatorRetry
	}
	e.cancelRetryLocked(idx)
	e.resumeStatusLocked()
	return e.startPhaseLocked(idx, trigger, "")
}

// RetryPhase starts a fresh attempt of a failed phase right away, cancelling
// any pending backoff. When the phase exhausted its budget and awaits an
// operator, the retry opens a new window of MaxAttempts attempts.
func (e *Engine) RetryPhase(phaseID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := e.lookupLocked(phaseID)
	if err != nil {
		return err
	}
	pr := &e.run.Phases[idx]

	switch pr.Status {
	case phase.StatusFailed:
	case phase.StatusRunning:
		return e.phaseError(phase.ErrAlreadyRunning, idx, "")
	default:
		return e.phaseError(phase.ErrInvalidTransition, idx, "only failed phases can be retried")
	}
	if pr.Attempts >= e.budgetLocked(idx) {
		if !pr.NeedsIntervention {
			return e.phaseError(phase.ErrMaxRetriesExceeded, idx, "")
		}
		e.phases[idx].windowStart = pr.Attempts
		e.phaseLog(idx).Warn("operator granted a new retry budget of %d attempts", e.maxAttempts)
	}

	e.cancelRetryLocked(idx)
	e.resumeStatusLocked()
	e.phaseLog(idx).Info("operator retry")
	return e.startPhaseLocked(idx, phase.TriggerOperatorRetry, "")
}

// SkipPhase marks phaseID Skipped and advances as a completion would.
// The first and last phases cannot be skipped.
//
// Besides Ready and Pending, a Failed phase may be skipped so a halted
// pipeline can move on, and so may a Running one, in which case the
// in-flight outcome is discarded. Skipping a Pending phase ahead of the
// cursor defers its phase.skipped event until sequencing reaches it.
func (e *Engine) SkipPhase(phaseID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := e.lookupLocked(phaseID)
	if err != nil {
		return err
	}
	if e.run.Status == phase.PipelineIdle {
		return e.phaseError(phase.ErrPipelineNotStarted, idx, "")
	}
	if e.catalog.IsBoundary(idx) {
		return e.phaseError(phase.ErrSkipNotAllowed, idx, "first and last phases cannot be skipped")
	}
	pr := &e.run.Phases[idx]
	if pr.Status.Terminal() {
		return e.phaseError(phase.ErrSkipNotAllowed, idx, "phase already "+string(pr.Status))
	}

	prev := pr.Status
	ps := &e.phases[idx]
	e.cancelRetryLocked(idx)
	ps.token++

	now := time.Now().UTC()
	pr.Status = phase.StatusSkipped
	pr.Progress = 100
	pr.EndedAt = &now
	pr.NeedsIntervention = false
	pr.Actionable = nil
	e.touchLocked()

	log := e.phaseLog(idx)
	switch prev {
	case phase.StatusPending:
		log.Warn("skipping phase that was never attempted")
	case phase.StatusRunning:
		log.Info("skipping running phase, in-flight outcome will be discarded")
	default:
		log.Info("phase skipped")
	}

	if idx != e.run.CurrentPhaseIndex {
		ps.skipPending = true
		return nil
	}

	e.resumeStatusLocked()
	e.emitLocked(e.phaseEventLocked(events.PhaseSkipped, idx))
	e.advanceLocked(idx)
	return nil
}

// PausePipeline stops auto-advance. The in-flight phase keeps running.
func (e *Engine) PausePipeline() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.run.Status {
	case phase.PipelineIdle:
		return e.pipelineError(phase.ErrPipelineNotStarted)
	case phase.PipelineCompleted:
		return nil
	case phase.PipelineRunning:
		e.run.Status = phase.PipelinePaused
	}
	e.paused = true
	e.touchLocked()
	e.log().Info("pipeline paused at phase index %d", e.run.CurrentPhaseIndex)
	return nil
}

// ResumePipeline clears the pause and starts the current phase if it is Ready.
func (e *Engine) ResumePipeline() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.run.Status {
	case phase.PipelineIdle:
		return e.pipelineError(phase.ErrPipelineNotStarted)
	case phase.PipelineCompleted:
		return nil
	}
	e.paused = false
	if e.run.Status == phase.PipelinePaused {
		e.run.Status = phase.PipelineRunning
	}
	e.touchLocked()
	e.log().Info("pipeline resumed")

	if e.run.Status != phase.PipelineRunning {
		return nil
	}
	idx := e.run.CurrentPhaseIndex
	switch pr := e.run.Phases[idx]; {
	case pr.Status == phase.StatusReady && pr.Attempts < e.budgetLocked(idx):
		return e.startPhaseLocked(idx, phase.TriggerInitial, "")
	case pr.Status.Terminal():
		e.advanceLocked(idx)
	}
	return nil
}

// StopPipeline discards all phase state and returns to Idle. The case ID is
// kept. In-flight worker calls are not aborted; their outcomes are dropped.
func (e *Engine) StopPipeline() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.epoch++
	e.cancelRetriesLocked()
	e.resetLocked(e.caseID)
	e.log().Info("pipeline stopped epoch=%d", e.epoch)
}

// ResetPipeline stops the pipeline and forgets the case.
func (e *Engine) ResetPipeline() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.epoch++
	e.cancelRetriesLocked()
	e.log().Info("pipeline reset epoch=%d", e.epoch)
	e.resetLocked("")
}

// ReportProgress records push-style progress for a running phase. Unknown
// sub-step labels are logged and ignored.
func (e *Engine) ReportProgress(phaseID string, progress int, subStep, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := e.lookupLocked(phaseID)
	if err != nil {
		return err
	}
	if e.run.Phases[idx].Status != phase.StatusRunning {
		return e.phaseError(phase.ErrInvalidTransition, idx, "progress reported for a phase that is not running")
	}
	e.progressLocked(idx, progress, subStep, message)
	return nil
}

func (e *Engine) lookupLocked(phaseID string) (int, error) {
	if e.caseID == "" {
		return -1, phase.ErrNoCaseID.Clone()
	}
	idx, ok := e.catalog.Index(phaseID)
	if !ok {
		return -1, phase.NewError(phase.ErrUnknownPhase, "unknown phase "+phaseID, nil, map[string]any{
			"phase_id": phaseID,
			"case_id":  e.caseID,
		})
	}
	return idx, nil
}

// resumeStatusLocked takes a failed pipeline back to Running, or Paused if
// the operator paused it.
func (e *Engine) resumeStatusLocked() {
	switch e.run.Status {
	case phase.PipelineFailed, phase.PipelineIdle:
		if e.paused {
			e.run.Status = phase.PipelinePaused
		} else {
			e.run.Status = phase.PipelineRunning
		}
		if e.run.StartedAt.IsZero() {
			e.run.StartedAt = time.Now().UTC()
			e.run.RunID = uuid.NewString()
			e.emitLocked(events.New(events.PipelineStarted, e.caseID))
		}
	}
}

func (e *Engine) phaseError(base *apperrors.Error, idx int, message string) error {
	pr := e.run.Phases[idx]
	meta := map[string]any{
		"phase_id":     pr.PhaseID,
		"case_id":      e.caseID,
		"status":       string(pr.Status),
		"attempts":     pr.Attempts,
		"max_attempts": e.budgetLocked(idx),
	}
	return phase.NewError(base, message, nil, meta)
}

func (e *Engine) pipelineError(base *apperrors.Error) error {
	return phase.NewError(base, "", nil, map[string]any{
		"case_id": e.caseID,
		"status":  string(e.run.Status),
	})
}
