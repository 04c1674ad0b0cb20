package engine

import (
	"fmt"
	"runtime/debug"
	"time"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/events"
	"github.com/goliatone/go-phase/recovery"
	"github.com/goliatone/go-phase/worker"
)

// attemptRef pins one attempt. Outcomes are applied only while epoch and
// token still match the engine.
type attemptRef struct {
	epoch   uint64
	idx     int
	token   uint64
	phaseID string
	caseID  string
}

func (e *Engine) currentLocked(a attemptRef) bool {
	return !e.closed &&
		a.epoch == e.epoch &&
		a.idx < len(e.phases) &&
		e.phases[a.idx].token == a.token &&
		e.run.Phases[a.idx].Status == phase.StatusRunning
}

func (e *Engine) current(a attemptRef) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentLocked(a)
}

// startPhaseLocked moves idx into Running and dispatches the worker call.
func (e *Engine) startPhaseLocked(idx int, trigger phase.Trigger, action recovery.Action) error {
	pr := &e.run.Phases[idx]
	ps := &e.phases[idx]
	if pr.Attempts >= e.budgetLocked(idx) {
		return e.phaseError(phase.ErrMaxRetriesExceeded, idx, "")
	}

	now := time.Now().UTC()
	pr.Status = phase.StatusRunning
	pr.Attempts++
	pr.StartedAt = now
	pr.EndedAt = nil
	pr.Progress = 0
	pr.CurrentSubStep = nil
	pr.NeedsIntervention = false
	pr.Actionable = nil
	pr.AttemptLog = append(pr.AttemptLog, phase.AttemptRecord{
		Number:    pr.Attempts,
		Trigger:   trigger,
		Action:    string(action),
		StartedAt: now,
	})
	ps.token++
	ps.lastBucket = 0

	e.run.CurrentPhaseIndex = idx
	e.touchLocked()

	cfg := e.config.Merge(ps.overrides)
	a := attemptRef{
		epoch:   e.epoch,
		idx:     idx,
		token:   ps.token,
		phaseID: pr.PhaseID,
		caseID:  e.caseID,
	}

	e.phaseLog(idx).Info("phase started trigger=%s action=%s", trigger, action)
	evt := e.phaseEventLocked(events.PhaseStarted, idx)
	evt.Trigger = trigger
	evt.Action = string(action)
	e.emitLocked(evt)

	go e.execute(a, cfg)
	return nil
}

// execute runs one attempt: Execute, an immediate poll, then a poll per tick
// until the worker reports done or the attempt goes stale.
func (e *Engine) execute(a attemptRef, cfg worker.Config) {
	defer func() {
		if r := recover(); r != nil {
			e.panicLog("engine.execute", r, debug.Stack(), map[string]any{
				phase.FieldCaseID:  a.caseID,
				phase.FieldPhaseID: a.phaseID,
			})
			e.finish(a, nil, phase.PanicError("engine.execute", r))
		}
	}()

	ctx := e.ctx
	handle, err := e.client.Execute(ctx, a.phaseID, a.caseID, cfg)
	if err != nil {
		e.finish(a, nil, err)
		return
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if !e.current(a) {
			return
		}
		out, err := e.client.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.finish(a, nil, err)
			return
		}
		if out.Done {
			e.finish(a, out.Outputs, out.Err)
			return
		}
		e.progress(a, out)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) progress(a attemptRef, out worker.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.currentLocked(a) {
		return
	}
	e.progressLocked(a.idx, out.Progress, out.SubStep, out.Message)
}

// progressLocked updates progress and the sub-step cursor. Progress is
// monotonic within an attempt and clamped below 100 until completion.
// phase.progress is emitted on sub-step changes and 20% boundaries.
func (e *Engine) progressLocked(idx, progress int, label, message string) {
	pr := &e.run.Phases[idx]
	ps := &e.phases[idx]

	if progress > 99 {
		progress = 99
	}
	if progress < pr.Progress {
		progress = pr.Progress
	}

	subChanged := false
	if label != "" {
		def := e.catalog.At(idx)
		if sub, ok := def.SubStepIndex(label); ok {
			if pr.CurrentSubStep == nil || *pr.CurrentSubStep != sub {
				pr.CurrentSubStep = &sub
				subChanged = true
			}
		} else {
			e.phaseLog(idx).Warn("ignoring unknown sub-step %q", label)
		}
	}

	pr.Progress = progress
	bucket := progress / 20
	bucketChanged := bucket != ps.lastBucket
	if !subChanged && !bucketChanged {
		return
	}
	ps.lastBucket = bucket
	e.touchLocked()

	evt := e.phaseEventLocked(events.PhaseProgress, idx)
	evt.Message = message
	e.emitLocked(evt)
}

func (e *Engine) finish(a attemptRef, outputs []phase.Output, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.currentLocked(a) {
		phase.PhaseLogger(e.logger, a.caseID, a.phaseID, 0).Debug("discarding stale outcome epoch=%d token=%d", a.epoch, a.token)
		return
	}
	if err != nil {
		e.failLocked(a.idx, err)
		return
	}
	e.completeLocked(a.idx, outputs)
}

func (e *Engine) completeLocked(idx int, outputs []phase.Output) {
	pr := &e.run.Phases[idx]
	now := time.Now().UTC()
	pr.Status = phase.StatusCompleted
	pr.Progress = 100
	pr.EndedAt = &now
	pr.Outputs = phase.CloneOutputs(outputs)
	e.phases[idx].token++
	e.touchLocked()

	e.phaseLog(idx).Info("phase completed outputs=%d", len(outputs))
	e.emitLocked(e.phaseEventLocked(events.PhaseCompleted, idx))
	e.advanceLocked(idx)
}

// failLocked records the failure, consults the policy and acts on the decision.
func (e *Engine) failLocked(idx int, cause error) {
	pr := &e.run.Phases[idx]
	ps := &e.phases[idx]
	now := time.Now().UTC()

	class := recovery.Classify(cause)
	pr.Status = phase.StatusFailed
	pr.EndedAt = &now
	ps.token++
	e.touchLocked()

	record := phase.ErrorRecord{
		At:             now,
		Attempt:        pr.Attempts,
		Message:        cause.Error(),
		Classification: string(class),
	}
	werr := phase.NewError(phase.ErrWorker, fmt.Sprintf("phase %s failed", pr.PhaseID), cause, map[string]any{
		"classification": string(class),
		"attempts":       pr.Attempts,
		"max_attempts":   e.budgetLocked(idx),
	})
	log := e.phaseLog(idx)

	if pr.Attempts >= e.budgetLocked(idx) {
		pr.ErrorHistory = append(pr.ErrorHistory, record)
		e.haltLocked(idx)
		log.Error("phase failed, retry budget exhausted: %v", werr)

		evt := e.failureEventLocked(idx, record)
		evt.Exhausted = true
		e.emitLocked(evt)
		return
	}

	decision := e.policy.Decide(class, pr.Attempts-ps.windowStart-1)
	record.Action = string(decision.Action)
	pr.ErrorHistory = append(pr.ErrorHistory, record)

	if decision.Halts() {
		e.haltLocked(idx)
		log.Error("phase failed, %s: %v", decision.Action, werr)
		e.emitLocked(e.failureEventLocked(idx, record))
		return
	}

	log.Warn("phase failed, recovering with %s in %s: %v", decision.Action, decision.Delay, werr)
	e.applyRecoveryLocked(idx, decision.Action)

	evt := e.failureEventLocked(idx, record)
	evt.Retrying = true
	evt.Delay = decision.Delay
	e.emitLocked(evt)

	e.scheduleRetryLocked(idx, decision)
}

// haltLocked leaves the phase Failed awaiting an operator and fails the pipeline.
func (e *Engine) haltLocked(idx int) {
	pr := &e.run.Phases[idx]
	pr.NeedsIntervention = true
	pr.Actionable = e.actionableLocked(idx)
	e.run.Status = phase.PipelineFailed
}

// actionableLocked lists operator commands for a halted phase. Retry is
// always offered: on an exhausted phase it opens a fresh budget window.
func (e *Engine) actionableLocked(idx int) []string {
	out := []string{phase.ActionRetry}
	if !e.catalog.IsBoundary(idx) {
		out = append(out, phase.ActionSkip)
	}
	return out
}

// advanceLocked moves the cursor past idx, flushing deferred skip events,
// and starts the next phase when auto-advance applies.
func (e *Engine) advanceLocked(idx int) {
	next := idx + 1
	for next < len(e.run.Phases) && e.run.Phases[next].Status == phase.StatusSkipped {
		if e.phases[next].skipPending {
			e.phases[next].skipPending = false
			e.run.CurrentPhaseIndex = next
			e.emitLocked(e.phaseEventLocked(events.PhaseSkipped, next))
		}
		next++
	}

	if next >= len(e.run.Phases) {
		e.run.CurrentPhaseIndex = len(e.run.Phases) - 1
		e.run.Status = phase.PipelineCompleted
		e.touchLocked()
		e.log().Info("pipeline completed")
		e.emitLocked(events.New(events.PipelineCompleted, e.caseID))
		return
	}

	e.run.CurrentPhaseIndex = next
	pr := &e.run.Phases[next]
	if pr.Status == phase.StatusPending {
		pr.Status = phase.StatusReady
	}
	e.touchLocked()

	if !e.autoAdvance || e.run.Status != phase.PipelineRunning || pr.Status != phase.StatusReady {
		e.log().Debug("holding at phase %s status=%s", pr.PhaseID, e.run.Status)
		return
	}
	if err := e.startPhaseLocked(next, phase.TriggerInitial, ""); err != nil {
		e.log().Error("auto-advance to %s failed: %v", pr.PhaseID, err)
	}
}

func (e *Engine) phaseEventLocked(t events.Type, idx int) events.Event {
	pr := e.run.Phases[idx]
	evt := events.New(t, e.caseID)
	evt.PhaseID = pr.PhaseID
	evt.PhaseIndex = idx
	evt.Progress = pr.Progress
	evt.Attempt = pr.Attempts
	evt.MaxAttempts = e.budgetLocked(idx)
	evt.Outputs = pr.Outputs
	evt.Skipped = pr.Status == phase.StatusSkipped
	if pr.CurrentSubStep != nil {
		subs := e.catalog.At(idx).SubSteps
		if i := *pr.CurrentSubStep; i >= 0 && i < len(subs) {
			evt.SubStep = subs[i]
		}
	}
	return evt
}

func (e *Engine) failureEventLocked(idx int, record phase.ErrorRecord) events.Event {
	pr := e.run.Phases[idx]
	evt := e.phaseEventLocked(events.PhaseFailed, idx)
	evt.Message = record.Message
	evt.Error = record.Message
	evt.Classification = record.Classification
	evt.Action = record.Action
	evt.NeedsOperator = pr.NeedsIntervention
	evt.Actionable = pr.Actionable
	return evt
}

// emitLocked stamps run identity and publishes. Publishing under the lock
// keeps the global event order identical to the transition order.
func (e *Engine) emitLocked(evt events.Event) {
	evt.CaseID = e.caseID
	evt.RunID = e.run.RunID
	evt.PipelineStatus = e.run.Status
	e.sink.Publish(evt)
}
