package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/events"
	"github.com/goliatone/go-phase/recovery"
	"github.com/goliatone/go-phase/schedule"
	"github.com/goliatone/go-phase/worker"
)

func fastPolicy() recovery.Policy {
	p := recovery.DefaultPolicy()
	p.BackoffBase = time.Millisecond
	p.BackoffMax = 10 * time.Millisecond
	p.RateLimitWait = time.Millisecond
	p.QueueDelay = 5 * time.Millisecond
	return p
}

func newTestEngine(t *testing.T, client worker.Client, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithPolicy(fastPolicy()),
		WithPollInterval(5 * time.Millisecond),
		WithLogger(phase.NewFmtLogger(io.Discard)),
	}
	e := New(client, append(base, opts...)...)
	t.Cleanup(func() {
		e.Close()
		e.Sink().Close()
	})
	return e
}

// collect reads events until one of type until arrives.
func collect(t *testing.T, sub events.Subscription, until events.Type) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-sub.C():
			require.True(t, ok, "subscription closed")
			out = append(out, evt)
			if evt.Type == until {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, got %d events", until, len(out))
			return out
		}
	}
}

func waitFor(t *testing.T, e *Engine, cond func(*phase.PipelineRun) bool) *phase.PipelineRun {
	t.Helper()
	var snap *phase.PipelineRun
	require.Eventually(t, func() bool {
		snap = e.Snapshot()
		return cond(snap)
	}, 3*time.Second, 2*time.Millisecond)
	return snap
}

func phaseStatus(idx int, status phase.Status) func(*phase.PipelineRun) bool {
	return func(run *phase.PipelineRun) bool {
		return run.Phases[idx].Status == status
	}
}

func pipelineStatus(status phase.PipelineStatus) func(*phase.PipelineRun) bool {
	return func(run *phase.PipelineRun) bool {
		return run.Status == status
	}
}

func ofType(evts []events.Event, t events.Type) []events.Event {
	var out []events.Event
	for _, e := range evts {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestStartPipelineRequiresCaseID(t *testing.T) {
	e := newTestEngine(t, worker.NewSimulated())

	_, err := e.StartPipeline("  ")
	require.Error(t, err)
	assert.True(t, phase.HasCode(err, phase.ErrCodeNoCaseID))

	err = e.StartPhase("intake")
	assert.True(t, phase.HasCode(err, phase.ErrCodeNoCaseID))
}

func TestScenarioAllPhasesSucceed(t *testing.T) {
	w := worker.NewSimulated()
	e := newTestEngine(t, w)
	sub := e.Sink().Subscribe()

	run, err := e.StartPipeline("case-a")
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)

	evts := collect(t, sub, events.PipelineCompleted)
	assert.Equal(t, events.PipelineStarted, evts[0].Type)
	assert.Equal(t, events.PipelineCompleted, evts[len(evts)-1].Type)

	completed := ofType(evts, events.PhaseCompleted)
	require.Len(t, completed, 7)
	for i, evt := range completed {
		assert.Equal(t, e.Catalog().At(i).ID, evt.PhaseID)
		assert.Equal(t, 100, evt.Progress)
		assert.Equal(t, "case-a", evt.CaseID)
		assert.Equal(t, run.RunID, evt.RunID)
	}

	// sequencing: phase i+1 starts only after phase i completed
	lastCompleted := -1
	for _, evt := range evts {
		switch evt.Type {
		case events.PhaseStarted:
			assert.Equal(t, lastCompleted+1, evt.PhaseIndex)
		case events.PhaseCompleted:
			lastCompleted = evt.PhaseIndex
		}
	}

	snap := e.Snapshot()
	assert.Equal(t, phase.PipelineCompleted, snap.Status)
	for _, pr := range snap.Phases {
		assert.Equal(t, phase.StatusCompleted, pr.Status)
		assert.Equal(t, 100, pr.Progress)
		assert.Equal(t, 1, pr.Attempts)
		require.Len(t, pr.Outputs, 1)
	}
}

func TestScenarioTimeoutRecoversOnThirdAttempt(t *testing.T) {
	timeout := errors.New("worker request timed out")
	w := worker.NewSimulated().Script("evidence_analysis",
		worker.Fail(timeout),
		worker.Fail(timeout),
		worker.Succeed(phase.Output{Kind: "timeline"}),
	)
	e := newTestEngine(t, w, WithMaxAttempts(3))
	sub := e.Sink().Subscribe(events.PhaseFailed, events.PipelineCompleted)

	_, err := e.StartPipeline("case-b")
	require.NoError(t, err)
	evts := collect(t, sub, events.PipelineCompleted)

	failed := ofType(evts, events.PhaseFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, string(recovery.ActionRetryWithBackoff), failed[0].Action)
	assert.Equal(t, string(recovery.ActionReduceConcurrency), failed[1].Action)
	for _, f := range failed {
		assert.Equal(t, string(recovery.TimeoutError), f.Classification)
		assert.True(t, f.Retrying)
		assert.False(t, f.NeedsOperator)
	}

	pr := e.Snapshot().Phases[1]
	assert.Equal(t, phase.StatusCompleted, pr.Status)
	assert.Equal(t, 3, pr.Attempts)
	require.Len(t, pr.AttemptLog, 3)
	assert.Equal(t, phase.TriggerInitial, pr.AttemptLog[0].Trigger)
	assert.Equal(t, phase.TriggerAutoRetry, pr.AttemptLog[1].Trigger)
	assert.Equal(t, string(recovery.ActionRetryWithBackoff), pr.AttemptLog[1].Action)
	assert.Equal(t, string(recovery.ActionReduceConcurrency), pr.AttemptLog[2].Action)
	require.Len(t, pr.ErrorHistory, 2)

	configs := w.Configs("evidence_analysis")
	require.Len(t, configs, 3)
	assert.NotContains(t, configs[1], ConfigConcurrency)
	assert.Equal(t, 2, configs[2][ConfigConcurrency])
}

func TestScenarioUnknownErrorExhaustsBudget(t *testing.T) {
	odd := errors.New("unexpected worker state")
	w := worker.NewSimulated().Script("fact_extraction",
		worker.Fail(odd), worker.Fail(odd), worker.Fail(odd),
	)
	e := newTestEngine(t, w, WithMaxAttempts(3))
	sub := e.Sink().Subscribe(events.PhaseFailed)

	_, err := e.StartPipeline("case-c")
	require.NoError(t, err)

	snap := waitFor(t, e, pipelineStatus(phase.PipelineFailed))
	pr := snap.Phases[2]
	assert.Equal(t, phase.StatusFailed, pr.Status)
	assert.Equal(t, 3, pr.Attempts)
	assert.True(t, pr.NeedsIntervention)
	assert.Equal(t, []string{phase.ActionRetry, phase.ActionSkip}, pr.Actionable)
	assert.Less(t, pr.Progress, 100)
	assert.Equal(t, phase.StatusPending, snap.Phases[3].Status)
	assert.Equal(t, 0, w.Executions("legal_research"))

	require.Len(t, pr.AttemptLog, 3)
	assert.Equal(t, string(recovery.ActionRetry), pr.AttemptLog[1].Action)
	assert.Equal(t, string(recovery.ActionFullPhaseRestart), pr.AttemptLog[2].Action)

	var last events.Event
	for i := 0; i < 3; i++ {
		last = collect(t, sub, events.PhaseFailed)[0]
	}
	assert.True(t, last.Exhausted)
	assert.True(t, last.NeedsOperator)
	assert.Equal(t, phase.PipelineFailed, last.PipelineStatus)

	err = e.StartPhase("fact_extraction")
	assert.True(t, phase.HasCode(err, phase.ErrCodeMaxRetriesExceeded))

	// the operator can still skip past it
	skipped := e.Sink().Subscribe(events.PhaseSkipped)
	require.NoError(t, e.SkipPhase("fact_extraction"))
	evt := collect(t, skipped, events.PhaseSkipped)[0]
	assert.Equal(t, phase.PipelineRunning, evt.PipelineStatus)
	snap = waitFor(t, e, pipelineStatus(phase.PipelineCompleted))
	assert.Equal(t, phase.StatusSkipped, snap.Phases[2].Status)
	assert.Equal(t, 3, snap.Phases[2].Attempts, "skip leaves attempts unchanged")
}

func TestExhaustedFirstPhaseRecoversThroughOperatorRetry(t *testing.T) {
	odd := errors.New("something odd")
	w := worker.NewSimulated().Script("intake",
		worker.Fail(odd), worker.Fail(odd), worker.Fail(odd),
		worker.Fail(odd), worker.Succeed(),
	)
	e := newTestEngine(t, w, WithMaxAttempts(3))
	sub := e.Sink().Subscribe(events.PhaseStarted)

	_, err := e.StartPipeline("case-intake")
	require.NoError(t, err)

	snap := waitFor(t, e, pipelineStatus(phase.PipelineFailed))
	pr := snap.Phases[0]
	assert.Equal(t, 3, pr.Attempts)
	assert.True(t, pr.NeedsIntervention)
	assert.Equal(t, []string{phase.ActionRetry}, pr.Actionable, "intake cannot be skipped")

	err = e.SkipPhase("intake")
	assert.True(t, phase.HasCode(err, phase.ErrCodeSkipNotAllowed))
	err = e.StartPhase("intake")
	assert.True(t, phase.HasCode(err, phase.ErrCodeMaxRetriesExceeded))

	require.NoError(t, e.RetryPhase("intake"))
	snap = waitFor(t, e, pipelineStatus(phase.PipelineCompleted))
	pr = snap.Phases[0]
	assert.Equal(t, phase.StatusCompleted, pr.Status)
	assert.Equal(t, 5, pr.Attempts)
	require.Len(t, pr.AttemptLog, 5)
	assert.Equal(t, phase.TriggerOperatorRetry, pr.AttemptLog[3].Trigger)
	// the new window starts over at the first policy action
	assert.Equal(t, string(recovery.ActionRetry), pr.AttemptLog[4].Action)

	var started []events.Event
	for len(started) < 5 {
		started = append(started, collect(t, sub, events.PhaseStarted)...)
	}
	assert.Equal(t, 3, started[2].MaxAttempts)
	assert.Equal(t, 6, started[3].MaxAttempts)
}

func TestScenarioSkipReadyPhaseWhilePaused(t *testing.T) {
	gate := make(chan struct{})
	w := worker.NewSimulated().Script("fact_extraction", worker.Gated(gate, worker.Succeed()))
	e := newTestEngine(t, w)
	sub := e.Sink().Subscribe(events.PhaseSkipped)

	_, err := e.StartPipeline("case-d")
	require.NoError(t, err)
	waitFor(t, e, phaseStatus(2, phase.StatusRunning))

	require.NoError(t, e.PausePipeline())
	close(gate)

	snap := waitFor(t, e, phaseStatus(3, phase.StatusReady))
	assert.Equal(t, phase.StatusCompleted, snap.Phases[2].Status)
	assert.Equal(t, phase.PipelinePaused, snap.Status)
	assert.Equal(t, 0, w.Executions("legal_research"))

	require.NoError(t, e.SkipPhase("legal_research"))
	skipped := collect(t, sub, events.PhaseSkipped)[0]
	assert.Equal(t, "legal_research", skipped.PhaseID)
	assert.True(t, skipped.Skipped)
	assert.Equal(t, 100, skipped.Progress)

	snap = e.Snapshot()
	assert.Equal(t, phase.StatusSkipped, snap.Phases[3].Status)
	assert.Equal(t, 100, snap.Phases[3].Progress)
	assert.Equal(t, 0, snap.Phases[3].Attempts)
	assert.Equal(t, 4, snap.CurrentPhaseIndex)
	assert.Equal(t, phase.StatusReady, snap.Phases[4].Status)

	require.NoError(t, e.ResumePipeline())
	snap = waitFor(t, e, pipelineStatus(phase.PipelineCompleted))
	assert.Equal(t, 1, w.Executions("strategy"))
	assert.Equal(t, 0, w.Executions("legal_research"))
}

func TestSkipPendingPhaseEmitsWhenReached(t *testing.T) {
	gate := make(chan struct{})
	w := worker.NewSimulated().Script("evidence_analysis", worker.Gated(gate, worker.Succeed()))
	e := newTestEngine(t, w)
	sub := e.Sink().Subscribe(events.PhaseStarted, events.PhaseCompleted, events.PhaseSkipped, events.PipelineCompleted)

	_, err := e.StartPipeline("case-skip")
	require.NoError(t, err)
	waitFor(t, e, phaseStatus(1, phase.StatusRunning))

	require.NoError(t, e.SkipPhase("legal_research"))
	assert.Equal(t, phase.StatusSkipped, e.Snapshot().Phases[3].Status)
	close(gate)

	evts := collect(t, sub, events.PipelineCompleted)
	var order []string
	for _, evt := range evts {
		if evt.PhaseIndex >= 2 && evt.PhaseIndex <= 4 {
			order = append(order, string(evt.Type)+":"+evt.PhaseID)
		}
	}
	assert.Equal(t, []string{
		"phase.started:fact_extraction",
		"phase.completed:fact_extraction",
		"phase.skipped:legal_research",
		"phase.started:strategy",
		"phase.completed:strategy",
	}, order)
	assert.Equal(t, 0, w.Executions("legal_research"))
}

func TestSkipRules(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	w := worker.NewSimulated().Script("evidence_analysis", worker.Gated(gate, worker.Succeed()))
	e := newTestEngine(t, w)

	err := e.SkipPhase("evidence_analysis")
	assert.True(t, phase.HasCode(err, phase.ErrCodeNoCaseID))

	_, err = e.StartPipeline("case-rules")
	require.NoError(t, err)
	waitFor(t, e, phaseStatus(1, phase.StatusRunning))

	assert.True(t, phase.HasCode(e.SkipPhase("intake"), phase.ErrCodeSkipNotAllowed))
	assert.True(t, phase.HasCode(e.SkipPhase("delivery"), phase.ErrCodeSkipNotAllowed))
	assert.True(t, phase.HasCode(e.SkipPhase("nope"), phase.ErrCodeUnknownPhase))

	// skipping the running phase discards its in-flight outcome
	require.NoError(t, e.SkipPhase("evidence_analysis"))
	snap := waitFor(t, e, pipelineStatus(phase.PipelineCompleted))
	assert.Equal(t, phase.StatusSkipped, snap.Phases[1].Status)
	assert.Equal(t, 1, snap.Phases[1].Attempts)
	assert.True(t, phase.HasCode(e.SkipPhase("evidence_analysis"), phase.ErrCodeSkipNotAllowed))
}

func TestStartPhaseSequencing(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	w := worker.NewSimulated().Script("intake", worker.Gated(gate, worker.Succeed()))
	e := newTestEngine(t, w)

	_, err := e.StartPipeline("case-seq")
	require.NoError(t, err)
	waitFor(t, e, phaseStatus(0, phase.StatusRunning))

	assert.True(t, phase.HasCode(e.StartPhase("intake"), phase.ErrCodeAlreadyRunning))
	assert.True(t, phase.HasCode(e.StartPhase("fact_extraction"), phase.ErrCodeOutOfOrder))
	assert.True(t, phase.HasCode(e.RetryPhase("fact_extraction"), phase.ErrCodeInvalidTransition))
	assert.Equal(t, 0, w.Executions("fact_extraction"))
}

func TestManualAutoAdvanceDisabled(t *testing.T) {
	w := worker.NewSimulated()
	e := newTestEngine(t, w, WithAutoAdvance(false))

	_, err := e.StartPipeline("case-manual")
	require.NoError(t, err)
	snap := waitFor(t, e, phaseStatus(1, phase.StatusReady))
	assert.Equal(t, phase.StatusCompleted, snap.Phases[0].Status)
	assert.Equal(t, phase.PipelineRunning, snap.Status)

	assert.True(t, phase.HasCode(e.StartPhase("intake"), phase.ErrCodeInvalidTransition))
	require.NoError(t, e.StartPhase("evidence_analysis"))
	waitFor(t, e, phaseStatus(2, phase.StatusReady))
}

func TestStopIsIdempotentAndDropsStaleOutcomes(t *testing.T) {
	gate := make(chan struct{})
	w := worker.NewSimulated().Script("intake", worker.Gated(gate, worker.Succeed()))
	e := newTestEngine(t, w)
	sub := e.Sink().Subscribe(events.PhaseCompleted)

	_, err := e.StartPipeline("case-stop")
	require.NoError(t, err)
	waitFor(t, e, phaseStatus(0, phase.StatusRunning))
	epoch := e.Epoch()

	e.StopPipeline()
	once := e.Snapshot()
	e.StopPipeline()
	twice := e.Snapshot()

	assert.Equal(t, epoch+2, e.Epoch())
	for _, snap := range []*phase.PipelineRun{once, twice} {
		assert.Equal(t, phase.PipelineIdle, snap.Status)
		assert.Equal(t, "case-stop", snap.CaseID)
		assert.Equal(t, phase.StatusReady, snap.Phases[0].Status)
		for i, pr := range snap.Phases {
			assert.Equal(t, 0, pr.Attempts)
			if i > 0 {
				assert.Equal(t, phase.StatusPending, pr.Status)
			}
		}
	}
	assert.Equal(t, once.Phases, twice.Phases)

	close(gate)
	select {
	case evt := <-sub.C():
		t.Fatalf("stale outcome produced %s", evt.Type)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, phase.StatusReady, e.Snapshot().Phases[0].Status)

	assert.True(t, phase.HasCode(e.PausePipeline(), phase.ErrCodePipelineNotStarted))

	// the kept case id lets the operator start again
	require.NoError(t, e.StartPhase("intake"))
	waitFor(t, e, pipelineStatus(phase.PipelineCompleted))
}

func TestResetForgetsCase(t *testing.T) {
	e := newTestEngine(t, worker.NewSimulated())
	_, err := e.StartPipeline("case-reset")
	require.NoError(t, err)
	waitFor(t, e, pipelineStatus(phase.PipelineCompleted))

	e.ResetPipeline()
	snap := e.Snapshot()
	assert.Empty(t, snap.CaseID)
	assert.Empty(t, snap.RunID)
	assert.Equal(t, phase.PipelineIdle, snap.Status)
	assert.True(t, phase.HasCode(e.StartPhase("intake"), phase.ErrCodeNoCaseID))
}

func TestRetryPhaseResetsBackoff(t *testing.T) {
	w := worker.NewSimulated().Script("evidence_analysis",
		worker.Fail(errors.New("request timed out")),
		worker.Succeed(),
	)
	slow := fastPolicy()
	slow.BackoffBase = time.Hour
	slow.BackoffMax = time.Hour
	e := newTestEngine(t, w, WithPolicy(slow))

	_, err := e.StartPipeline("case-retry")
	require.NoError(t, err)
	waitFor(t, e, phaseStatus(1, phase.StatusFailed))
	assert.True(t, e.RetryPending("evidence_analysis"))

	require.NoError(t, e.RetryPhase("evidence_analysis"))
	assert.False(t, e.RetryPending("evidence_analysis"))

	snap := waitFor(t, e, pipelineStatus(phase.PipelineCompleted))
	pr := snap.Phases[1]
	assert.Equal(t, 2, pr.Attempts)
	require.Len(t, pr.AttemptLog, 2)
	assert.Equal(t, phase.TriggerOperatorRetry, pr.AttemptLog[1].Trigger)
}

func TestManualCheckHaltsUntilOperatorRetry(t *testing.T) {
	refused := errors.New("dial tcp: connection refused")
	w := worker.NewSimulated().Script("strategy",
		worker.Fail(refused), worker.Fail(refused), worker.Fail(refused),
		worker.Succeed(),
	)
	e := newTestEngine(t, w, WithMaxAttempts(5))
	sub := e.Sink().Subscribe(events.PhaseFailed)

	_, err := e.StartPipeline("case-net")
	require.NoError(t, err)

	snap := waitFor(t, e, pipelineStatus(phase.PipelineFailed))
	pr := snap.Phases[4]
	assert.Equal(t, 3, pr.Attempts)
	assert.True(t, pr.NeedsIntervention)
	assert.Equal(t, []string{phase.ActionRetry, phase.ActionSkip}, pr.Actionable)
	assert.False(t, e.RetryPending("strategy"))

	var last events.Event
	for i := 0; i < 3; i++ {
		last = collect(t, sub, events.PhaseFailed)[0]
	}
	assert.Equal(t, string(recovery.ActionRequireManualCheck), last.Action)
	assert.True(t, last.NeedsOperator)
	assert.False(t, last.Retrying)

	require.NoError(t, e.RetryPhase("strategy"))
	snap = waitFor(t, e, pipelineStatus(phase.PipelineCompleted))
	assert.Equal(t, 4, snap.Phases[4].Attempts)
	assert.False(t, snap.Phases[4].NeedsIntervention)
}

func TestRecoveryAdjustsWorkerConfig(t *testing.T) {
	upstream := errors.New("upstream provider overloaded")
	w := worker.NewSimulated().Script("drafting",
		worker.Fail(upstream), worker.Fail(upstream), worker.Succeed(),
	)
	e := newTestEngine(t, w,
		WithMaxAttempts(4),
		WithProviders("primary", "secondary"),
		WithConfig(worker.Config{ConfigMaxTokens: 1000, "model": "m"}),
	)

	_, err := e.StartPipeline("case-upstream")
	require.NoError(t, err)
	waitFor(t, e, pipelineStatus(phase.PipelineCompleted))

	configs := w.Configs("drafting")
	require.Len(t, configs, 3)
	assert.Equal(t, "m", configs[0]["model"])
	assert.NotContains(t, configs[1], ConfigProvider, "plain retry keeps the config")
	assert.Equal(t, "secondary", configs[2][ConfigProvider])
	assert.Equal(t, 1000, configs[2][ConfigMaxTokens])
}

func TestRateLimitReducesRateAndQueues(t *testing.T) {
	limited := errors.New("429 too many requests")
	sim := worker.NewSimulated().Script("legal_research",
		worker.Fail(limited), worker.Fail(limited), worker.Fail(limited), worker.Succeed(),
	)
	rl := worker.NewRateLimited(sim, 1000, 10)
	sched := schedule.NewScheduler(schedule.WithLogLevel(schedule.LogLevelSilent))
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })
	e := newTestEngine(t, rl, WithMaxAttempts(4), WithScheduler(sched))

	_, err := e.StartPipeline("case-rate")
	require.NoError(t, err)
	snap := waitFor(t, e, pipelineStatus(phase.PipelineCompleted))

	pr := snap.Phases[3]
	assert.Equal(t, 4, pr.Attempts)
	require.Len(t, pr.AttemptLog, 4)
	assert.Equal(t, string(recovery.ActionWaitAndRetry), pr.AttemptLog[1].Action)
	assert.Equal(t, string(recovery.ActionReduceRequestRate), pr.AttemptLog[2].Action)
	assert.Equal(t, string(recovery.ActionQueueForLater), pr.AttemptLog[3].Action)
	assert.Equal(t, phase.TriggerScheduledRetry, pr.AttemptLog[3].Trigger)
	assert.Equal(t, 500.0, rl.Rate())
}

func TestReportProgressThrottlesEvents(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	w := worker.NewSimulated().Script("intake", worker.Gated(gate, worker.Succeed()))
	e := newTestEngine(t, w, WithPollInterval(time.Hour))
	sub := e.Sink().Subscribe(events.PhaseProgress)

	_, err := e.StartPipeline("case-progress")
	require.NoError(t, err)
	waitFor(t, e, phaseStatus(0, phase.StatusRunning))

	require.NoError(t, e.ReportProgress("intake", 5, "", "warming up"))
	require.NoError(t, e.ReportProgress("intake", 25, "", "a"))
	require.NoError(t, e.ReportProgress("intake", 30, "", "b"))
	require.NoError(t, e.ReportProgress("intake", 30, "load_evidence", "c"))
	require.NoError(t, e.ReportProgress("intake", 35, "not_a_step", "d"))
	require.NoError(t, e.ReportProgress("intake", 10, "", "e"))
	require.NoError(t, e.ReportProgress("intake", 150, "", "f"))

	first := collect(t, sub, events.PhaseProgress)[0]
	assert.Equal(t, 25, first.Progress)
	assert.Equal(t, "a", first.Message)
	second := collect(t, sub, events.PhaseProgress)[0]
	assert.Equal(t, "load_evidence", second.SubStep)
	third := collect(t, sub, events.PhaseProgress)[0]
	assert.Equal(t, 99, third.Progress)
	assert.Equal(t, "f", third.Message)

	select {
	case evt := <-sub.C():
		t.Fatalf("unexpected progress event %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	pr := e.Snapshot().Phases[0]
	assert.Equal(t, 99, pr.Progress)
	require.NotNil(t, pr.CurrentSubStep)
	assert.Equal(t, 1, *pr.CurrentSubStep)

	err = e.ReportProgress("evidence_analysis", 50, "", "")
	assert.True(t, phase.HasCode(err, phase.ErrCodeInvalidTransition))
}

func TestSnapshotIsDetached(t *testing.T) {
	e := newTestEngine(t, worker.NewSimulated())
	_, err := e.StartPipeline("case-snap")
	require.NoError(t, err)
	snap := waitFor(t, e, pipelineStatus(phase.PipelineCompleted))

	snap.Phases[0].Status = phase.StatusFailed
	snap.Phases[0].Outputs[0].Kind = "mutated"
	fresh := e.Snapshot()
	assert.Equal(t, phase.StatusCompleted, fresh.Phases[0].Status)
	assert.Equal(t, "intake_output", fresh.Phases[0].Outputs[0].Kind)
}

func TestWorkerPanicIsTreatedAsFailure(t *testing.T) {
	var logs bytes.Buffer
	e := newTestEngine(t, panicky{inner: worker.NewSimulated()},
		WithMaxAttempts(1),
		WithLogger(phase.NewFmtLogger(&logs)),
	)
	_, err := e.StartPipeline("case-panic")
	require.NoError(t, err)

	snap := waitFor(t, e, pipelineStatus(phase.PipelineFailed))
	last, ok := snap.Phases[0].LastError()
	require.True(t, ok)
	assert.Contains(t, last.Message, "panic")

	// the log write happens before the failure is recorded under the engine lock
	assert.Contains(t, logs.String(), "recovered from panic in engine.execute: worker bug")
	assert.Contains(t, logs.String(), "case_id: case-panic")
}

type panicky struct {
	inner *worker.Simulated
}

func (p panicky) Execute(ctx context.Context, phaseID, caseID string, cfg worker.Config) (worker.Handle, error) {
	panic("worker bug")
}

func (p panicky) Poll(ctx context.Context, h worker.Handle) (worker.Outcome, error) {
	return p.inner.Poll(ctx, h)
}
