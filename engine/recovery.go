package engine

import (
	"context"
	"fmt"
	"time"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/recovery"
	"github.com/goliatone/go-phase/schedule"
	"github.com/goliatone/go-phase/worker"
)

// Config keys adjusted by recovery actions.
const (
	ConfigConcurrency = "concurrency"
	ConfigEndpoint    = "endpoint"
	ConfigProvider    = "provider"
	ConfigMaxTokens   = "max_tokens"
	ConfigStoragePath = "storage_path"
	ConfigClearCache  = "clear_cache"

	defaultConcurrency = 4
	defaultMaxTokens   = 4096
	alternateValue     = "alternate"
)

// applyRecoveryLocked turns a recovery action into per-attempt config
// overrides. The caller's config is never modified.
func (e *Engine) applyRecoveryLocked(idx int, action recovery.Action) {
	ps := &e.phases[idx]
	if ps.overrides == nil {
		ps.overrides = make(map[string]any)
	}
	current := e.config.Merge(ps.overrides)
	log := e.phaseLog(idx)

	switch action {
	case recovery.ActionReduceConcurrency:
		n := intOption(current, ConfigConcurrency, defaultConcurrency) / 2
		if n < 1 {
			n = 1
		}
		ps.overrides[ConfigConcurrency] = n
	case recovery.ActionAlternateEndpoint:
		ps.overrides[ConfigEndpoint] = alternateValue
	case recovery.ActionSwitchProvider:
		if len(e.providers) == 0 {
			log.Warn("switch-provider requested but no providers are configured")
			return
		}
		ps.providerIdx = (ps.providerIdx + 1) % len(e.providers)
		ps.overrides[ConfigProvider] = e.providers[ps.providerIdx]
	case recovery.ActionReduceRequestComplexity:
		n := intOption(current, ConfigMaxTokens, defaultMaxTokens) / 2
		if n < 1 {
			n = 1
		}
		ps.overrides[ConfigMaxTokens] = n
	case recovery.ActionAlternateStoragePath:
		ps.overrides[ConfigStoragePath] = alternateValue
	case recovery.ActionClearCacheAndRetry:
		ps.overrides[ConfigClearCache] = true
	case recovery.ActionFullPhaseRestart:
		pr := &e.run.Phases[idx]
		pr.Progress = 0
		pr.Outputs = nil
		pr.CurrentSubStep = nil
		ps.overrides = make(map[string]any)
	case recovery.ActionReduceRequestRate:
		adjuster, ok := e.client.(worker.RateAdjuster)
		if !ok {
			log.Warn("reduce-request-rate requested but the worker cannot adjust its rate")
			return
		}
		log.Info("worker request rate reduced to %.2f/s", adjuster.ReduceRate())
		return
	default:
		return
	}
	log.Debug("recovery %s applied overrides=%v", action, ps.overrides)
}

// scheduleRetryLocked arranges the next attempt. Zero-delay retries start
// immediately so phase.started follows phase.failed with nothing in between.
func (e *Engine) scheduleRetryLocked(idx int, d recovery.Decision) {
	ps := &e.phases[idx]
	ps.retryToken++
	epoch, token := e.epoch, ps.retryToken

	trigger := phase.TriggerAutoRetry
	if d.Action.Deferred() {
		trigger = phase.TriggerScheduledRetry
	}

	if d.Delay <= 0 && !d.Action.Deferred() {
		if err := e.startPhaseLocked(idx, trigger, d.Action); err != nil {
			e.phaseLog(idx).Error("retry failed to start: %v", err)
		}
		return
	}

	fire := func() { e.retryFired(epoch, idx, token, trigger, d.Action) }

	if d.Action.Deferred() && e.scheduler != nil {
		pr := e.run.Phases[idx]
		h, err := e.scheduler.ScheduleAfter(d.Delay, schedule.JobConfig{
			Name: fmt.Sprintf("retry:%s:%s", e.caseID, pr.PhaseID),
		}, func(context.Context) error {
			fire()
			return nil
		})
		if err == nil {
			ps.retryHandle = h
			return
		}
		e.phaseLog(idx).Warn("scheduler rejected deferred retry, using a timer: %v", err)
	}

	ps.retryTimer = time.AfterFunc(d.Delay, fire)
}

func (e *Engine) retryFired(epoch uint64, idx int, token uint64, trigger phase.Trigger, action recovery.Action) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || epoch != e.epoch || idx >= len(e.phases) || e.phases[idx].retryToken != token {
		return
	}
	ps := &e.phases[idx]
	ps.retryTimer = nil
	ps.retryHandle = nil
	if e.run.Phases[idx].Status != phase.StatusFailed {
		return
	}
	if err := e.startPhaseLocked(idx, trigger, action); err != nil {
		e.phaseLog(idx).Error("retry failed to start: %v", err)
	}
}

func (e *Engine) cancelRetryLocked(idx int) {
	if idx < 0 || idx >= len(e.phases) {
		return
	}
	ps := &e.phases[idx]
	ps.retryToken++
	if ps.retryTimer != nil {
		ps.retryTimer.Stop()
		ps.retryTimer = nil
	}
	if ps.retryHandle != nil {
		ps.retryHandle.Cancel()
		ps.retryHandle = nil
	}
}

// RetryPending reports whether phaseID has an automatic retry waiting.
func (e *Engine) RetryPending(phaseID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.catalog.Index(phaseID)
	if !ok || idx >= len(e.phases) {
		return false
	}
	ps := e.phases[idx]
	return ps.retryTimer != nil || ps.retryHandle != nil
}

func intOption(cfg worker.Config, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
