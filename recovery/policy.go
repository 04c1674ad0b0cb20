// Package recovery maps classified worker failures to recovery actions.
//
// The decision table is total and side-effect free: Decide never sleeps,
// calls a worker or mutates state. Callers act on the returned Decision.
package recovery

import (
	"time"
)

// Action is a remediation strategy chosen after a failed attempt.
type Action string

const (
	ActionRetry                   Action = "retry"
	ActionRetryWithBackoff        Action = "retry-with-exponential-backoff"
	ActionRequireManualCheck      Action = "require-manual-check"
	ActionReduceConcurrency       Action = "reduce-concurrency-and-retry"
	ActionAlternateEndpoint       Action = "alternate-endpoint"
	ActionSwitchProvider          Action = "switch-provider"
	ActionReduceRequestComplexity Action = "reduce-request-complexity"
	ActionAlternateStoragePath    Action = "alternate-storage-path"
	ActionClearCacheAndRetry      Action = "clear-cache-and-retry"
	ActionWaitAndRetry            Action = "wait-and-retry"
	ActionReduceRequestRate       Action = "reduce-request-rate"
	ActionQueueForLater           Action = "queue-for-later"
	ActionFullPhaseRestart        Action = "full-phase-restart"
	ActionManualIntervention      Action = "manual-intervention"
)

// Halts reports whether the action stops automatic recovery and waits for an operator.
func (a Action) Halts() bool {
	return a == ActionManualIntervention || a == ActionRequireManualCheck
}

// Deferred reports whether the retry is handed to the scheduler instead of
// being re-run by the engine directly.
func (a Action) Deferred() bool {
	return a == ActionQueueForLater
}

// DefaultTable is the classification to action-sequence table.
func DefaultTable() map[Classification][]Action {
	return map[Classification][]Action{
		NetworkError:         {ActionRetry, ActionRetryWithBackoff, ActionRequireManualCheck},
		TimeoutError:         {ActionRetryWithBackoff, ActionReduceConcurrency, ActionAlternateEndpoint},
		UpstreamServiceError: {ActionRetry, ActionSwitchProvider, ActionReduceRequestComplexity},
		StorageError:         {ActionRetry, ActionAlternateStoragePath, ActionClearCacheAndRetry},
		RateLimitError:       {ActionWaitAndRetry, ActionReduceRequestRate, ActionQueueForLater},
		UnknownError:         {ActionRetry, ActionFullPhaseRestart, ActionManualIntervention},
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Classification Classification `json:"classification"`
	Attempt        int            `json:"attempt"`
	Action         Action         `json:"action"`
	Delay          time.Duration  `json:"delay"`
}

// Halts reports whether the decision requires an operator.
func (d Decision) Halts() bool { return d.Action.Halts() }

// Policy holds the decision table and the timing knobs used to compute delays.
type Policy struct {
	// BackoffBase is the unit for exponential backoff (2^attempt * BackoffBase).
	BackoffBase time.Duration
	// BackoffMax caps every computed delay.
	BackoffMax time.Duration
	// RateLimitWait is the per-attempt step for wait-and-retry.
	RateLimitWait time.Duration
	// QueueDelay is how long queue-for-later defers the next attempt.
	QueueDelay time.Duration
	Table      map[Classification][]Action
}

// DefaultPolicy uses second-based backoff capped at a minute.
func DefaultPolicy() Policy {
	return Policy{
		BackoffBase:   time.Second,
		BackoffMax:    60 * time.Second,
		RateLimitWait: 5 * time.Second,
		QueueDelay:    5 * time.Minute,
		Table:         DefaultTable(),
	}
}

// Decide picks actions[min(attemptsSoFar, len(actions)-1)] for the classification.
// Unknown classifications use the UnknownError row.
func (p Policy) Decide(class Classification, attemptsSoFar int) Decision {
	if attemptsSoFar < 0 {
		attemptsSoFar = 0
	}
	table := p.Table
	if table == nil {
		table = DefaultTable()
	}
	actions, ok := table[class]
	if !ok || len(actions) == 0 {
		class = UnknownError
		actions = table[UnknownError]
		if len(actions) == 0 {
			actions = DefaultTable()[UnknownError]
		}
	}

	idx := attemptsSoFar
	if idx > len(actions)-1 {
		idx = len(actions) - 1
	}
	action := actions[idx]

	return Decision{
		Classification: class,
		Attempt:        attemptsSoFar,
		Action:         action,
		Delay:          p.delay(action, attemptsSoFar),
	}
}

func (p Policy) delay(action Action, attemptsSoFar int) time.Duration {
	switch action {
	case ActionRetryWithBackoff:
		return ExponentialBackoffStrategy{
			Base:   p.BackoffBase,
			Factor: 2,
			Max:    p.BackoffMax,
		}.SleepDuration(attemptsSoFar, nil)
	case ActionWaitAndRetry:
		return LinearStrategy{Step: p.RateLimitWait, Max: p.BackoffMax}.SleepDuration(attemptsSoFar, nil)
	case ActionQueueForLater:
		return p.QueueDelay
	default:
		return 0
	}
}

// Decide applies DefaultPolicy.
func Decide(class Classification, attemptsSoFar int) Decision {
	return DefaultPolicy().Decide(class, attemptsSoFar)
}
