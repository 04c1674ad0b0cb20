// Package events is the fan-out point between the engine and its observers.
//
// Events are immutable value snapshots. Each subscriber owns an ordered,
// unbounded queue drained by its own goroutine, so a slow observer never
// blocks the engine or another observer and never loses an event.
package events

import (
	"time"

	"github.com/oklog/ulid/v2"

	phase "github.com/goliatone/go-phase"
)

// Type names an engine event. The vocabulary is closed.
type Type string

const (
	PipelineStarted   Type = "pipeline.started"
	PhaseStarted      Type = "phase.started"
	PhaseProgress     Type = "phase.progress"
	PhaseCompleted    Type = "phase.completed"
	PhaseFailed       Type = "phase.failed"
	PhaseSkipped      Type = "phase.skipped"
	PipelineCompleted Type = "pipeline.completed"
)

// Types returns the full vocabulary.
func Types() []Type {
	return []Type{
		PipelineStarted,
		PhaseStarted,
		PhaseProgress,
		PhaseCompleted,
		PhaseFailed,
		PhaseSkipped,
		PipelineCompleted,
	}
}

// Valid reports whether t belongs to the vocabulary.
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// Event is a snapshot of one engine transition.
type Event struct {
	ID             string               `json:"id"`
	Type           Type                 `json:"type"`
	CaseID         string               `json:"case_id"`
	RunID          string               `json:"run_id,omitempty"`
	PhaseID        string               `json:"phase_id,omitempty"`
	PhaseIndex     int                  `json:"phase_index"`
	Timestamp      time.Time            `json:"timestamp"`
	Progress       int                  `json:"progress"`
	SubStep        string               `json:"sub_step,omitempty"`
	Message        string               `json:"message,omitempty"`
	Outputs        []phase.Output       `json:"outputs,omitempty"`
	Error          string               `json:"error,omitempty"`
	Classification string               `json:"classification,omitempty"`
	Action         string               `json:"action,omitempty"`
	Delay          time.Duration        `json:"delay,omitempty"`
	Attempt        int                  `json:"attempt,omitempty"`
	MaxAttempts    int                  `json:"max_attempts,omitempty"`
	Trigger        phase.Trigger        `json:"trigger,omitempty"`
	Skipped        bool                 `json:"skipped,omitempty"`
	Retrying       bool                 `json:"retrying,omitempty"`
	Exhausted      bool                 `json:"exhausted,omitempty"`
	NeedsOperator  bool                 `json:"needs_operator,omitempty"`
	Actionable     []string             `json:"actionable,omitempty"`
	PipelineStatus phase.PipelineStatus `json:"pipeline_status"`
}

// New stamps an event with a sortable ID and the current time.
func New(t Type, caseID string) Event {
	return Event{
		ID:         ulid.Make().String(),
		Type:       t,
		CaseID:     caseID,
		PhaseIndex: -1,
		Timestamp:  time.Now().UTC(),
	}
}

// Clone returns a deep copy.
func (e Event) Clone() Event {
	e.Outputs = phase.CloneOutputs(e.Outputs)
	e.Actionable = append([]string(nil), e.Actionable...)
	return e
}
