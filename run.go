package phase

import (
	"time"
)

// Status is the lifecycle state of a single phase run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status allows sequencing to move past the phase.
// Completed and Skipped are equivalent for sequencing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// PipelineStatus is the lifecycle state of a pipeline run.
type PipelineStatus string

const (
	PipelineIdle      PipelineStatus = "idle"
	PipelineRunning   PipelineStatus = "running"
	PipelinePaused    PipelineStatus = "paused"
	PipelineCompleted PipelineStatus = "completed"
	PipelineFailed    PipelineStatus = "failed"
)

// Trigger records what caused a phase to enter Running.
type Trigger string

const (
	TriggerInitial        Trigger = "initial"
	TriggerAutoRetry      Trigger = "auto_retry"
	TriggerOperatorRetry  Trigger = "operator_retry"
	TriggerScheduledRetry Trigger = "scheduled_retry"
)

// Operator actions offered on a phase that needs attention.
const (
	ActionRetry = "retry"
	ActionSkip  = "skip"
)

// Output is an opaque descriptor of something a worker produced.
type Output struct {
	Kind     string         `json:"kind"`
	Name     string         `json:"name,omitempty"`
	URI      string         `json:"uri,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorRecord is one entry in a phase's error history.
type ErrorRecord struct {
	At             time.Time `json:"at"`
	Attempt        int       `json:"attempt"`
	Message        string    `json:"message"`
	Classification string    `json:"classification"`
	Action         string    `json:"action,omitempty"`
}

// AttemptRecord is one transition into Running.
type AttemptRecord struct {
	Number    int       `json:"number"`
	Trigger   Trigger   `json:"trigger"`
	Action    string    `json:"action,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// PhaseRun is the mutable record for one phase of one pipeline execution.
type PhaseRun struct {
	PhaseID           string          `json:"phase_id"`
	Status            Status          `json:"status"`
	Progress          int             `json:"progress"`
	CurrentSubStep    *int            `json:"current_sub_step,omitempty"`
	StartedAt         time.Time       `json:"started_at,omitempty"`
	EndedAt           *time.Time      `json:"ended_at,omitempty"`
	Outputs           []Output        `json:"outputs,omitempty"`
	Attempts          int             `json:"attempts"`
	ErrorHistory      []ErrorRecord   `json:"error_history,omitempty"`
	AttemptLog        []AttemptRecord `json:"attempt_log,omitempty"`
	NeedsIntervention bool            `json:"needs_intervention,omitempty"`
	Actionable        []string        `json:"actionable,omitempty"`
}

// LastError returns the most recent error record, if any.
func (r PhaseRun) LastError() (ErrorRecord, bool) {
	if len(r.ErrorHistory) == 0 {
		return ErrorRecord{}, false
	}
	return r.ErrorHistory[len(r.ErrorHistory)-1], true
}

// Clone returns a deep copy.
func (r PhaseRun) Clone() PhaseRun {
	if r.CurrentSubStep != nil {
		v := *r.CurrentSubStep
		r.CurrentSubStep = &v
	}
	if r.EndedAt != nil {
		v := *r.EndedAt
		r.EndedAt = &v
	}
	r.Outputs = CloneOutputs(r.Outputs)
	r.ErrorHistory = append([]ErrorRecord(nil), r.ErrorHistory...)
	r.AttemptLog = append([]AttemptRecord(nil), r.AttemptLog...)
	r.Actionable = append([]string(nil), r.Actionable...)
	return r
}

// PipelineRun is the whole-pipeline record for one case. The live value is
// owned by an engine; everything else sees clones.
type PipelineRun struct {
	RunID             string         `json:"run_id,omitempty"`
	CaseID            string         `json:"case_id"`
	Status            PipelineStatus `json:"status"`
	CurrentPhaseIndex int            `json:"current_phase_index"`
	Phases            []PhaseRun     `json:"phases"`
	StartedAt         time.Time      `json:"started_at,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at,omitempty"`
}

// NewPipelineRun builds the eager per-phase records: every phase Pending and
// the first one Ready.
func NewPipelineRun(caseID string, catalog Catalog) *PipelineRun {
	run := &PipelineRun{
		CaseID: caseID,
		Status: PipelineIdle,
		Phases: make([]PhaseRun, catalog.Len()),
	}
	for i, id := range catalog.IDs() {
		run.Phases[i] = PhaseRun{PhaseID: id, Status: StatusPending}
	}
	if len(run.Phases) > 0 {
		run.Phases[0].Status = StatusReady
	}
	return run
}

// Phase returns the run for phaseID.
func (p *PipelineRun) Phase(phaseID string) (*PhaseRun, int, bool) {
	if p == nil {
		return nil, -1, false
	}
	for i := range p.Phases {
		if p.Phases[i].PhaseID == phaseID {
			return &p.Phases[i], i, true
		}
	}
	return nil, -1, false
}

// Clone returns a deep copy.
func (p *PipelineRun) Clone() *PipelineRun {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Phases = make([]PhaseRun, len(p.Phases))
	for i := range p.Phases {
		cp.Phases[i] = p.Phases[i].Clone()
	}
	return &cp
}

// CloneOutputs deep-copies output descriptors.
func CloneOutputs(in []Output) []Output {
	if in == nil {
		return nil
	}
	out := make([]Output, len(in))
	for i, o := range in {
		out[i] = o
		if o.Metadata != nil {
			out[i].Metadata = make(map[string]any, len(o.Metadata))
			for k, v := range o.Metadata {
				out[i].Metadata[k] = v
			}
		}
	}
	return out
}
