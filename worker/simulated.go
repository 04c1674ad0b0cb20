package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	phase "github.com/goliatone/go-phase"
)

// Attempt scripts how one execution of a phase behaves.
type Attempt struct {
	// ExecuteErr fails the Execute call itself.
	ExecuteErr error
	// Outcomes are returned by successive polls; the last one repeats.
	Outcomes []Outcome
	// Gate, when set, holds polls at "not done" until it is closed.
	Gate <-chan struct{}
}

// Succeed is an attempt that finishes on the first poll.
func Succeed(outputs ...phase.Output) Attempt {
	return Attempt{Outcomes: []Outcome{{Done: true, Progress: 100, Outputs: outputs}}}
}

// Fail is an attempt whose first poll reports err.
func Fail(err error) Attempt {
	return Attempt{Outcomes: []Outcome{{Done: true, Err: err}}}
}

// Progress is an attempt that walks through the given outcomes.
func Progress(outcomes ...Outcome) Attempt {
	return Attempt{Outcomes: outcomes}
}

// Gated wraps an attempt so it only proceeds once gate is closed.
func Gated(gate <-chan struct{}, a Attempt) Attempt {
	a.Gate = gate
	return a
}

type simRun struct {
	phaseID string
	attempt Attempt
	cursor  int
}

// Simulated is a scripted in-memory worker. Phases without a script, or
// whose scripted attempts are used up, succeed immediately. Scripts set with
// ScriptCase apply to one case and take precedence over phase-wide ones.
type Simulated struct {
	mu             sync.Mutex
	scripts        map[string][]Attempt
	executions     map[string]int
	caseScripts    map[string][]Attempt
	caseExecutions map[string]int
	configs        map[string][]Config
	runs           map[Handle]*simRun
}

func caseKey(caseID, phaseID string) string {
	return caseID + "/" + phaseID
}

// NewSimulated builds an empty simulated worker.
func NewSimulated() *Simulated {
	return &Simulated{
		scripts:        make(map[string][]Attempt),
		executions:     make(map[string]int),
		caseScripts:    make(map[string][]Attempt),
		caseExecutions: make(map[string]int),
		configs:        make(map[string][]Config),
		runs:           make(map[Handle]*simRun),
	}
}

// Script appends attempts for phaseID, consumed one per Execute call.
func (s *Simulated) Script(phaseID string, attempts ...Attempt) *Simulated {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[phaseID] = append(s.scripts[phaseID], attempts...)
	return s
}

// ScriptCase appends attempts for phaseID that only caseID consumes.
func (s *Simulated) ScriptCase(caseID, phaseID string, attempts ...Attempt) *Simulated {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := caseKey(caseID, phaseID)
	s.caseScripts[key] = append(s.caseScripts[key], attempts...)
	return s
}

// ExecutionsFor returns how many times caseID executed phaseID.
func (s *Simulated) ExecutionsFor(caseID, phaseID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caseExecutions[caseKey(caseID, phaseID)]
}

// Executions returns how many times phaseID was executed across all cases.
func (s *Simulated) Executions(phaseID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executions[phaseID]
}

// Configs returns the config passed to each execution of phaseID.
func (s *Simulated) Configs(phaseID string) []Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Config, len(s.configs[phaseID]))
	for i, c := range s.configs[phaseID] {
		out[i] = c.Clone()
	}
	return out
}

// Execute implements Client.
func (s *Simulated) Execute(_ context.Context, phaseID, caseID string, cfg Config) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := caseKey(caseID, phaseID)
	n := s.executions[phaseID]
	s.executions[phaseID] = n + 1
	cn := s.caseExecutions[key]
	s.caseExecutions[key] = cn + 1
	s.configs[phaseID] = append(s.configs[phaseID], cfg.Clone())

	attempt := Succeed(phase.Output{
		Kind: phaseID + "_output",
		Name: fmt.Sprintf("%s-%s", caseID, phaseID),
	})
	if scripted, ok := s.caseScripts[key]; ok {
		if cn < len(scripted) {
			attempt = scripted[cn]
		}
	} else if scripted := s.scripts[phaseID]; n < len(scripted) {
		attempt = scripted[n]
	}
	if attempt.ExecuteErr != nil {
		return "", attempt.ExecuteErr
	}

	handle := Handle(uuid.NewString())
	s.runs[handle] = &simRun{phaseID: phaseID, attempt: attempt}
	return handle, nil
}

// Poll implements Client.
func (s *Simulated) Poll(ctx context.Context, handle Handle) (Outcome, error) {
	s.mu.Lock()
	run, ok := s.runs[handle]
	s.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("simulated worker: unknown handle %s", handle)
	}

	if gate := run.attempt.Gate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		default:
			return Outcome{Progress: 0, Message: "waiting"}, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	outcomes := run.attempt.Outcomes
	if len(outcomes) == 0 {
		delete(s.runs, handle)
		return Outcome{Done: true, Progress: 100}, nil
	}
	idx := run.cursor
	if idx >= len(outcomes) {
		idx = len(outcomes) - 1
	}
	run.cursor++
	out := outcomes[idx]
	out.Outputs = phase.CloneOutputs(out.Outputs)
	if out.Done {
		delete(s.runs, handle)
	}
	return out, nil
}
