// Package engine drives one case's pipeline through the phase catalog.
//
// An Engine owns exactly one PipelineRun. All mutations happen under a
// single mutex; worker calls run on per-attempt goroutines and funnel their
// outcomes back through the same lock, where stale results are rejected by
// epoch and per-phase attempt tokens. Callers only ever see snapshots.
package engine

import (
	"context"
	"sync"
	"time"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/events"
	"github.com/goliatone/go-phase/recovery"
	"github.com/goliatone/go-phase/schedule"
	"github.com/goliatone/go-phase/worker"
)

const (
	DefaultMaxAttempts  = 3
	DefaultPollInterval = time.Second
)

// Option configures an Engine.
type Option func(*Engine)

// WithCatalog replaces the default phase catalog.
func WithCatalog(c phase.Catalog) Option {
	return func(e *Engine) {
		if c.Len() > 0 {
			e.catalog = c
		}
	}
}

// WithMaxAttempts sets the per-phase attempt budget.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithPollInterval sets how often an in-flight attempt is polled.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithPolicy replaces the recovery policy.
func WithPolicy(p recovery.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithAutoAdvance toggles starting the next phase after a completion or skip.
func WithAutoAdvance(enabled bool) Option {
	return func(e *Engine) {
		e.autoAdvance = enabled
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger phase.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithScheduler hands queue-for-later retries to s.
func WithScheduler(s *schedule.Scheduler) Option {
	return func(e *Engine) {
		e.scheduler = s
	}
}

// WithConfig sets the worker config passed to every Execute call.
func WithConfig(cfg worker.Config) Option {
	return func(e *Engine) {
		e.config = cfg.Clone()
	}
}

// WithProviders lists the providers switch-provider rotates through.
func WithProviders(providers ...string) Option {
	return func(e *Engine) {
		e.providers = append([]string(nil), providers...)
	}
}

// WithSink publishes events on a shared sink.
func WithSink(s *events.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithContext sets the base context for worker calls. Cancelling it aborts
// in-flight attempts; StopPipeline does not.
func WithContext(ctx context.Context) Option {
	return func(e *Engine) {
		if ctx != nil {
			e.parent = ctx
		}
	}
}

// phaseState is runtime bookkeeping that never leaves the engine.
type phaseState struct {
	// token identifies the live attempt; outcomes carrying another token are stale.
	token uint64
	// retryToken identifies the live retry timer or scheduled job.
	retryToken  uint64
	retryTimer  *time.Timer
	retryHandle schedule.Handle

	// windowStart is the attempt count at which the current budget window
	// opened; an operator retry of an exhausted phase opens a new one.
	windowStart int

	overrides   map[string]any
	providerIdx int
	lastBucket  int
	// skipPending marks a phase skipped ahead of the cursor whose event is
	// emitted when sequencing reaches it.
	skipPending bool
}

// Engine is the phase orchestration state machine for one pipeline.
type Engine struct {
	mu sync.Mutex

	catalog      phase.Catalog
	client       worker.Client
	policy       recovery.Policy
	sink         *events.Sink
	scheduler    *schedule.Scheduler
	logger       phase.Logger
	maxAttempts  int
	pollInterval time.Duration
	autoAdvance  bool
	config       worker.Config
	providers    []string

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	panicLog phase.PanicLogger

	caseID string
	run    *phase.PipelineRun
	phases []phaseState
	epoch  uint64
	paused bool
	closed bool
}

// New builds an idle engine around client.
func New(client worker.Client, opts ...Option) *Engine {
	e := &Engine{
		catalog:      phase.DefaultCatalog(),
		client:       client,
		policy:       recovery.DefaultPolicy(),
		logger:       phase.NewFmtLogger(nil),
		maxAttempts:  DefaultMaxAttempts,
		pollInterval: DefaultPollInterval,
		autoAdvance:  true,
		config:       worker.Config{},
		parent:       context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.sink == nil {
		e.sink = events.NewSink(events.WithLogger(e.logger))
	}
	e.ctx, e.cancel = context.WithCancel(e.parent)
	e.panicLog = phase.LoggerPanicLogger(e.logger)
	e.resetLocked("")
	return e
}

// Sink returns the event sink observers subscribe to.
func (e *Engine) Sink() *events.Sink {
	return e.sink
}

// Catalog returns the engine's phase catalog.
func (e *Engine) Catalog() phase.Catalog {
	return e.catalog
}

// MaxAttempts returns the per-phase attempt budget.
func (e *Engine) MaxAttempts() int {
	return e.maxAttempts
}

// CaseID returns the current case, if any.
func (e *Engine) CaseID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caseID
}

// Epoch returns the stop/reset generation counter.
func (e *Engine) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Snapshot returns a deep copy of the pipeline run.
func (e *Engine) Snapshot() *phase.PipelineRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.Clone()
}

// Close cancels in-flight worker calls and pending retries. The engine
// rejects every later outcome.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.epoch++
	e.cancelRetriesLocked()
	e.cancel()
}

// resetLocked discards all run state and builds fresh Pending records.
func (e *Engine) resetLocked(caseID string) {
	e.caseID = caseID
	e.run = phase.NewPipelineRun(caseID, e.catalog)
	e.phases = make([]phaseState, e.catalog.Len())
	e.paused = false
}

func (e *Engine) cancelRetriesLocked() {
	for i := range e.phases {
		e.cancelRetryLocked(i)
	}
}

func (e *Engine) log() phase.Logger {
	return phase.CaseLogger(e.logger, e.caseID)
}

func (e *Engine) phaseLog(idx int) phase.Logger {
	pr := e.run.Phases[idx]
	return phase.PhaseLogger(e.logger, e.caseID, pr.PhaseID, pr.Attempts)
}

// budgetLocked is the attempt count at which idx is exhausted.
func (e *Engine) budgetLocked(idx int) int {
	return e.phases[idx].windowStart + e.maxAttempts
}

func (e *Engine) touchLocked() {
	e.run.UpdatedAt = time.Now().UTC()
}
