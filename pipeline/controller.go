// Package pipeline is the top-level entry point: one engine per case, all
// publishing on a shared sink.
package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/engine"
	"github.com/goliatone/go-phase/events"
	"github.com/goliatone/go-phase/schedule"
	"github.com/goliatone/go-phase/worker"
)

// Option configures a Controller.
type Option func(*Controller)

// WithEngineOptions are applied to every engine the controller creates.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(c *Controller) {
		c.engineOpts = append(c.engineOpts, opts...)
	}
}

// WithSink shares s across all engines.
func WithSink(s *events.Sink) Option {
	return func(c *Controller) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithScheduler is used for deferred retries and the retention sweep.
func WithScheduler(s *schedule.Scheduler) Option {
	return func(c *Controller) {
		c.scheduler = s
	}
}

// WithLogger sets the controller logger. Engines inherit it.
func WithLogger(logger phase.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type entry struct {
	engine  *engine.Engine
	touched time.Time
}

// Controller owns the engines for every active case.
type Controller struct {
	mu      sync.RWMutex
	engines map[string]*entry

	client     worker.Client
	engineOpts []engine.Option
	sink       *events.Sink
	scheduler  *schedule.Scheduler
	logger     phase.Logger
	sweep      schedule.Handle
}

// NewController builds a controller dispatching work to client.
func NewController(client worker.Client, opts ...Option) *Controller {
	c := &Controller{
		engines: make(map[string]*entry),
		client:  client,
		logger:  phase.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.sink == nil {
		c.sink = events.NewSink(events.WithLogger(c.logger))
	}
	return c
}

// Sink returns the shared event sink.
func (c *Controller) Sink() *events.Sink {
	return c.sink
}

// Start begins (or restarts) the pipeline for caseID.
func (c *Controller) Start(caseID string) (*phase.PipelineRun, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return nil, phase.ErrNoCaseID.Clone()
	}
	return c.engineFor(caseID).StartPipeline(caseID)
}

// StartPhase starts one phase of caseID's pipeline.
func (c *Controller) StartPhase(caseID, phaseID string) error {
	e, err := c.lookup(caseID)
	if err != nil {
		return err
	}
	return e.StartPhase(phaseID)
}

// RetryPhase is the operator retry for caseID.
func (c *Controller) RetryPhase(caseID, phaseID string) error {
	e, err := c.lookup(caseID)
	if err != nil {
		return err
	}
	return e.RetryPhase(phaseID)
}

// SkipPhase is the operator skip for caseID.
func (c *Controller) SkipPhase(caseID, phaseID string) error {
	e, err := c.lookup(caseID)
	if err != nil {
		return err
	}
	return e.SkipPhase(phaseID)
}

// ReportProgress forwards push-style progress.
func (c *Controller) ReportProgress(caseID, phaseID string, progress int, subStep, message string) error {
	e, err := c.lookup(caseID)
	if err != nil {
		return err
	}
	return e.ReportProgress(phaseID, progress, subStep, message)
}

// Pause pauses caseID's pipeline.
func (c *Controller) Pause(caseID string) error {
	e, err := c.lookup(caseID)
	if err != nil {
		return err
	}
	return e.PausePipeline()
}

// Resume resumes caseID's pipeline.
func (c *Controller) Resume(caseID string) error {
	e, err := c.lookup(caseID)
	if err != nil {
		return err
	}
	return e.ResumePipeline()
}

// Stop returns caseID's pipeline to Idle. The engine is kept.
func (c *Controller) Stop(caseID string) error {
	e, err := c.lookup(caseID)
	if err != nil {
		return err
	}
	e.StopPipeline()
	return nil
}

// Reset discards caseID's engine entirely.
func (c *Controller) Reset(caseID string) error {
	caseID = strings.TrimSpace(caseID)
	c.mu.Lock()
	ent, ok := c.engines[caseID]
	delete(c.engines, caseID)
	c.mu.Unlock()
	if !ok {
		return notFound(caseID)
	}
	ent.engine.ResetPipeline()
	ent.engine.Close()
	return nil
}

// Get returns a snapshot of caseID's pipeline.
func (c *Controller) Get(caseID string) (*phase.PipelineRun, error) {
	caseID = strings.TrimSpace(caseID)
	c.mu.RLock()
	ent, ok := c.engines[caseID]
	c.mu.RUnlock()
	if !ok {
		return nil, notFound(caseID)
	}
	return ent.engine.Snapshot(), nil
}

// List returns snapshots of every pipeline ordered by case ID.
func (c *Controller) List() []*phase.PipelineRun {
	c.mu.RLock()
	engines := make([]*engine.Engine, 0, len(c.engines))
	for _, ent := range c.engines {
		engines = append(engines, ent.engine)
	}
	c.mu.RUnlock()

	out := make([]*phase.PipelineRun, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out
}

// Sweep drops Idle and Completed pipelines untouched for longer than maxAge.
// It returns the number removed.
func (c *Controller) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	var removed []*engine.Engine
	for caseID, ent := range c.engines {
		snap := ent.engine.Snapshot()
		if snap.Status != phase.PipelineIdle && snap.Status != phase.PipelineCompleted {
			continue
		}
		last := ent.touched
		if snap.UpdatedAt.After(last) {
			last = snap.UpdatedAt
		}
		if last.After(cutoff) {
			continue
		}
		delete(c.engines, caseID)
		removed = append(removed, ent.engine)
	}
	c.mu.Unlock()

	for _, e := range removed {
		e.Close()
	}
	if len(removed) > 0 {
		c.logger.Info("retention sweep removed %d pipelines", len(removed))
	}
	return len(removed)
}

// ScheduleSweep runs Sweep on the cron expression expr.
func (c *Controller) ScheduleSweep(expr string, maxAge time.Duration) error {
	if c.scheduler == nil {
		return phase.NewError(phase.ErrInvalidConfiguration, "retention sweep requires a scheduler", nil, nil)
	}
	h, err := c.scheduler.ScheduleCron(schedule.JobConfig{
		Name:       "retention-sweep",
		Expression: expr,
	}, func(context.Context) error {
		c.Sweep(maxAge)
		return nil
	})
	if err != nil {
		return phase.NewError(phase.ErrInvalidConfiguration, "invalid retention schedule", err, map[string]any{
			"expression": expr,
		})
	}

	c.mu.Lock()
	if c.sweep != nil {
		c.sweep.Cancel()
	}
	c.sweep = h
	c.mu.Unlock()
	return nil
}

// Close cancels the sweep and closes every engine.
func (c *Controller) Close() {
	c.mu.Lock()
	engines := c.engines
	c.engines = make(map[string]*entry)
	sweep := c.sweep
	c.sweep = nil
	c.mu.Unlock()

	if sweep != nil {
		sweep.Cancel()
	}
	for _, ent := range engines {
		ent.engine.Close()
	}
}

func (c *Controller) engineFor(caseID string) *engine.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.engines[caseID]; ok {
		ent.touched = time.Now()
		return ent.engine
	}

	opts := []engine.Option{
		engine.WithSink(c.sink),
		engine.WithLogger(c.logger),
	}
	if c.scheduler != nil {
		opts = append(opts, engine.WithScheduler(c.scheduler))
	}
	opts = append(opts, c.engineOpts...)

	e := engine.New(c.client, opts...)
	c.engines[caseID] = &entry{engine: e, touched: time.Now()}
	return e
}

func (c *Controller) lookup(caseID string) (*engine.Engine, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return nil, phase.ErrNoCaseID.Clone()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.engines[caseID]
	if !ok {
		return nil, notFound(caseID)
	}
	ent.touched = time.Now()
	return ent.engine, nil
}

func notFound(caseID string) error {
	return phase.NewError(phase.ErrPipelineNotFound, "no pipeline for case "+caseID, nil, map[string]any{
		"case_id": caseID,
	})
}
