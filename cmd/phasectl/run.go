package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/config"
	"github.com/goliatone/go-phase/engine"
	"github.com/goliatone/go-phase/events"
	"github.com/goliatone/go-phase/pipeline"
	"github.com/goliatone/go-phase/recovery"
	"github.com/goliatone/go-phase/schedule"
	"github.com/goliatone/go-phase/worker"
)

type RunCmd struct {
	Case       string        `arg:"" help:"Case identifier."`
	Fail       []string      `help:"Script a failed attempt as PHASE=CLASSIFICATION. Repeat to fail several attempts." placeholder:"PHASE=CLASS"`
	SkipFailed bool          `help:"Skip phases that stop for an operator instead of exiting."`
	Fast       bool          `help:"Use millisecond backoff so scripted failures recover quickly."`
	Timeout    time.Duration `help:"Give up after this long." default:"5m"`
}

func (c *RunCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.execute(ctx, cfg, g.out(), g.logger(cfg))
}

func (c *RunCmd) execute(ctx context.Context, cfg config.Config, out io.Writer, logger phase.Logger) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return err
	}
	sim, err := scriptFailures(worker.NewSimulated(), catalog, c.Fail)
	if err != nil {
		return err
	}

	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	if c.Fast {
		policy := cfg.Policy()
		policy.BackoffBase = time.Millisecond
		policy.BackoffMax = 50 * time.Millisecond
		policy.RateLimitWait = 5 * time.Millisecond
		policy.QueueDelay = 20 * time.Millisecond
		opts = append(opts, engine.WithPolicy(policy), engine.WithPollInterval(10*time.Millisecond))
	}

	sched := schedule.NewScheduler(schedule.WithLogger(logger))
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(stopCtx)
	}()

	ctrl := pipeline.NewController(sim,
		pipeline.WithLogger(logger),
		pipeline.WithScheduler(sched),
		pipeline.WithEngineOptions(opts...),
	)
	defer func() {
		ctrl.Close()
		ctrl.Sink().Close()
	}()

	sub := ctrl.Sink().SubscribeWith(events.ForCase(c.Case))
	defer sub.Unsubscribe()

	if _, err := ctrl.Start(c.Case); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			if run, err := ctrl.Get(c.Case); err == nil {
				fmt.Fprint(out, renderSummary(run))
			}
			return ctx.Err()
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			fmt.Fprintln(out, renderEvent(evt))

			switch {
			case evt.Type == events.PipelineCompleted:
				run, err := ctrl.Get(c.Case)
				if err != nil {
					return err
				}
				fmt.Fprint(out, renderSummary(run))
				return nil
			case evt.Type == events.PhaseFailed && evt.PipelineStatus == phase.PipelineFailed:
				if c.SkipFailed && slices.Contains(evt.Actionable, phase.ActionSkip) {
					if err := ctrl.SkipPhase(c.Case, evt.PhaseID); err != nil {
						return err
					}
					continue
				}
				run, err := ctrl.Get(c.Case)
				if err == nil {
					fmt.Fprint(out, renderSummary(run))
				}
				return fmt.Errorf("phase %s needs an operator (%s)", evt.PhaseID, strings.Join(evt.Actionable, ", "))
			}
		}
	}
}

// scriptFailures parses PHASE=CLASSIFICATION pairs into failed attempts.
func scriptFailures(sim *worker.Simulated, catalog phase.Catalog, scripts []string) (*worker.Simulated, error) {
	for _, raw := range scripts {
		phaseID, class, ok := strings.Cut(raw, "=")
		phaseID = strings.TrimSpace(phaseID)
		c := recovery.Classification(strings.TrimSpace(class))
		if !ok || phaseID == "" {
			return nil, phase.NewError(phase.ErrInvalidConfiguration, "failure must look like PHASE=CLASSIFICATION", nil, map[string]any{
				"value": raw,
			})
		}
		if _, known := catalog.Index(phaseID); !known {
			return nil, phase.NewError(phase.ErrUnknownPhase, "unknown phase "+phaseID, nil, map[string]any{
				"phase_id": phaseID,
			})
		}
		if !c.Valid() {
			return nil, phase.NewError(phase.ErrInvalidConfiguration, "unknown classification "+string(c), nil, map[string]any{
				"value": raw,
			})
		}
		sim.Script(phaseID, worker.Fail(recovery.NewClassifiedError(c, fmt.Errorf("simulated %s", strings.ReplaceAll(string(c), "_", " ")))))
	}
	return sim, nil
}
