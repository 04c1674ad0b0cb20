package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/config"
	"github.com/goliatone/go-phase/httpapi"
	"github.com/goliatone/go-phase/metrics"
	"github.com/goliatone/go-phase/natsbridge"
	"github.com/goliatone/go-phase/pipeline"
	"github.com/goliatone/go-phase/schedule"
)

type ServeCmd struct {
	Addr            string        `help:"Listen address, overrides server.addr." env:"PHASECTL_ADDR"`
	NATS            string        `help:"NATS URL, overrides nats.url." env:"PHASECTL_NATS_URL" name:"nats"`
	ShutdownTimeout time.Duration `help:"Grace period for in-flight requests." default:"10s"`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}
	if c.NATS != "" {
		cfg.NATS.URL = c.NATS
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, g.logger(cfg), c.ShutdownTimeout)
}

func serve(ctx context.Context, cfg config.Config, logger phase.Logger, shutdownTimeout time.Duration) error {
	client, err := cfg.BuildWorker()
	if err != nil {
		return err
	}
	engineOpts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return err
	}

	loc, err := cfg.Retention.Location()
	if err != nil {
		return err
	}
	sched := schedule.NewScheduler(schedule.WithLogger(logger), schedule.WithLocation(loc))
	ctrl := pipeline.NewController(client,
		pipeline.WithLogger(logger),
		pipeline.WithScheduler(sched),
		pipeline.WithEngineOptions(engineOpts...),
	)
	if cfg.Retention.Schedule != "" {
		if err := ctrl.ScheduleSweep(cfg.Retention.Schedule, cfg.Retention.MaxAge); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector("phase")
	if err := collector.Register(reg); err != nil {
		return err
	}
	metricsSub := collector.Attach(ctrl.Sink())
	defer metricsSub.Unsubscribe()

	if cfg.NATS.Enabled() {
		conn, err := natsbridge.Connect(cfg.NATS.URL, cfg.NATS.Name)
		if err != nil {
			return err
		}
		defer conn.Close()
		bridge := natsbridge.New(conn,
			natsbridge.WithPrefix(cfg.NATS.SubjectPrefix),
			natsbridge.WithLogger(logger),
		)
		bridge.Attach(ctrl.Sink())
		defer func() { _ = bridge.Close() }()
		logger.Info("publishing events to NATS %s under %s", cfg.NATS.URL, cfg.NATS.SubjectPrefix)
	}

	api := httpapi.NewServer(ctrl,
		httpapi.WithCatalog(catalog),
		httpapi.WithPolicy(cfg.Policy()),
		httpapi.WithGatherer(reg),
		httpapi.WithLogger(logger),
	)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		api.Close()
		err := srv.Shutdown(shutdownCtx)
		ctrl.Close()
		if stopErr := sched.Stop(shutdownCtx); err == nil {
			err = stopErr
		}
		ctrl.Sink().Close()
		return err
	})
	return g.Wait()
}
