package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/deepnoodle-ai/taskrouter"
	"github.com/deepnoodle-ai/taskrouter/agent"
	"github.com/deepnoodle-ai/taskrouter/agents"
	"github.com/deepnoodle-ai/taskrouter/bus"
	"github.com/deepnoodle-ai/taskrouter/classifier"
	"github.com/deepnoodle-ai/taskrouter/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// app is the fully wired process: state, bus, built-in workers and the
// orchestrator.
type app struct {
	cfg          *taskrouter.Config
	logger       *slog.Logger
	states       *state.Manager
	bus          *bus.Bus
	agents       []*agent.Agent
	orchestrator *taskrouter.Orchestrator
	closers      []func()
}

func loadConfig(f *flags) (*taskrouter.Config, error) {
	cfg, err := taskrouter.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.stateDir != "" {
		cfg.StateDir = f.stateDir
	}
	if f.patterns != "" {
		cfg.PatternsFile = f.patterns
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newClassifier(cfg *taskrouter.Config) (*classifier.Classifier, error) {
	var table *classifier.PatternTable
	if cfg.PatternsFile != "" {
		var err error
		if table, err = classifier.LoadPatternFile(cfg.PatternsFile); err != nil {
			return nil, err
		}
	}
	return classifier.New(table)
}

// newStateManager opens the configured store and loads persisted state. The
// returned function releases the store.
func newStateManager(ctx context.Context, cfg *taskrouter.Config, logger *slog.Logger) (*state.Manager, func(), error) {
	var store state.Store
	closeStore := func() {}
	if cfg.PostgresDSN != "" {
		db, err := state.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		pg, err := state.NewPostgresStore(ctx, state.PostgresStoreOptions{DB: db, Logger: logger})
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		store = pg
		closeStore = func() { db.Close() }
	} else {
		fs, err := state.NewFileStore(cfg.StateDir, logger)
		if err != nil {
			return nil, nil, err
		}
		store = fs
	}
	states := state.NewManager(state.Options{
		Store:       store,
		Logger:      logger,
		MaxStateAge: cfg.MaxStateAge,
	})
	states.LoadPersistedState(ctx)
	return states, closeStore, nil
}

func newApp(ctx context.Context, f *flags) (*app, error) {
	cfg, err := loadConfig(f)
	if err != nil {
		return nil, err
	}
	logger, err := taskrouter.LoggerFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	states, closeStore, err := newStateManager(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.states = states
	a.closers = append(a.closers, closeStore)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.bus = bus.New(bus.Options{
		Logger:         logger,
		MaxLogSize:     cfg.MessageLogSize,
		DefaultTimeout: cfg.DefaultTimeout,
		Metrics:        bus.NewMetrics(reg),
	})

	a.agents, err = agents.Start(ctx, agents.Builtins(agents.Options{
		Dir: f.workDir,
		Out: os.Stdout,
	}), agents.StartOptions{
		Bus:     a.bus,
		State:   states,
		Logger:  logger,
		Timeout: cfg.StepTimeout,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		for _, ag := range a.agents {
			ag.Stop()
		}
	})

	c, err := newClassifier(cfg)
	if err != nil {
		return nil, err
	}

	reporters := []taskrouter.ProgressReporter{taskrouter.NewPrometheusReporter(reg)}
	if f.jsonOutput {
		reporters = append(reporters, taskrouter.NewLogReporter(logger))
	} else {
		reporters = append(reporters, taskrouter.NewConsoleReporter(os.Stderr, f.verbose))
	}
	if cfg.ProgressLogDir != "" {
		reporters = append(reporters, taskrouter.NewFileProgressReporter(cfg.ProgressLogDir, func(err error) {
			logger.Warn("failed to write progress log", "error", err)
		}))
	}

	policy := cfg.RetryPolicy()
	a.orchestrator, err = taskrouter.New(taskrouter.Options{
		Bus:            a.bus,
		State:          states,
		Classifier:     c,
		Reporters:      reporters,
		Logger:         logger,
		StepTimeout:    cfg.StepTimeout,
		RetryPolicy:    &policy,
		FallbackWorker: cfg.FallbackWorker,
	})
	if err != nil {
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		a.serveMetrics(reg)
	}
	ok = true
	return a, nil
}

// serveMetrics exposes the registry on /metrics until the app is closed.
func (a *app) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", a.cfg.MetricsAddr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", a.cfg.MetricsAddr)
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
