package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/verge-sh/verge/pkg/config"
	"github.com/verge-sh/verge/pkg/engine"
	"github.com/verge-sh/verge/pkg/policy"
	"github.com/verge-sh/verge/pkg/stores"
	"github.com/verge-sh/verge/pkg/telemetry"
)

// app bundles the wired engine for one command invocation.
type app struct {
	cfg       *config.Config
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	events    *telemetry.EventPublisher
	store     *stores.SQLiteStore
	inspector *engine.Inspector
	snapshots *engine.SnapshotManager
	rollback  *engine.RollbackExecutor
	maintain  *engine.Maintainer
	lock      *engine.Lock
	specs     []engine.ComponentSpec
}

// newApp loads configuration and wires the engine.
func newApp(ctx context.Context) (*app, error) {
	parser, err := config.NewParser()
	if err != nil {
		return nil, err
	}
	cfg, err := parser.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("cannot initialize logging: %w", err)
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics, err = telemetry.NewMetrics(cfg.Telemetry.Metrics)
		if err != nil {
			return nil, fmt.Errorf("cannot initialize metrics: %w", err)
		}
		if err := metrics.StartMetricsServer(); err != nil {
			return nil, fmt.Errorf("cannot start metrics listener: %w", err)
		}
	}

	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return nil, fmt.Errorf("cannot initialize tracing: %w", err)
	}

	events, err := telemetry.NewEventPublisher(cfg.Telemetry.Events)
	if err != nil {
		return nil, fmt.Errorf("cannot initialize event sink: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.AbsDatabasePath()})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	specs, err := cfg.BuildSpecs()
	if err != nil {
		store.Close()
		return nil, err
	}

	lock := engine.NewLock(cfg.RootDir)
	snapshots := engine.NewSnapshotManager(cfg.AbsSnapshotsDir(), logger, metrics)
	rollback := engine.NewRollbackExecutor(snapshots, logger, metrics, events).WithLock(lock).WithStore(store)
	inspector := engine.NewInspector(specs, cfg.InspectorOptions(), logger, metrics, events)
	maintain := engine.NewMaintainer(snapshots, cfg.AbsStagingDir(), store, logger, metrics, events)

	return &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		events:    events,
		store:     store,
		inspector: inspector,
		snapshots: snapshots,
		rollback:  rollback,
		maintain:  maintain,
		lock:      lock,
		specs:     specs,
	}, nil
}

// newReconciler wires the full reconciler, including the policy gate.
func (a *app) newReconciler(ctx context.Context) (*engine.Reconciler, error) {
	admCtx := policy.AdmissionContext{SyncMode: a.cfg.Validation.SyncMode}
	polEngine, err := policy.NewEngine(a.logger.Zerolog(), a.events, admCtx)
	if err != nil {
		return nil, err
	}
	if a.cfg.PolicyDir != "" {
		if err := polEngine.LoadPolicies(ctx, []string{a.cfg.PolicyDir}); err != nil {
			return nil, err
		}
	}

	return engine.NewReconciler(engine.ReconcilerDeps{
		Inspector: a.inspector,
		Snapshots: a.snapshots,
		Rollback:  a.rollback,
		Lock:      a.lock,
		Admitter:  polEngine,
		Store:     a.store,
		Logger:    a.logger,
		Metrics:   a.metrics,
		Tracer:    a.tracer,
		Events:    a.events,
	}, a.cfg.ReconcilerOptions()), nil
}

// Close flushes telemetry and closes the store.
func (a *app) Close(ctx context.Context) {
	if a.events != nil {
		a.events.Shutdown(ctx)
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil && a.logger != nil {
			a.logger.WithError(err).Warn("tracer shutdown failed")
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

// printJSON renders a result to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
