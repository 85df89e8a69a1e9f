package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"watchpost/config"
	"watchpost/correlate"
	"watchpost/detect"
	"watchpost/ml"
	"watchpost/notify"
	"watchpost/util/goroutine"

	"go.uber.org/zap"
)

// App holds the composed pipeline and its background services.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	Storage *StorageComponents

	// Pipeline
	Rules   *detect.RuleEngine
	Scorer  *ml.Scorer
	Gate    *notify.Gate
	Arbiter *correlate.Arbiter

	// Services
	Admin     *AdminServer
	Scheduler *TrainingScheduler

	// Lifecycle
	serviceWg      sync.WaitGroup
	tracerShutdown func(context.Context) error
	shutdownOnce   sync.Once
}

// NewApp connects to the store and composes the pipeline. Nothing runs in
// the background until Start.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, sugar *zap.SugaredLogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
		Sugar:  sugar,
	}

	LogConfig(cfg, sugar)

	tp, tracerShutdown := InitTracing(cfg, sugar)
	app.tracerShutdown = tracerShutdown

	storageComponents, err := InitStore(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Storage = storageComponents

	app.Rules = InitRuleEngine(cfg, storageComponents.Store, sugar)

	scorer, err := InitScorer(cfg, sugar)
	if err != nil {
		_ = storageComponents.Close()
		return nil, fmt.Errorf("failed to initialize outlier scorer: %w", err)
	}
	app.Scorer = scorer

	app.Gate = InitGate(cfg, sugar)

	arbiterCfg := correlate.DefaultConfig()
	arbiterCfg.MLMinEvents = cfg.ML.MinEvents
	arbiterCfg.CountTimeout = cfg.Detect.QueryTimeout
	arbiterCfg.TrainingWindow = cfg.ML.TrainingWindow
	arbiterCfg.TrainingLimit = cfg.ML.TrainingLimit
	arbiterCfg.TracerProvider = tp

	// a nil *ml.Scorer must not become a non-nil interface
	var outlier correlate.OutlierScorer
	if scorer != nil {
		outlier = scorer
	}
	app.Arbiter = correlate.NewArbiter(storageComponents.Store, app.Rules, outlier, app.Gate, arbiterCfg, sugar.Named("arbiter"))

	return app, nil
}

// LoadModel restores the persisted model and waits for the result. It is
// used by one-shot commands; serve loads asynchronously through Start.
func (a *App) LoadModel(ctx context.Context) error {
	if a.Scorer == nil {
		return nil
	}
	select {
	case <-a.Scorer.Start(ctx):
		return a.Scorer.LoadErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the background services: the asynchronous model load,
// index retention, scheduled retraining and the admin server.
func (a *App) Start(ctx context.Context) error {
	if a.Scorer != nil {
		// the scorer logs the outcome; scoring stays off until a model exists
		a.Scorer.Start(ctx)

		if a.Config.ML.TrainingSchedule != "" {
			scheduler, err := NewTrainingScheduler(a.Config.ML.TrainingSchedule, a.Arbiter, 0, a.Sugar.Named("training"))
			if err != nil {
				return err
			}
			a.Scheduler = scheduler
			a.Scheduler.Start()
		}
	}

	a.Storage.Retention.Start()
	a.Sugar.Infow("Retention manager started", "interval", a.Config.Store.SweepInterval)

	if a.Config.Metrics.Enabled {
		a.Admin = NewAdminServer(a.Config.Metrics.Addr, a.Storage.Store, a.Arbiter.ModelReady, a.Sugar.Named("admin"))
		a.serviceWg.Add(1)
		go func() {
			defer a.serviceWg.Done()
			defer goroutine.Recover("admin-server", a.Sugar)
			a.Sugar.Infof("Admin server started on %s", a.Config.Metrics.Addr)
			if err := a.Admin.Start(); err != nil {
				a.Sugar.Errorw("Admin server error", "error", err)
			}
		}()
	}

	return nil
}

// WaitForShutdown blocks until a shutdown signal is received or ctx ends.
func (a *App) WaitForShutdown(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}
}

// Shutdown stops the background services and closes the store. It is safe
// to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(a.shutdown)
}

func (a *App) shutdown() {
	a.Sugar.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Phase 1 - stop accepting admin requests
	if a.Admin != nil {
		if err := a.Admin.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop admin server", "error", err)
		}
	}

	// Phase 2 - background jobs that touch the store
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Storage != nil && a.Storage.Retention != nil {
		a.Storage.Retention.Stop()
	}

	// Phase 3 - service goroutines
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	// Phase 4 - flush spans, then close the store
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.Sugar.Warnw("Failed to flush traces", "error", err)
		}
	}
	if err := a.Storage.Close(); err != nil {
		a.Sugar.Errorw("Failed to close Redis connection", "error", err)
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
