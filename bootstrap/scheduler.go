package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"watchpost/util/goroutine"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Trainer retrains the outlier model from stored history.
type Trainer interface {
	TrainFromHistory(ctx context.Context) bool
}

// TrainingScheduler runs retraining on a cron schedule. Runs never overlap:
// a tick that fires while training is still in progress is skipped.
type TrainingScheduler struct {
	cron    *cron.Cron
	trainer Trainer
	timeout time.Duration
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	running bool
}

// NewTrainingScheduler parses schedule (standard cron or @every) and
// registers the retraining job.
func NewTrainingScheduler(schedule string, trainer Trainer, timeout time.Duration, logger *zap.SugaredLogger) (*TrainingScheduler, error) {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	s := &TrainingScheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		trainer: trainer,
		timeout: timeout,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid training schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *TrainingScheduler) run() {
	defer goroutine.Recover("training-scheduler", s.logger)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	trained := s.trainer.TrainFromHistory(ctx)
	s.logger.Infow("Scheduled retraining finished",
		"trained", trained,
		"duration", time.Since(start))
}

// Start starts the scheduler.
func (s *TrainingScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Infow("Training scheduler started", "next_run", s.next())
}

// Stop stops the scheduler and waits for a running job.
func (s *TrainingScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("Training scheduler stopped")
}

func (s *TrainingScheduler) next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
