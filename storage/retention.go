package storage

import (
	"context"
	"sync"
	"time"

	"watchpost/util/goroutine"

	"go.uber.org/zap"
)

// Sweeper is implemented by stores that can drop expired index entries.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// RetentionManager periodically sweeps index entries that outlived their
// records. Records expire on their own through key TTLs.
type RetentionManager struct {
	store         Sweeper
	checkInterval time.Duration
	timeout       time.Duration
	logger        *zap.SugaredLogger
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewRetentionManager creates a new retention manager
func NewRetentionManager(store Sweeper, checkInterval time.Duration, logger *zap.SugaredLogger) *RetentionManager {
	if checkInterval <= 0 {
		checkInterval = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RetentionManager{
		store:         store,
		checkInterval: checkInterval,
		timeout:       30 * time.Second,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

// Start starts the retention manager
func (rm *RetentionManager) Start() {
	rm.wg.Add(1)
	go rm.run()
}

func (rm *RetentionManager) run() {
	defer rm.wg.Done()
	defer goroutine.Recover("retention-manager", rm.logger)

	ticker := time.NewTicker(rm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rm.cleanup()
		case <-rm.stopCh:
			return
		}
	}
}

// Stop stops the retention manager and waits for an in-flight sweep.
func (rm *RetentionManager) Stop() {
	rm.stopOnce.Do(func() { close(rm.stopCh) })
	rm.wg.Wait()
}

func (rm *RetentionManager) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), rm.timeout)
	defer cancel()

	if err := rm.store.Sweep(ctx); err != nil {
		rm.logger.Warnw("Index retention sweep failed", "error", err)
		return
	}
	rm.logger.Debug("Index retention sweep completed")
}
