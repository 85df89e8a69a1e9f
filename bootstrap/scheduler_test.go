package bootstrap

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingTrainer struct {
	calls atomic.Int32
}

func (c *countingTrainer) TrainFromHistory(ctx context.Context) bool {
	c.calls.Add(1)
	_, hasDeadline := ctx.Deadline()
	return hasDeadline
}

type panickingTrainer struct {
	calls atomic.Int32
}

func (p *panickingTrainer) TrainFromHistory(context.Context) bool {
	p.calls.Add(1)
	panic("training exploded")
}

func TestTrainingScheduler_RunsOnSchedule(t *testing.T) {
	trainer := &countingTrainer{}
	s, err := NewTrainingScheduler("@every 1s", trainer, time.Minute, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	s.Start()
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return trainer.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestTrainingScheduler_SurvivesPanic(t *testing.T) {
	trainer := &panickingTrainer{}
	s, err := NewTrainingScheduler("@every 1s", trainer, time.Minute, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return trainer.calls.Load() >= 2 }, 4*time.Second, 50*time.Millisecond)
}

func TestTrainingScheduler_InvalidSchedule(t *testing.T) {
	_, err := NewTrainingScheduler("whenever", &countingTrainer{}, 0, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestTrainingScheduler_StopIdempotent(t *testing.T) {
	s, err := NewTrainingScheduler("@every 1h", &countingTrainer{}, 0, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	s.Stop()
	s.Start()
	assert.False(t, s.next().IsZero())
	s.Stop()
	s.Stop()
}
