package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func startScheduler(t *testing.T, train TrainFunc) (*Scheduler, *clocktesting.FakeClock, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	fc := clocktesting.NewFakeClock(t0)
	s := New(train, Config{Clock: fc}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, fc, cancel, done
}

// waitFor blocks until cond holds and the scheduler is parked on the clock.
func waitFor(t *testing.T, fc *clocktesting.FakeClock, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond() && fc.HasWaiters() }, 2*time.Second, time.Millisecond)
}

func TestSchedulerSurvivesFailures(t *testing.T) {
	var calls int32
	train := func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return errors.New("training data unavailable")
		}
		return nil
	}
	s, fc, _, _ := startScheduler(t, train)

	waitFor(t, fc, func() bool { return s.Stats().Failures == 1 })
	assert.Equal(t, StateBackoff, s.State())
	fc.Step(DefaultRetryDelay)

	waitFor(t, fc, func() bool { return s.Stats().Failures == 2 })
	fc.Step(DefaultRetryDelay)

	waitFor(t, fc, func() bool { return s.Stats().Successes == 1 })
	stats := s.Stats()
	assert.Equal(t, StateIdle, stats.State)
	assert.Equal(t, int64(2), stats.Failures)
	assert.Equal(t, "training data unavailable", stats.LastError)
	assert.Equal(t, t0.Add(2*DefaultRetryDelay), stats.LastSuccess)

	// A retry delay is not enough to start the next cycle after a success.
	fc.Step(DefaultRetryDelay)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	fc.Step(DefaultInterval - DefaultRetryDelay)
	waitFor(t, fc, func() bool { return s.Stats().Successes == 2 })
}

func TestSchedulerRecoversPanic(t *testing.T) {
	var calls int32
	train := func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
		return nil
	}
	s, fc, _, _ := startScheduler(t, train)

	waitFor(t, fc, func() bool { return s.Stats().Failures == 1 })
	assert.Contains(t, s.Stats().LastError, "boom")

	fc.Step(DefaultRetryDelay)
	waitFor(t, fc, func() bool { return s.Stats().Successes == 1 })
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	s, fc, cancel, done := startScheduler(t, func(ctx context.Context) error { return nil })

	waitFor(t, fc, func() bool { return s.Stats().Successes == 1 })
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, "stopped", s.Stats().StateName)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "training", StateTraining.String())
	assert.Equal(t, "backoff", StateBackoff.String())
	assert.Equal(t, "state(9)", State(9).String())
}
