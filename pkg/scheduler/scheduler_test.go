package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunningScheduler(t *testing.T) (*Scheduler, *Pool) {
	t.Helper()
	pool := NewPool(4)
	pool.Start()
	sched := New()
	sched.Start(pool)
	t.Cleanup(func() {
		sched.Stop()
		pool.Stop()
	})
	return sched, pool
}

func TestSubmitRejectsDuplicateName(t *testing.T) {
	sched, _ := newRunningScheduler(t)

	err := sched.Submit("sweep", Options{IntervalSeconds: 60}, func(ScheduleContext) {})
	require.NoError(t, err)

	err = sched.Submit("sweep", Options{IntervalSeconds: 60}, func(ScheduleContext) {})
	assert.Error(t, err)
}

func TestSubmitRejectsNonPositiveInterval(t *testing.T) {
	sched, _ := newRunningScheduler(t)
	err := sched.Submit("sweep", Options{IntervalSeconds: 0}, func(ScheduleContext) {})
	assert.Error(t, err)
}

func TestIsScheduledAndRemove(t *testing.T) {
	sched, _ := newRunningScheduler(t)
	require.NoError(t, sched.Submit("sweep", Options{IntervalSeconds: 60}, func(ScheduleContext) {}))

	assert.True(t, sched.IsScheduled("sweep"))
	sched.Remove("sweep")
	assert.False(t, sched.IsScheduled("sweep"))
}

func TestTaskFiresWithinInterval(t *testing.T) {
	sched, _ := newRunningScheduler(t)

	var count int32
	require.NoError(t, sched.Submit("fast", Options{IntervalSeconds: 1}, func(ctx ScheduleContext) {
		atomic.AddInt32(&count, 1)
	}))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAtMostOneInFlightPerName(t *testing.T) {
	sched, _ := newRunningScheduler(t)

	var running int32
	var maxSeen int32
	release := make(chan struct{})

	require.NoError(t, sched.Submit("slow", Options{IntervalSeconds: 1}, func(ctx ScheduleContext) {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
	}))

	// Let more than one interval pass while the first execution is still
	// blocked, so the task comes due again while it is in flight.
	time.Sleep(1500 * time.Millisecond)
	close(release)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&running) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
}

func TestConcurrencyOptionAllowsMultipleInFlight(t *testing.T) {
	sched, _ := newRunningScheduler(t)

	var wg sync.WaitGroup
	wg.Add(2)
	release := make(chan struct{})
	var running int32
	var maxSeen int32

	require.NoError(t, sched.Submit("parallel", Options{IntervalSeconds: 1, Concurrency: 2}, func(ctx ScheduleContext) {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		wg.Done()
		<-release
		atomic.AddInt32(&running, -1)
	}))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for two concurrent executions")
	}
	close(release)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
}

func TestStopAbortsInFlightCallbacks(t *testing.T) {
	pool := NewPool(2)
	pool.Start()
	sched := New()
	sched.Start(pool)

	started := make(chan struct{})
	seenAbort := make(chan bool, 1)

	require.NoError(t, sched.Submit("long", Options{IntervalSeconds: 1}, func(ctx ScheduleContext) {
		close(started)
		for i := 0; i < 200; i++ {
			if ctx.Aborted() {
				seenAbort <- true
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		seenAbort <- false
	}))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	sched.Stop()

	select {
	case got := <-seenAbort:
		assert.True(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never observed abort")
	}
	pool.Stop()
}

func TestScheduleContextNotAbortedByDefault(t *testing.T) {
	var ctx ScheduleContext
	assert.False(t, ctx.Aborted())
}

func TestPoolRunsSubmittedWork(t *testing.T) {
	pool := NewPool(2)
	pool.Start()
	defer pool.Stop()

	var count int32
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		pool.Submit(func() {
			atomic.AddInt32(&count, 1)
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, int32(5), atomic.LoadInt32(&count))
}
