package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dedupv1/dedupv1d/pkg/log"
)

// tickInterval is how often the scheduler thread inspects tasks for due
// executions. It is intentionally short relative to any realistic task
// interval (seconds or minutes) so a task fires close to its nominal time.
const tickInterval = 200 * time.Millisecond

// ScheduleContext is handed to every task callback. It carries no data
// beyond the one-shot abort signal raised by Stop.
type ScheduleContext struct {
	abort *int32
}

// Aborted reports whether the scheduler is shutting down. Long-running
// callbacks should poll this between steps and wind down promptly when it
// flips true; the scheduler does not forcibly cancel them.
func (c ScheduleContext) Aborted() bool {
	if c.abort == nil {
		return false
	}
	return atomic.LoadInt32(c.abort) != 0
}

// Options configures a scheduled task.
type Options struct {
	// IntervalSeconds is the minimum gap between the start of one
	// execution and the start of the next.
	IntervalSeconds int
	// Concurrency bounds how many executions of this task may be
	// in flight simultaneously. Zero means the default of 1 — at most
	// one execution of a given name in flight at a time.
	Concurrency int
}

type task struct {
	name     string
	interval time.Duration
	callback func(ScheduleContext)
	sem      chan struct{}

	mu       sync.Mutex
	lastExec time.Time
	inFlight []*int32
}

// Scheduler runs named periodic tasks on a shared Pool.
type Scheduler struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	tasks map[string]*task

	pool   *Pool
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an unstarted Scheduler.
func New() *Scheduler {
	return &Scheduler{
		logger: log.WithComponent("scheduler"),
		tasks:  make(map[string]*task),
	}
}

// Start records the worker pool the scheduler will submit executions to
// and launches the scheduling loop. Tasks may be Submit()ed before or
// after Start.
func (s *Scheduler) Start(pool *Pool) {
	s.pool = pool
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
}

// Run blocks processing ticks until Stop is called. Most callers use
// Start, which launches this on its own goroutine; Run is exposed for
// callers that want to drive the loop on their own goroutine explicitly.
func (s *Scheduler) Run() {
	s.run()
}

func (s *Scheduler) run() {
	defer func() {
		if s.doneCh != nil {
			close(s.doneCh)
		}
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) tick() {
	now := time.Now()

	s.mu.RLock()
	due := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		due = append(due, t)
	}
	s.mu.RUnlock()

	for _, t := range due {
		s.maybeSubmit(t, now)
	}
}

func (s *Scheduler) maybeSubmit(t *task, now time.Time) {
	t.mu.Lock()
	if now.Sub(t.lastExec) < t.interval {
		t.mu.Unlock()
		return
	}
	select {
	case t.sem <- struct{}{}:
	default:
		t.mu.Unlock()
		return
	}
	t.lastExec = now
	abort := new(int32)
	t.inFlight = append(t.inFlight, abort)
	t.mu.Unlock()

	s.pool.Submit(func() {
		defer func() {
			<-t.sem
			t.mu.Lock()
			for i, a := range t.inFlight {
				if a == abort {
					t.inFlight = append(t.inFlight[:i], t.inFlight[i+1:]...)
					break
				}
			}
			t.mu.Unlock()
		}()
		t.callback(ScheduleContext{abort: abort})
	})
}

// Submit registers a new named task. It fails if a task with the same name
// is already scheduled.
func (s *Scheduler) Submit(name string, opts Options, callback func(ScheduleContext)) error {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	interval := time.Duration(opts.IntervalSeconds) * time.Second
	if interval <= 0 {
		return fmt.Errorf("scheduler: task %q needs a positive interval", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("scheduler: task %q already scheduled", name)
	}
	s.tasks[name] = &task{
		name:     name,
		interval: interval,
		callback: callback,
		sem:      make(chan struct{}, concurrency),
	}
	s.logger.Debug().Str("task", name).Dur("interval", interval).Msg("task scheduled")
	return nil
}

// Remove unschedules a task. Executions already in flight are not
// cancelled; they simply won't be resubmitted.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, name)
}

// IsScheduled reports whether a task with this name is currently
// registered.
func (s *Scheduler) IsScheduled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tasks[name]
	return ok
}

// Stop halts the scheduling loop and raises the abort flag on every
// in-flight execution of every task. It does not block waiting for those
// executions to return; callers that need that should Stop the Pool too.
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		t.mu.Lock()
		for _, a := range t.inFlight {
			atomic.StoreInt32(a, 1)
		}
		t.mu.Unlock()
	}
}
