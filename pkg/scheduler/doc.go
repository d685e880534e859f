/*
Package scheduler runs named, periodic background tasks (in the daemon, the
metrics-refresh task) on a shared worker pool. The detacher and the
fast-copy engine run their own goroutines and do not use it.

Each task is registered once with an interval and a callback; the scheduler
thread wakes on a short tick, and for every task whose interval has elapsed
submits one execution to the pool, subject to the task's own concurrency
limit (default: at most one execution of a given task in flight at a time).

# Shutdown

Stop() signals every currently in-flight callback by flipping its
ScheduleContext to aborted; callbacks decide for themselves how quickly to
honor that. Stop does not wait for in-flight callbacks to return — Submit's
pool does.

# Usage

	pool := scheduler.NewPool(4)
	pool.Start()
	defer pool.Stop()

	sched := scheduler.New()
	sched.Start(pool)
	defer sched.Stop()

	sched.Submit("detacher-sweep", scheduler.Options{IntervalSeconds: 30}, func(ctx scheduler.ScheduleContext) {
		if ctx.Aborted() {
			return
		}
		// do one sweep
	})
*/
package scheduler
