package engine

import "context"

// Loop is the single dispatch goroutine every engine mutation runs on. It
// reads closures produced by a request router and maintenance callbacks
// from a channel and runs each to completion before taking the next,
// realising the "single-threaded cooperative" concurrency model without any
// internal locking.
type Loop struct {
	tasks chan func()
}

// NewLoop returns a Loop with the given task queue depth.
func NewLoop(queueDepth int) *Loop {
	return &Loop{tasks: make(chan func(), queueDepth)}
}

// Run drains the task queue until ctx is cancelled or the queue is closed.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-l.tasks:
			if !ok {
				return
			}
			task()
		}
	}
}

// Submit enqueues task for the loop goroutine and blocks until it has run.
// Results travel back through variables the task closes over.
func (l *Loop) Submit(task func()) {
	done := make(chan struct{})
	l.tasks <- func() {
		defer close(done)
		task()
	}
	<-done
}

// Post enqueues task without waiting for it to run; used for fire-and-forget
// cancellations (a dropped Subscription) and maintenance ticks.
func (l *Loop) Post(task func()) {
	l.tasks <- task
}

// Close stops accepting new tasks. Callers must stop calling Submit/Post
// before calling Close.
func (l *Loop) Close() {
	close(l.tasks)
}
