// Package loop provides the single logical thread the conversion queue runs
// on. Every mutating call into the queue, and every storage or timer
// completion, is posted here and executed one at a time in FIFO order, so the
// queue itself needs no locks.
//
// Usage:
//
//	l := loop.New(64)
//	l.Start(ctx)
//	defer l.Stop()
//
//	l.Post(func() { q.Add("cs1", "u1") })
package loop

import (
	"context"
	"sync"
)

// Loop executes posted tasks sequentially on one goroutine.
// Post, Do and Stop are safe for concurrent use.
type Loop struct {
	tasks chan func()

	mu      sync.RWMutex
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Loop whose task queue holds up to buffer pending tasks before
// Post blocks. Call Start to begin executing.
func New(buffer int) *Loop {
	if buffer < 1 {
		buffer = 1
	}
	return &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Start launches the executing goroutine. It returns when ctx is cancelled
// or Stop is called. Start must be called exactly once.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
}

// Post enqueues fn for execution. It reports false, and drops fn, once the
// loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return false
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do posts fn and waits for it to finish. It reports false if the loop was
// stopped before fn could run. Do must not be called from inside a task.
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		// The loop may have executed fn just before shutting down.
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// Stop shuts the loop down and waits for the goroutine to exit. Tasks still
// queued are abandoned. Safe to call multiple times.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.done)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}
