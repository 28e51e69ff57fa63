package storage

import (
	"context"
	"sync"
	"time"
)

// DefaultOpTimeout bounds a single driver call made by Async.
const DefaultOpTimeout = 10 * time.Second

// PostFunc delivers a completion onto the caller's logical thread. It reports
// false if the completion could not be delivered (e.g. the loop is stopped).
type PostFunc func(fn func()) bool

// Async adapts a synchronous Blobs driver to the callback-based Load/Save
// contract of the conversion queue.
//
// Driver calls run on a single worker goroutine in submission order, so a
// Save issued after a mutation is never overtaken by an earlier one. Each
// completion callback is handed to post; with a nil post the callback runs
// on the worker goroutine itself.
//
// Load, Save and Close are safe for concurrent use.
type Async struct {
	blobs     Blobs
	post      PostFunc
	opTimeout time.Duration

	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}

	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewAsync starts the worker goroutine for blobs. Call Close to stop it; Close
// also closes blobs.
func NewAsync(blobs Blobs, post PostFunc) *Async {
	a := &Async{
		blobs:     blobs,
		post:      post,
		opTimeout: DefaultOpTimeout,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Load reads key and calls cb with the blob or an error. A missing key
// completes with ErrNotFound.
func (a *Async) Load(key string, cb func(data []byte, err error)) {
	a.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.opTimeout)
		defer cancel()
		data, err := a.blobs.Get(ctx, key)
		a.complete(func() { cb(data, err) })
	}, func() { cb(nil, ErrClosed) })
}

// Save writes data under key and calls cb with the result. cb may be nil.
func (a *Async) Save(key string, data []byte, cb func(err error)) {
	buf := make([]byte, len(data))
	copy(buf, data)
	if cb == nil {
		cb = func(error) {}
	}
	a.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.opTimeout)
		defer cancel()
		err := a.blobs.Put(ctx, key, buf)
		a.complete(func() { cb(err) })
	}, func() { cb(ErrClosed) })
}

// Close finishes the operations already submitted, stops the worker and
// closes the driver. Safe to call multiple times.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.done)
		a.wg.Wait()
		a.closeErr = a.blobs.Close()
	})
	return a.closeErr
}

// submit queues job. Once closed it runs rejected inline on the caller's
// goroutine: the caller may be the loop itself, and posting back onto a
// full loop queue would block it.
func (a *Async) submit(job, rejected func()) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		rejected()
		return
	}
	a.pending = append(a.pending, job)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// complete delivers fn through post. A completion post refuses belongs to a
// loop that has already shut down and is dropped.
func (a *Async) complete(fn func()) {
	if a.post == nil {
		fn()
		return
	}
	_ = a.post(fn)
}

func (a *Async) run() {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		batch := a.pending
		a.pending = nil
		a.mu.Unlock()

		for _, job := range batch {
			job()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-a.wake:
		case <-a.done:
			// Drain whatever was submitted before Close flipped the flag.
			a.mu.Lock()
			batch := a.pending
			a.pending = nil
			a.mu.Unlock()
			for _, job := range batch {
				job()
			}
			return
		}
	}
}
