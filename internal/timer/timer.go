// Package timer implements the one-shot timer service the conversion queue
// arms its wake-ups with.
//
// Timers live in a Min-Heap keyed by deadline. One goroutine sleeps until the
// root is due, pops it, and hands its handle to the fire callback. Schedule
// wakes the goroutine through a buffered notify channel whenever a new timer
// might be due sooner than the one it is sleeping on.
//
// Handles are opaque non-zero uint32 values; 0 means "not scheduled".
package timer

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"time"
)

// Service schedules and cancels one-shot timers.
//
// Usage:
//
//	s := timer.New()
//	s.Start(ctx, func(id uint32) { l.Post(func() { q.OnTimer(id) }) })
//	defer s.Stop()
//
//	id := s.Schedule(50 * time.Second)
//
// All methods are safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	h       minHeap
	byID    map[uint32]*item
	lastID  uint32
	seq     uint64
	stopped bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Service. Timers may be scheduled before Start; they fire once
// the goroutine is running.
func New() *Service {
	h := make(minHeap, 0, 8)
	heap.Init(&h)
	return &Service{
		h:      h,
		byID:   make(map[uint32]*item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule arms a timer that fires after d and returns its handle. A negative
// d fires as soon as possible. It returns 0 once the service is stopped.
func (s *Service) Schedule(d time.Duration) uint32 {
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0
	}
	id := s.nextIDLocked()
	s.seq++
	it := &item{
		id:       id,
		deadline: deadlineAfter(time.Now(), d),
		seq:      s.seq,
	}
	heap.Push(&s.h, it)
	s.byID[id] = it
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return id
}

// Cancel disarms the timer with handle id. It reports whether the timer was
// still pending; cancelling an unknown or already-fired handle is a no-op.
func (s *Service) Cancel(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byID[id]
	if !ok {
		return false
	}
	s.h.remove(it.heapIdx)
	delete(s.byID, id)
	return true
}

// Len returns the number of pending timers.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Start launches the firing goroutine. fire is called from that goroutine with
// the handle of each timer that comes due; it must not block for long.
// Start must be called exactly once.
func (s *Service) Start(ctx context.Context, fire func(id uint32)) {
	s.wg.Add(1)
	go s.run(ctx, fire)
}

// Stop shuts the goroutine down and waits for it to exit. Pending timers are
// abandoned and later Schedule calls return 0. Safe to call multiple times.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// nextIDLocked returns the next free handle, skipping 0 on wrap-around.
// MUST be called with s.mu held.
func (s *Service) nextIDLocked() uint32 {
	for {
		s.lastID++
		if s.lastID == 0 {
			continue
		}
		if _, busy := s.byID[s.lastID]; busy {
			continue
		}
		return s.lastID
	}
}

func (s *Service) run(ctx context.Context, fire func(id uint32)) {
	defer s.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		var next int64
		empty := s.h.Len() == 0
		if !empty {
			next = s.h[0].deadline
		}
		s.mu.Unlock()

		if empty {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}

		delay := time.Until(time.Unix(0, next))
		if delay <= 0 {
			if id, ok := s.popDue(); ok {
				fire(id)
			}
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
			// Something was scheduled or cancelled; re-evaluate the root.
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			if id, ok := s.popDue(); ok {
				fire(id)
			}
		}
	}
}

// deadlineAfter returns now+d in Unix nanoseconds, saturating at
// math.MaxInt64 instead of wrapping past year 2262.
func deadlineAfter(now time.Time, d time.Duration) int64 {
	base := now.UnixNano()
	if int64(d) > math.MaxInt64-base {
		return math.MaxInt64
	}
	return base + int64(d)
}

// popDue removes and returns the root if its deadline has passed. The root can
// change between the peek and the pop when Cancel or Schedule race the timer.
func (s *Service) popDue() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 || s.h[0].deadline > time.Now().UnixNano() {
		return 0, false
	}
	it := heap.Pop(&s.h).(*item)
	delete(s.byID, it.id)
	return it.id, true
}
