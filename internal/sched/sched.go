// Package sched provides a deterministic timer scheduler: a monotonic clock
// plus a min-heap of pending callbacks. Deferred state transitions (retry
// backoff, mission timeouts, restart delays) go through a Scheduler instead
// of bare time.AfterFunc so tests can fast-forward them.
package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Clock abstracts time for the scheduler. The zero-value production clock is
// the system clock; tests use a FakeClock.
type Clock interface {
	Now() time.Time
	// After returns a channel that delivers once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the real-time clock.
func SystemClock() Clock { return systemClock{} }

// ID identifies a scheduled callback for cancellation.
type ID int64

type entry struct {
	id    ID
	at    time.Time
	seq   int64 // insertion order tie-break
	fn    func()
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler orders pending callbacks by deadline.
type Scheduler struct {
	mu      sync.Mutex
	clock   Clock
	pending entryHeap
	byID    map[ID]*entry
	nextID  ID
	nextSeq int64
	wake    chan struct{}
}

// New creates a Scheduler on the given clock. A nil clock means the system clock.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	return &Scheduler{
		clock: clock,
		byID:  make(map[ID]*entry),
		wake:  make(chan struct{}, 1),
	}
}

// Schedule registers fn to run d from now and returns a cancellation handle.
// fn runs on the Run goroutine (or inside RunDue in tests), never inline.
func (s *Scheduler) Schedule(d time.Duration, fn func()) ID {
	s.mu.Lock()
	s.nextID++
	s.nextSeq++
	e := &entry{id: s.nextID, at: s.clock.Now().Add(d), seq: s.nextSeq, fn: fn}
	s.byID[e.id] = e
	heap.Push(&s.pending, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return e.id
}

// Cancel removes a pending callback. Returns false if it already ran or was
// cancelled before.
func (s *Scheduler) Cancel(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&s.pending, e.index)
	delete(s.byID, id)
	return true
}

// Len reports the number of pending callbacks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RunDue runs every callback whose deadline has passed and returns how many ran.
func (s *Scheduler) RunDue() int {
	ran := 0
	for {
		s.mu.Lock()
		if len(s.pending) == 0 || s.pending[0].at.After(s.clock.Now()) {
			s.mu.Unlock()
			return ran
		}
		e := heap.Pop(&s.pending).(*entry)
		delete(s.byID, e.id)
		s.mu.Unlock()

		e.fn()
		ran++
	}
}

// Run drives the scheduler until ctx is cancelled. Callbacks execute on this
// goroutine, so they must not block for long.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.RunDue()

		s.mu.Lock()
		var next <-chan time.Time
		if len(s.pending) > 0 {
			next = s.clock.After(s.pending[0].at.Sub(s.clock.Now()))
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-next:
		}
	}
}
