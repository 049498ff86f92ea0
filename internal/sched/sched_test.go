package sched

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestScheduleRunsAfterDeadline(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	fired := false
	s.Schedule(5*time.Second, func() { fired = true })

	if ran := s.RunDue(); ran != 0 {
		t.Fatalf("expected nothing due, ran %d", ran)
	}
	if fired {
		t.Fatal("callback fired early")
	}

	clock.Advance(5 * time.Second)
	if ran := s.RunDue(); ran != 1 {
		t.Fatalf("expected 1 due, ran %d", ran)
	}
	if !fired {
		t.Fatal("callback did not fire")
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty heap, got %d", s.Len())
	}
}

func TestDeadlineOrdering(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	var order []string
	s.Schedule(3*time.Second, func() { order = append(order, "c") })
	s.Schedule(time.Second, func() { order = append(order, "a") })
	s.Schedule(2*time.Second, func() { order = append(order, "b") })

	clock.Advance(time.Hour)
	s.RunDue()

	want := []string{"a", "b", "c"}
	for i, v := range want {
		if order[i] != v {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestSameDeadlineInsertionOrder(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	var order []int
	for i := range 5 {
		s.Schedule(time.Second, func() { order = append(order, i) })
	}

	clock.Advance(time.Second)
	s.RunDue()

	for i, v := range order {
		if v != i {
			t.Fatalf("expected insertion order, got %v", order)
		}
	}
}

func TestCancelPending(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	fired := false
	id := s.Schedule(time.Second, func() { fired = true })

	if !s.Cancel(id) {
		t.Fatal("expected cancel to succeed")
	}
	if s.Cancel(id) {
		t.Fatal("expected second cancel to report already gone")
	}

	clock.Advance(time.Minute)
	s.RunDue()
	if fired {
		t.Fatal("cancelled callback fired")
	}
}

func TestCancelAfterRun(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	id := s.Schedule(time.Second, func() {})
	clock.Advance(time.Second)
	s.RunDue()

	if s.Cancel(id) {
		t.Fatal("expected cancel of a completed callback to fail")
	}
}

func TestCancelMiddleOfHeap(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	var order []string
	s.Schedule(time.Second, func() { order = append(order, "a") })
	mid := s.Schedule(2*time.Second, func() { order = append(order, "b") })
	s.Schedule(3*time.Second, func() { order = append(order, "c") })

	s.Cancel(mid)
	clock.Advance(time.Hour)
	s.RunDue()

	if len(order) != 2 || order[0] != "a" || order[1] != "c" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestRescheduleFromCallback(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	count := 0
	var again func()
	again = func() {
		count++
		if count < 3 {
			s.Schedule(time.Second, again)
		}
	}
	s.Schedule(time.Second, again)

	for range 3 {
		clock.Advance(time.Second)
		s.RunDue()
	}
	if count != 3 {
		t.Fatalf("expected 3 runs, got %d", count)
	}
}

func TestFakeClockAfter(t *testing.T) {
	clock := NewFakeClock(epoch)

	ch := clock.After(10 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	clock.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	clock.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("expected fire at deadline")
	}
}
