package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAfterFires(t *testing.T) {
	s := New()
	defer s.Shutdown()

	done := make(chan struct{})
	s.After("fire", time.Millisecond, func(ctx context.Context) {
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback did not fire")
	}
}

func TestAfterReplacesSameName(t *testing.T) {
	s := New()
	defer s.Shutdown()

	var first, second atomic.Bool
	done := make(chan struct{})
	s.After("replace", 50*time.Millisecond, func(ctx context.Context) {
		first.Store(true)
	})
	s.After("replace", time.Millisecond, func(ctx context.Context) {
		second.Store(true)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("replacement callback did not fire")
	}
	time.Sleep(100 * time.Millisecond)
	if first.Load() {
		t.Error("replaced callback still fired")
	}
	if !second.Load() {
		t.Error("replacement callback did not fire")
	}
}

func TestCancel(t *testing.T) {
	s := New()
	defer s.Shutdown()

	var fired atomic.Bool
	s.After("cancel", 20*time.Millisecond, func(ctx context.Context) {
		fired.Store(true)
	})
	s.Cancel("cancel")
	if s.Pending("cancel") {
		t.Error("cancelled callback still pending")
	}
	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("cancelled callback fired")
	}
}

func TestCancelPrefix(t *testing.T) {
	s := New()
	defer s.Shutdown()

	var taskFired, otherFired atomic.Bool
	other := make(chan struct{})
	s.After("task:t1:dispatch", 20*time.Millisecond, func(ctx context.Context) {
		taskFired.Store(true)
	})
	s.After("task:t1:ack", 20*time.Millisecond, func(ctx context.Context) {
		taskFired.Store(true)
	})
	s.After("task:t2:ack", 20*time.Millisecond, func(ctx context.Context) {
		otherFired.Store(true)
		close(other)
	})
	s.CancelPrefix("task:t1:")

	select {
	case <-other:
	case <-time.After(time.Second):
		t.Fatal("unrelated callback did not fire")
	}
	if taskFired.Load() {
		t.Error("prefix-cancelled callback fired")
	}
	if !otherFired.Load() {
		t.Error("unrelated callback did not fire")
	}
}

func TestShutdownStopsPending(t *testing.T) {
	s := New()
	var fired atomic.Bool
	s.After("pending", 20*time.Millisecond, func(ctx context.Context) {
		fired.Store(true)
	})
	s.Shutdown()
	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("callback fired after shutdown")
	}
}

func TestJitterPinned(t *testing.T) {
	if got := Jitter(time.Second, time.Second); got != time.Second {
		t.Errorf("Jitter(1s, 1s) = %v, want 1s", got)
	}
	if got := Jitter(2*time.Second, time.Second); got != 2*time.Second {
		t.Errorf("Jitter(2s, 1s) = %v, want 2s", got)
	}
	for range 50 {
		got := Jitter(time.Millisecond, 10*time.Millisecond)
		if got < time.Millisecond || got > 10*time.Millisecond {
			t.Fatalf("Jitter out of range: %v", got)
		}
	}
}
