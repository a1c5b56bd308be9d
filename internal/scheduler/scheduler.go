package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/kazz187/agentcorp/pkg/panicerr"
)

// Scheduler runs named delayed callbacks. Scheduling under an existing
// name replaces the pending callback, and names can be cancelled
// individually or by prefix when a task is stopped.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Jitter returns a random duration in [min, max]. When min >= max it
// returns min, which lets tests pin delays to a fixed value.
func Jitter(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	return min + rand.N(max-min)
}

func (s *Scheduler) After(name string, delay time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[name]; ok {
		t.Stop()
	}
	s.wg.Add(1)
	s.timers[name] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, name)
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		if err := panicerr.SafeContext(func(ctx context.Context) error {
			fn(ctx)
			return nil
		})(s.ctx); err != nil {
			slog.Error("scheduler: callback panicked", "name", name, "error", err)
		}
	})
}

func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[name]; ok {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, name)
	}
}

// CancelPrefix cancels every pending callback whose name starts with
// prefix. Used to drop all pending work for a stopped task.
func (s *Scheduler) CancelPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.timers {
		if strings.HasPrefix(name, prefix) {
			if t.Stop() {
				s.wg.Done()
			}
			delete(s.timers, name)
		}
	}
}

func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// Shutdown cancels all pending callbacks and waits for running ones.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.stopped = true
	for name, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, name)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
