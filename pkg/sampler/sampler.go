// Package sampler arms a periodic timer that drives the shepherd's
// resource-utilization sampling step and the dynamic_utilization report
// emitted from it.
package sampler

import (
	"sync"
	"time"
)

// Checker is the subset of pkg/history.History the sampler drives on every
// tick.
type Checker interface {
	Check()
}

// Sampler owns one recurring timer. It is idempotently cancellable: a tick
// that fires concurrently with Cancel must observe the cancellation and
// return without rearming, per spec.md's "aborted indication" requirement.
type Sampler struct {
	interval time.Duration
	checker  Checker
	onTick   func()

	mu        sync.Mutex
	cancelled bool
	timer     *time.Timer
}

// New builds a Sampler that calls checker.Check() and then onTick on every
// tick, every interval, until Cancel is called. onTick is where the
// supervisor emits its dynamic_utilization block; it may be nil.
func New(interval time.Duration, checker Checker, onTick func()) *Sampler {
	return &Sampler{interval: interval, checker: checker, onTick: onTick}
}

// Start arms the first tick.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.timer = time.AfterFunc(s.interval, s.fire)
}

func (s *Sampler) fire() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.checker.Check()
	if s.onTick != nil {
		s.onTick()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.timer = time.AfterFunc(s.interval, s.fire)
}

// Cancel stops future ticks. A tick already in flight still completes its
// current Check/onTick call but will not rearm.
func (s *Sampler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	if s.timer != nil {
		s.timer.Stop()
	}
}
