package engine

import (
	"sync"
	"time"
)

// PhaseTimer fires a callback when a phase deadline elapses unless stopped.
// It is safe for concurrent use. The callback runs in its own goroutine and
// must not be invoked while holding session locks.
type PhaseTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewPhaseTimer creates and starts a timer that calls onFire after duration.
//
// Precondition: duration > 0; onFire must not be nil.
// Postcondition: Returns a running PhaseTimer; onFire will be called unless
// Stop or Reset is called first.
func NewPhaseTimer(duration time.Duration, onFire func()) *PhaseTimer {
	pt := &PhaseTimer{}
	pt.timer = time.AfterFunc(duration, func() {
		pt.mu.Lock()
		stopped := pt.stopped
		pt.mu.Unlock()
		if !stopped {
			onFire()
		}
	})
	return pt
}

// Reset cancels the current timer and starts a new one with the provided
// duration and callback.
//
// Precondition: duration > 0; onFire must not be nil.
// Postcondition: onFire will be called after duration from now unless Stop
// is called first.
func (pt *PhaseTimer) Reset(duration time.Duration, onFire func()) {
	pt.mu.Lock()
	pt.stopped = false
	pt.timer.Stop()
	pt.mu.Unlock()

	newTimer := time.AfterFunc(duration, func() {
		pt.mu.Lock()
		s := pt.stopped
		pt.mu.Unlock()
		if !s {
			onFire()
		}
	})

	pt.mu.Lock()
	pt.timer = newTimer
	pt.mu.Unlock()
}

// Stop prevents the callback from firing. Safe to call multiple times.
//
// Postcondition: onFire will not be called after Stop returns.
func (pt *PhaseTimer) Stop() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.stopped = true
	if pt.timer != nil {
		pt.timer.Stop()
	}
}
