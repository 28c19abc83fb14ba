// Package timer implements the per-call session clock: an elapsed/countdown
// pair ticking once per second, one-shot low-time warnings, and an
// exactly-once expiry callback that drives auto-termination.
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// WarningThresholds are the remaining-seconds marks at which a warning fires.
// Each fires at most once per session regardless of tick jitter.
var WarningThresholds = []int{300, 60}

// Timer is the session clock. The invariant elapsed+remaining ==
// planDurationSeconds holds before and after every tick while running.
type Timer struct {
	clock clockwork.Clock

	mu        sync.Mutex
	plan      int // plan duration in seconds
	elapsed   int
	remaining int
	running   bool
	expired   bool
	warned    map[int]bool
	stop      chan struct{}

	onWarn   func(secondsLeft int)
	onExpire func()
}

// New creates a stopped timer for the given plan duration. onWarn and
// onExpire may be nil.
func New(clock clockwork.Clock, planDurationSeconds int, onWarn func(int), onExpire func()) *Timer {
	return &Timer{
		clock:     clock,
		plan:      planDurationSeconds,
		remaining: planDurationSeconds,
		warned:    make(map[int]bool),
		onWarn:    onWarn,
		onExpire:  onExpire,
	}
}

// Start begins ticking once per second. Starting a running or expired timer
// is a no-op.
func (t *Timer) Start() {
	t.mu.Lock()
	if t.running || t.expired {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stop = make(chan struct{})
	stop := t.stop
	t.mu.Unlock()

	go t.loop(stop)
}

// Stop halts the timer. Idempotent; a stopped timer fires no further
// warnings and never expires.
func (t *Timer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stop)
	t.mu.Unlock()
}

// Snapshot returns the current elapsed and remaining seconds.
func (t *Timer) Snapshot() (elapsed, remaining int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed, t.remaining
}

// Running reports whether the timer is ticking.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Timer) loop(stop chan struct{}) {
	ticker := t.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if !t.tick() {
				return
			}
		}
	}
}

// tick advances the clock by one second and fires any due callbacks. It
// returns false once the timer has stopped or expired.
func (t *Timer) tick() bool {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return false
	}

	t.elapsed++
	t.remaining--

	var warnAt int
	for _, threshold := range WarningThresholds {
		// Threshold-crossing check: a jittered tick that lands below the
		// mark still fires the warning, and only once.
		if t.remaining <= threshold && t.remaining > 0 && !t.warned[threshold] {
			t.warned[threshold] = true
			warnAt = threshold
			break
		}
	}

	expired := false
	if t.remaining <= 0 {
		t.remaining = 0
		t.elapsed = t.plan
		t.running = false
		t.expired = true
		expired = true
		close(t.stop)
	}

	onWarn, onExpire := t.onWarn, t.onExpire
	t.mu.Unlock()

	if warnAt > 0 && onWarn != nil {
		onWarn(warnAt)
	}
	if expired {
		if onExpire != nil {
			onExpire()
		}
		return false
	}
	return true
}
