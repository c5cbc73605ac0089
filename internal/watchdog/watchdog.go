// Package watchdog provides the single-slot response timer of the ECU engine.
package watchdog

import (
	"sync"
	"time"
)

// DefaultTimeout is the response timeout used when none is configured.
const DefaultTimeout = 3 * time.Second

// Watchdog guards one outstanding request. It can be armed once at a time;
// an expiry frees the slot and reports the epoch of the arm it belongs to.
type Watchdog struct {
	mutex    sync.Mutex
	timeout  time.Duration
	onExpire func(epoch uint64)
	timer    *time.Timer
	armed    bool
	stopped  bool
	epoch    uint64
}

// New creates a watchdog. onExpire runs on its own goroutine and must not block.
func New(timeout time.Duration, onExpire func(epoch uint64)) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Watchdog{
		timeout:  timeout,
		onExpire: onExpire,
	}
}

// Arm starts the timer. It fails while a timer is pending or after Stop.
func (w *Watchdog) Arm() (uint64, bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.armed || w.stopped {
		return 0, false
	}
	w.armed = true
	w.epoch++
	epoch := w.epoch
	w.timer = time.AfterFunc(w.timeout, func() { w.expire(epoch) })
	return epoch, true
}

// Disarm cancels a pending timer. It reports whether one was pending.
func (w *Watchdog) Disarm() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.armed {
		return false
	}
	w.armed = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	return true
}

// Armed reports whether a timer is pending.
func (w *Watchdog) Armed() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.armed
}

// Stop disarms and refuses further arms. Expiries racing with Stop are dropped.
func (w *Watchdog) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.stopped = true
	w.armed = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) expire(epoch uint64) {
	w.mutex.Lock()
	if !w.armed || w.stopped || epoch != w.epoch {
		w.mutex.Unlock()
		return
	}
	w.armed = false
	w.timer = nil
	w.mutex.Unlock()

	if w.onExpire != nil {
		w.onExpire(epoch)
	}
}
