// Package clock publishes a process-wide, monotonic relative-time counter:
// seconds since process start, the sole unit item expiration is compared in.
package clock

import (
	"sync/atomic"
	"time"
)

// RelTime is seconds since process start. 0 means "never expires".
type RelTime uint32

// MaxRelativeExptime is the boundary the dual absolute/relative convention
// switches on: inputs at or below it are "seconds from now", larger inputs
// are absolute unix timestamps.
const MaxRelativeExptime int64 = 30 * 24 * 60 * 60 // 30 days.

// Clock is a ticking source of RelTime, read lock-free by many goroutines.
// It must be started with Run and stopped with Stop.
type Clock struct {
	start   time.Time
	current uint32 // atomic
	stop    chan struct{}
	done    chan struct{}
}

// New creates a Clock anchored at the current wall-clock time. It does not
// start ticking until Run is called.
func New() *Clock {
	return &Clock{
		start: time.Now(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run starts the background ticker. It returns once the first tick has been
// published, so Now() is valid for callers immediately after Run returns.
func (c *Clock) Run(tick time.Duration) {
	ready := make(chan struct{})
	go func() {
		defer close(c.done)
		t := time.NewTicker(tick)
		defer t.Stop()
		c.publish()
		close(ready)
		for {
			select {
			case <-t.C:
				c.publish()
			case <-c.stop:
				return
			}
		}
	}()
	<-ready
}

// Stop halts the ticker. Now() keeps returning the last published value.
func (c *Clock) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Clock) publish() {
	// Monotonic non-decreasing, guaranteed structurally since this is the
	// only writer and time.Since is monotonic.
	atomic.StoreUint32(&c.current, uint32(time.Since(c.start).Seconds()))
}

// Now returns the current relative time. Lock-free; may be up to one tick stale.
func (c *Clock) Now() RelTime {
	return RelTime(atomic.LoadUint32(&c.current))
}

// Realtime implements the dual absolute/relative conversion: 0 maps to 0
// (never expires); inputs <= MaxRelativeExptime are relative offsets from
// now; larger inputs are absolute unix epoch seconds.
func (c *Clock) Realtime(exptime int64) RelTime {
	if exptime == 0 {
		return 0
	}
	if exptime < 0 {
		// Already-expired relative offset; clamp instead of wrapping to a
		// huge RelTime.
		return RelTime(c.Now())
	}
	if exptime <= MaxRelativeExptime {
		return RelTime(int64(c.Now()) + exptime)
	}
	// Absolute epoch time: convert to relative-to-start.
	abs := time.Unix(exptime, 0)
	rel := abs.Sub(c.start).Seconds()
	if rel < 0 {
		return 0
	}
	return RelTime(rel)
}
