package runtime

import "time"

// Countdown derives remaining/elapsed time from a captured absolute deadline
// rather than decrementing a counter, so it stays correct across suspended
// tabs and coarse tick scheduling.
type Countdown struct {
	total     time.Duration
	startedAt time.Time
	deadline  time.Time
	clock     func() time.Time
	timer     *time.Timer
}

// NewCountdown starts a countdown of the given length. onExpire may be nil.
func NewCountdown(total time.Duration, clock func() time.Time, onExpire func()) *Countdown {
	if clock == nil {
		clock = time.Now
	}
	now := clock()
	c := &Countdown{
		total:     total,
		startedAt: now,
		deadline:  now.Add(total),
		clock:     clock,
	}
	if onExpire != nil {
		c.timer = time.AfterFunc(total, onExpire)
	}
	return c
}

// Remaining is clamped to >= 0.
func (c *Countdown) Remaining() time.Duration {
	rem := c.deadline.Sub(c.clock())
	if rem < 0 {
		return 0
	}
	return rem
}

// Elapsed is clamped to >= 0.
func (c *Countdown) Elapsed() time.Duration {
	el := c.clock().Sub(c.startedAt)
	if el < 0 {
		return 0
	}
	return el
}

// Expired consults the clock directly, so it holds even before the expiry
// callback has fired.
func (c *Countdown) Expired() bool {
	return c.Remaining() == 0
}

// Stop cancels the expiry callback. Always called on teardown or mode switch.
func (c *Countdown) Stop() {
	if c.timer != nil {
		c.timer.Stop()
	}
}
