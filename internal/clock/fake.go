package clock

import "time"

// FakeClock serves a pinned instant so ledger timestamps like
// last_payment_at can be asserted exactly.
type FakeClock struct {
	now time.Time
}

// NewFakeClock pins the clock to t, normalized to UTC to match the system
// clock's behavior.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	return c.now
}

// Advance moves the pinned instant forward, simulating time passing between
// two ledger operations.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
