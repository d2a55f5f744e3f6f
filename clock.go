package swarm

import (
	"math/rand"
	"time"
)

// sessionClock caches "now" so that the many time comparisons made during a
// single tick all see the same instant. It is only written from the
// scheduler goroutine; the cached value is refreshed at the top of every
// tick.
type sessionClock struct {
	created time.Time
	now     time.Time
}

func newSessionClock() sessionClock {
	now := time.Now()
	return sessionClock{created: now, now: now}
}

func (c *sessionClock) update() time.Time {
	c.now = time.Now()
	return c.now
}

func (c *sessionClock) Now() time.Time {
	return c.now
}

// sessionTime is the number of whole seconds since the session epoch. The
// epoch is stepped forward by the timestamp-wrap defense in the per-second
// tick, so values stay small enough for the 16-bit counters peers keep.
func (c *sessionClock) sessionTime() int {
	return int(c.now.Sub(c.created) / time.Second)
}

func (c *sessionClock) stepEpoch(d time.Duration) {
	c.created = c.created.Add(d)
}

func newSessionRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
