package swarm

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	uploadChannel = iota
	downloadChannel
	numChannels
)

// bandwidthChannel is one direction of a peer class. A throttle of zero
// means unlimited. Quota is replenished proportionally to wall time by the
// bandwidth manager and consumed by peers (and by the ip-overhead
// accounting in the per-second tick).
type bandwidthChannel struct {
	throttle int64 // bytes per second, 0 = unlimited
	quota    int64
}

func (ch *bandwidthChannel) Throttle() int64 { return ch.throttle }

func (ch *bandwidthChannel) SetThrottle(limit int64) {
	ch.throttle = limit
	if limit == 0 {
		ch.quota = 0
	}
}

func (ch *bandwidthChannel) UseQuota(amount int64) {
	ch.quota -= amount
}

// exceeded reports whether the most recent UseQuota overran a finite
// throttle outright, which the session surfaces as a performance warning.
func (ch *bandwidthChannel) exceeded(amount int64) bool {
	return ch.throttle > 0 && ch.throttle < amount
}

// bandwidthManager replenishes channel quotas and tracks the send queue
// depth the auto-expand choker consults.
type bandwidthManager struct {
	channel   int
	limiter   *rate.Limiter
	queued    int
	lastTick  time.Time
}

func newBandwidthManager(channel int, limiter *rate.Limiter) *bandwidthManager {
	return &bandwidthManager{channel: channel, limiter: limiter}
}

func (m *bandwidthManager) QueueSize() int { return m.queued }

func (m *bandwidthManager) Enqueue(n int)  { m.queued += n }
func (m *bandwidthManager) Dequeued(n int) { m.queued -= n }

// UpdateQuotas advances every pertinent channel by the elapsed wall time.
// Channels with no throttle carry no quota at all.
func (m *bandwidthManager) UpdateQuotas(elapsed time.Duration, channels []*bandwidthChannel) {
	if elapsed <= 0 {
		return
	}
	for _, ch := range channels {
		if ch.throttle == 0 {
			continue
		}
		ch.quota += ch.throttle * int64(elapsed) / int64(time.Second)
		// don't let an idle channel accumulate more than one second
		// of burst
		if ch.quota > ch.throttle {
			ch.quota = ch.throttle
		}
	}
}

// Allow consumes n bytes from the enforcement limiter, if one is set. The
// per-class channels account; the limiter enforces.
func (m *bandwidthManager) Allow(n int) bool {
	if m.limiter == nil {
		return true
	}
	return m.limiter.AllowN(time.Now(), n)
}

// copyPertinentChannels collects the channels with a bandwidth limit from
// the classes in the set, in class order.
func copyPertinentChannels(classes *peerClasses, set *peerClassSet, channel int) (dst []*bandwidthChannel) {
	for _, id := range set.classes {
		pc := classes.At(id)
		if pc == nil {
			continue
		}
		ch := &pc.Channel[channel]
		if ch.Throttle() == 0 {
			continue
		}
		dst = append(dst, ch)
	}
	return
}

// useQuotaOverhead charges protocol overhead to every class in the set and
// returns a bitmask of the channels whose throttle the amount overran.
func useQuotaOverhead(classes *peerClasses, set *peerClassSet, amountDown, amountUp int64) (ret int) {
	for _, id := range set.classes {
		pc := classes.At(id)
		if pc == nil {
			continue
		}
		ch := &pc.Channel[downloadChannel]
		ch.UseQuota(amountDown)
		if ch.exceeded(amountDown) {
			ret |= 1 << downloadChannel
		}
		ch = &pc.Channel[uploadChannel]
		ch.UseQuota(amountUp)
		if ch.exceeded(amountUp) {
			ret |= 1 << uploadChannel
		}
	}
	return
}
