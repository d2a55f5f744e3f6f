package swarm

// halfOpenPool bounds the number of simultaneously connecting outbound TCP
// sockets. A limit of zero means unlimited. Scheduler-owned.
type halfOpenPool struct {
	limit   int
	pending map[*PeerConn]struct{}
}

func newHalfOpenPool(limit int) *halfOpenPool {
	return &halfOpenPool{
		limit:   limit,
		pending: make(map[*PeerConn]struct{}),
	}
}

func (p *halfOpenPool) Limit() int { return p.limit }

func (p *halfOpenPool) SetLimit(limit int) { p.limit = limit }

func (p *halfOpenPool) InFlight() int { return len(p.pending) }

// FreeSlots returns how many more connect attempts may start. Unlimited
// pools report a large positive number so callers can decrement freely.
func (p *halfOpenPool) FreeSlots() int {
	if p.limit == 0 {
		return int(^uint(0)>>1) - len(p.pending)
	}
	return p.limit - len(p.pending)
}

func (p *halfOpenPool) Enqueue(c *PeerConn) {
	p.pending[c] = struct{}{}
}

// Done removes a completed or failed attempt. Safe to call for connections
// that were never enqueued.
func (p *halfOpenPool) Done(c *PeerConn) {
	delete(p.pending, c)
}
