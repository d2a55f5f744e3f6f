// Package dht implements the RPC side of a mainline-DHT node: an
// at-most-once transaction dispatcher correlating queries to the traversal
// algorithms that issued them, with a timed reaper for unanswered requests.
package dht

import (
	"net/netip"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
)

// FailFlags qualify a failure reported to a traversal algorithm.
type FailFlags int

const (
	// ShortTimeoutFail marks a request that is slow but still might be
	// answered.
	ShortTimeoutFail FailFlags = 1 << iota
	// PreventRequest tells the algorithm not to issue a replacement
	// request (used at shutdown).
	PreventRequest
)

// TraversalAlgorithm is what an Observer reports back to: one iterative DHT
// walk (find-node, get-peers, announce, or the null algorithm for
// fire-and-forget pings).
type TraversalAlgorithm interface {
	// Reply delivers the decoded response for a request this algorithm
	// issued.
	Reply(o *Observer, m *krpc.Msg)
	// Failed reports that a request will not complete normally.
	Failed(o *Observer, flags FailFlags)
	// Finished reports normal completion of a request.
	Finished(o *Observer)
}

// Observer is the record of one outstanding request. It is referenced by
// the RPC manager's outstanding list and by the traversal algorithm that
// issued it; every terminal transition is idempotent through the done flag.
type Observer struct {
	Algorithm TraversalAlgorithm

	target netip.AddrPort
	sent   time.Time
	txid   uint16

	done         bool
	shortTimeout bool
	wasSent      bool
}

func NewObserver(alg TraversalAlgorithm) *Observer {
	return &Observer{Algorithm: alg}
}

func (o *Observer) Target() netip.AddrPort { return o.target }
func (o *Observer) Sent() time.Time        { return o.sent }
func (o *Observer) TransactionId() uint16  { return o.txid }
func (o *Observer) Done() bool             { return o.done }
func (o *Observer) HasShortTimeout() bool  { return o.shortTimeout }

func (o *Observer) setTarget(ep netip.AddrPort, now time.Time) {
	o.target = ep
	o.sent = now
}

func (o *Observer) reply(m *krpc.Msg) {
	if o.done {
		return
	}
	o.done = true
	o.Algorithm.Reply(o, m)
	o.Algorithm.Finished(o)
}

// timeout fires when no reply arrived within the long timeout, or the
// target was reported unreachable.
func (o *Observer) timeout() {
	if o.done {
		return
	}
	o.done = true
	o.Algorithm.Failed(o, 0)
}

// shortTimeoutFired notifies the algorithm that the request is slow, so it
// may speculatively branch elsewhere. The observer stays outstanding. Fires
// at most once.
func (o *Observer) shortTimeoutFired() {
	if o.shortTimeout {
		return
	}
	o.shortTimeout = true
	o.Algorithm.Failed(o, ShortTimeoutFail)
}

// abort fails the request at shutdown, telling the algorithm not to retry.
func (o *Observer) abort() {
	if o.done {
		return
	}
	o.done = true
	o.Algorithm.Failed(o, PreventRequest)
}
