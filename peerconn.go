package swarm

import (
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
)

var (
	ErrTooManyConnections = errors.New("too many connections")
	errHandshakeTimeout   = errors.New("handshake timed out")
	errStoppingTorrent    = errors.New("stopping torrent")
	errOptimisticDisconnect = errors.New("optimistic disconnect")
)

// PeerConn is one peer socket. The session owns it through the connection
// set; the associated torrent only refers to it. While an I/O worker or
// in-flight job still holds a reference after removal from the connection
// set, the conn parks in the session's undead list until it is the sole
// holder again.
type PeerConn struct {
	session *Session
	t       *Torrent
	logger  log.Logger

	conn       net.Conn
	kind       SocketKind
	remoteAddr netip.AddrPort
	localAddr  netip.AddrPort
	outgoing   bool

	connectedAt time.Time

	// holders counts the session plus any worker still referencing the
	// conn; the undead GC drops conns that reach one.
	holders atomic.Int32

	closed chansync.SetOnce

	connecting    bool
	disconnecting bool

	choked         bool
	interesting    bool // we are interested in the peer
	peerInterested bool
	peerChoked     bool // the peer has choked us

	optimisticallyUnchoked      bool
	lastOptimisticallyUnchoked  int // session time, seconds

	webSeed bool

	classes peerClassSet

	// peerExceedsLimit tells the conn to release itself (or pick a peer to
	// drop) once its handshake completes; set when it was admitted inside
	// the slack margin.
	peerExceedsLimit bool

	// Transfer accounting. Round counters reset at each unchoke pass.
	payloadUp, payloadDown     int64
	roundUp, roundDown         int64
	lastRoundUp, lastRoundDown int64
	upRate, downRate           rateAverage

	// BitTyrant bookkeeping: what we think this peer wants from us before
	// it reciprocates, in bytes per second.
	estReciprocationRate int
}

func (c *PeerConn) Torrent() *Torrent { return c.t }

func (c *PeerConn) RemoteAddr() netip.AddrPort { return c.remoteAddr }

func (c *PeerConn) IsChoked() bool         { return c.choked }
func (c *PeerConn) IsPeerInterested() bool { return c.peerInterested }
func (c *PeerConn) IsInteresting() bool    { return c.interesting }
func (c *PeerConn) HasPeerChoked() bool    { return c.peerChoked }
func (c *PeerConn) IsConnecting() bool     { return c.connecting }
func (c *PeerConn) IsDisconnecting() bool  { return c.disconnecting }

func (c *PeerConn) IgnoreUnchokeSlots() bool {
	return c.session.classes.ignoreUnchokeSlots(&c.classes)
}

func (c *PeerConn) setChoked(choked bool) {
	if c.choked == choked {
		return
	}
	c.choked = choked
	if choked {
		c.optimisticallyUnchoked = false
	}
	// a complete wire implementation sends (UN)CHOKE here
}

// start is called once the conn is inserted into the session's connection
// set. A complete wire implementation kicks off the handshake read loop.
func (c *PeerConn) start() {
	c.connecting = false
}

func (c *PeerConn) inHandshake() bool { return c.t == nil }

// disconnect tears the conn down once; repeated calls are no-ops. The
// session's closeConnection removes it from the shared structures.
func (c *PeerConn) disconnect(reason error) {
	if c.disconnecting {
		return
	}
	c.disconnecting = true
	if c.conn != nil {
		c.conn.Close()
	}
	c.closed.Set()
	c.session.closeConnection(c, reason)
}

func (c *PeerConn) sentPayload(n int64) {
	c.payloadUp += n
	c.roundUp += n
	c.upRate.add(n)
	c.session.stat.sentBytes(n, 0)
}

func (c *PeerConn) receivedPayload(n int64) {
	c.payloadDown += n
	c.roundDown += n
	c.downRate.add(n)
	c.session.stat.receivedBytes(n, 0)
}

// resetChokeCounters closes out the current unchoke round.
func (c *PeerConn) resetChokeCounters() {
	c.lastRoundUp, c.roundUp = c.roundUp, 0
	c.lastRoundDown, c.roundDown = c.roundDown, 0
}

func (c *PeerConn) uploadedInLastRound() int64   { return c.lastRoundUp }
func (c *PeerConn) downloadedInLastRound() int64 { return c.lastRoundDown }

func (c *PeerConn) takePayloadUp() int64 {
	n := c.upRate.window[c.upRate.head]
	c.upRate.tick()
	return n
}

func (c *PeerConn) takePayloadDown() int64 {
	n := c.downRate.window[c.downRate.head]
	c.downRate.tick()
	return n
}

func (c *PeerConn) uploadDrained() bool { return c.roundUp == 0 }

const (
	defaultEstReciprocationRate  = 14000
	estReciprocationRateIncrease = 20 // percent
	estReciprocationRateDecrease = 3  // percent
)

func (c *PeerConn) EstReciprocationRate() int {
	if c.estReciprocationRate == 0 {
		return defaultEstReciprocationRate
	}
	return c.estReciprocationRate
}

// The peer unchoked us: we're probably offering more than needed.
func (c *PeerConn) decreaseEstReciprocationRate() {
	c.estReciprocationRate = c.EstReciprocationRate() * (100 - estReciprocationRateDecrease) / 100
}

// We unchoked the peer and it hasn't reciprocated: offer more.
func (c *PeerConn) increaseEstReciprocationRate() {
	c.estReciprocationRate = c.EstReciprocationRate() * (100 + estReciprocationRateIncrease) / 100
}
