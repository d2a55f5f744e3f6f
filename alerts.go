package swarm

import (
	"fmt"
	"net/netip"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/sync"
)

// Alert is a typed event observable by the session's consumer.
type Alert interface {
	String() string
}

type ListenOp int

const (
	ListenOpOpen ListenOp = iota
	ListenOpBind
	ListenOpListen
	ListenOpGetPeerName
	ListenOpAccept
)

func (op ListenOp) String() string {
	switch op {
	case ListenOpOpen:
		return "open"
	case ListenOpBind:
		return "bind"
	case ListenOpListen:
		return "listen"
	case ListenOpGetPeerName:
		return "getpeername"
	case ListenOpAccept:
		return "accept"
	}
	return "unknown"
}

type ListenFailedAlert struct {
	Device string
	Op     ListenOp
	Err    error
	Kind   SocketKind
}

func (a ListenFailedAlert) String() string {
	return fmt.Sprintf("listen failed on %q (%s, %s): %v", a.Device, a.Kind, a.Op, a.Err)
}

type ListenSucceededAlert struct {
	Addr netip.AddrPort
	Kind SocketKind
}

func (a ListenSucceededAlert) String() string {
	return fmt.Sprintf("listening on %s (%s)", a.Addr, a.Kind)
}

type ExternalIpAlert struct {
	Addr netip.Addr
}

func (a ExternalIpAlert) String() string { return fmt.Sprintf("external address %s", a.Addr) }

type PortmapTransport int

const (
	TransportNatPmp PortmapTransport = iota
	TransportUpnp
)

func (t PortmapTransport) String() string {
	if t == TransportNatPmp {
		return "natpmp"
	}
	return "upnp"
}

type PortmapAlert struct {
	Transport    PortmapTransport
	Protocol     string
	ExternalPort int
}

func (a PortmapAlert) String() string {
	return fmt.Sprintf("%s mapped external %s port %d", a.Transport, a.Protocol, a.ExternalPort)
}

type PortmapErrorAlert struct {
	Transport PortmapTransport
	Protocol  string
	Err       error
}

func (a PortmapErrorAlert) String() string {
	return fmt.Sprintf("%s %s mapping failed: %v", a.Transport, a.Protocol, a.Err)
}

type PortmapLogAlert struct {
	Transport PortmapTransport
	Msg       string
}

func (a PortmapLogAlert) String() string { return fmt.Sprintf("%s: %s", a.Transport, a.Msg) }

type PeerBlockReason int

const (
	BlockedIpFilter PeerBlockReason = iota
	BlockedPortFilter
	BlockedTcpDisabled
	BlockedUtpDisabled
	BlockedLocalInterface
)

func (r PeerBlockReason) String() string {
	switch r {
	case BlockedIpFilter:
		return "ip filter"
	case BlockedPortFilter:
		return "port filter"
	case BlockedTcpDisabled:
		return "tcp disabled"
	case BlockedUtpDisabled:
		return "utp disabled"
	case BlockedLocalInterface:
		return "invalid local interface"
	}
	return "unknown"
}

type PeerBlockedAlert struct {
	Addr   netip.Addr
	Reason PeerBlockReason
}

func (a PeerBlockedAlert) String() string {
	return fmt.Sprintf("blocked peer %s: %s", a.Addr, a.Reason)
}

type PeerDisconnectedAlert struct {
	Addr netip.AddrPort
	Err  error
}

func (a PeerDisconnectedAlert) String() string {
	return fmt.Sprintf("disconnected %s: %v", a.Addr, a.Err)
}

type IncomingConnectionAlert struct {
	Kind SocketKind
	Addr netip.AddrPort
}

func (a IncomingConnectionAlert) String() string {
	return fmt.Sprintf("incoming connection from %s (%s)", a.Addr, a.Kind)
}

type UdpErrorAlert struct {
	Err error
}

func (a UdpErrorAlert) String() string { return fmt.Sprintf("udp error: %v", a.Err) }

type TorrentAddedAlert struct{ InfoHash InfoHash }

func (a TorrentAddedAlert) String() string { return fmt.Sprintf("added torrent %x", a.InfoHash) }

type TorrentRemovedAlert struct{ InfoHash InfoHash }

func (a TorrentRemovedAlert) String() string { return fmt.Sprintf("removed torrent %x", a.InfoHash) }

type PerformanceWarning int

const (
	WarningUploadLimitTooLow PerformanceWarning = iota
	WarningDownloadLimitTooLow
	WarningBittyrantNoUploadLimit
)

func (w PerformanceWarning) String() string {
	switch w {
	case WarningUploadLimitTooLow:
		return "upload limit too low"
	case WarningDownloadLimitTooLow:
		return "download limit too low"
	case WarningBittyrantNoUploadLimit:
		return "bittyrant choker with no upload limit"
	}
	return "unknown"
}

type PerformanceAlert struct {
	Warning PerformanceWarning
}

func (a PerformanceAlert) String() string {
	return fmt.Sprintf("performance warning: %s", a.Warning)
}

type TorrentDeleteFailedAlert struct {
	InfoHash InfoHash
	Err      error
}

func (a TorrentDeleteFailedAlert) String() string {
	return fmt.Sprintf("failed to delete torrent %x: %v", a.InfoHash, a.Err)
}

type DhtImmutableItemAlert struct {
	Target [20]byte
	Item   []byte
}

func (a DhtImmutableItemAlert) String() string {
	return fmt.Sprintf("dht immutable item %x", a.Target)
}

type DhtMutableItemAlert struct {
	Key  [32]byte
	Salt string
	Item []byte
	Seq  int64
}

func (a DhtMutableItemAlert) String() string {
	return fmt.Sprintf("dht mutable item %x seq %d", a.Key, a.Seq)
}

type DhtPutAlert struct {
	Target [20]byte
}

func (a DhtPutAlert) String() string { return fmt.Sprintf("dht put %x", a.Target) }

type DhtErrorAlert struct {
	Err error
}

func (a DhtErrorAlert) String() string { return fmt.Sprintf("dht error: %v", a.Err) }

type DhtBootstrapAlert struct{}

func (a DhtBootstrapAlert) String() string { return "dht bootstrap complete" }

type LsdPeerAlert struct {
	InfoHash InfoHash
	Addr     netip.AddrPort
}

func (a LsdPeerAlert) String() string {
	return fmt.Sprintf("lsd peer %s for %x", a.Addr, a.InfoHash)
}

type StateUpdateAlert struct {
	Status []TorrentStatus
}

func (a StateUpdateAlert) String() string {
	return fmt.Sprintf("state update for %d torrents", len(a.Status))
}

type SessionStatsAlert struct {
	Stats StatsSnapshot
}

func (a SessionStatsAlert) String() string { return "session stats" }

// alertQueue is a bounded FIFO of alerts. When full, the oldest alert is
// dropped. It is the only session structure written from off-scheduler
// goroutines (port-mapping callbacks), so it carries its own lock.
type alertQueue struct {
	mu     sync.Mutex
	limit  int
	alerts []Alert
	cond   chansync.BroadcastCond
}

func newAlertQueue(limit int) *alertQueue {
	if limit <= 0 {
		limit = 1000
	}
	return &alertQueue{limit: limit}
}

func (q *alertQueue) Post(a Alert) {
	q.mu.Lock()
	if len(q.alerts) >= q.limit {
		copy(q.alerts, q.alerts[1:])
		q.alerts = q.alerts[:len(q.alerts)-1]
	}
	q.alerts = append(q.alerts, a)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// PopAll drains the queue.
func (q *alertQueue) PopAll() []Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	ret := q.alerts
	q.alerts = nil
	return ret
}

// Wait returns a channel that is closed when an alert may be available.
func (q *alertQueue) Wait() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.alerts) > 0 {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return q.cond.Signaled()
}
