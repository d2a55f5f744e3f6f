package swarm

import (
	"net"
	"net/netip"

	"github.com/anacrolix/dht/v2/krpc"

	"github.com/netsmith/swarm/dht"
)

// routingTable is the session's minimal node table: the most recently seen
// responsive nodes, newest last. A complete Kademlia table would bucket by
// distance; the RPC manager only needs somewhere to report liveness and
// somewhere to draw announce targets from.
type routingTable struct {
	limit int
	nodes []routingNode
}

type routingNode struct {
	id   krpc.ID
	addr netip.AddrPort
}

func newRoutingTable() *routingTable {
	return &routingTable{limit: 160}
}

// NodeSeen records a node observed answering from addr. Implements
// dht.RoutingTable.
func (rt *routingTable) NodeSeen(id krpc.ID, addr netip.AddrPort) bool {
	for i, n := range rt.nodes {
		if n.addr == addr {
			rt.nodes = append(rt.nodes[:i], rt.nodes[i+1:]...)
			break
		}
	}
	rt.nodes = append(rt.nodes, routingNode{id: id, addr: addr})
	if len(rt.nodes) > rt.limit {
		rt.nodes = rt.nodes[1:]
	}
	return true
}

func (rt *routingTable) AddNode(addr netip.AddrPort) {
	rt.NodeSeen(krpc.ID{}, addr)
}

// AddDhtNode seeds the node table, typically with a bootstrap router.
func (s *Session) AddDhtNode(addr netip.AddrPort) {
	s.sync(func() { s.dhtNodes.AddNode(addr) })
}

// sendDhtPacket is the RPC manager's send function: one datagram on the
// shared UDP socket. Counts toward DHT overhead.
func (s *Session) sendDhtPacket(b []byte, addr netip.AddrPort) bool {
	if s.utpSocket == nil {
		return false
	}
	n, err := s.utpSocket.WriteTo(b, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		s.alerts.Post(UdpErrorAlert{Err: err})
		return false
	}
	s.stat.sentDhtBytes(int64(n))
	s.stat.transceiveIpPacket(addr.Addr().Is6())
	return true
}

// handleUdpPacket demultiplexes non-uTP datagrams off the shared socket.
// Everything bencoded goes to the DHT; the tracker manager's UDP traffic is
// dispatched by the collaborator itself.
func (s *Session) handleUdpPacket(b []byte, from netip.AddrPort) {
	if len(b) == 0 || b[0] != 'd' {
		return
	}
	s.stat.receivedDhtBytes(int64(len(b)))
	s.stat.transceiveIpPacket(from.Addr().Is6())
	if s.dht == nil {
		return
	}
	if _, err := s.dht.Incoming(b, from); err != nil {
		s.alerts.Post(DhtErrorAlert{Err: err})
	}
}

// getPeersAlgorithm is the session's traversal for announce rounds: a
// get_peers sweep whose values feed the torrent's connect candidates.
type getPeersAlgorithm struct {
	session *Session
	torrent *Torrent
}

func (a *getPeersAlgorithm) Reply(o *dht.Observer, m *krpc.Msg) {
	if m.R == nil {
		return
	}
	var peers []PeerInfo
	for _, v := range m.R.Values {
		if addr, ok := nodeAddrToAddrPort(v); ok {
			peers = append(peers, PeerInfo{Addr: addr, Source: "dht"})
		}
	}
	s := a.session
	s.post(func() {
		if a.torrent.IsAborted() {
			return
		}
		a.torrent.AddPeers(peers)
	})
}

func (a *getPeersAlgorithm) Failed(o *dht.Observer, flags dht.FailFlags) {}
func (a *getPeersAlgorithm) Finished(o *dht.Observer)                   {}

// dhtAnnounce issues one round of get_peers for a torrent to the closest
// thing we have to a routing table.
func (s *Session) dhtAnnounce(t *Torrent) {
	if len(s.dhtNodes.nodes) == 0 {
		return
	}
	alg := &getPeersAlgorithm{session: s, torrent: t}
	args := krpc.MsgArgs{
		InfoHash: krpc.ID(t.infoHash),
	}
	// ask the most recently responsive nodes
	n := s.dhtNodes.nodes
	const fanout = 8
	start := max(0, len(n)-fanout)
	for _, node := range n[start:] {
		o := dht.NewObserver(alg)
		s.dht.Invoke("get_peers", args, node.addr, o)
	}
}

func nodeAddrToAddrPort(na krpc.NodeAddr) (netip.AddrPort, bool) {
	ip, ok := netip.AddrFromSlice(na.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(na.Port)), true
}
