package swarm

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"syscall"
)

// prioTorrent gives a torrent a burst of dedicated connect attempts, used
// right after a tracker response delivers fresh peers.
type prioTorrent struct {
	t        *Torrent
	attempts int
}

// prioritizeConnections grants t up to 10 connect attempts ahead of the
// regular round-robin.
func (s *Session) prioritizeConnections(t *Torrent) {
	s.prioTorrents = append(s.prioTorrents, prioTorrent{t: t, attempts: 10})
}

// tryConnectMorePeers hands out this tick's connect budget round-robin over
// the torrents that want peers, interleaving finished torrents every
// connect_seed_every_n_download attempts.
func (s *Session) tryConnectMorePeers() {
	if s.abortFlag {
		return
	}
	if s.numConnections() >= s.settings.ConnectionsLimit {
		return
	}

	maxConnections := s.settings.ConnectionSpeed
	if maxConnections <= 0 {
		return
	}

	freeSlots := s.halfOpen.FreeSlots()
	if freeSlots <= -s.halfOpen.Limit() {
		return
	}

	// connection-boost attempts made since the last tick come out of this
	// tick's budget
	if s.boostConnections > 0 {
		if s.boostConnections > maxConnections {
			s.boostConnections -= maxConnections
			maxConnections = 0
		} else {
			maxConnections -= s.boostConnections
			s.boostConnections = 0
		}
	}

	limit := min(s.settings.ConnectionsLimit-s.numConnections(), freeSlots)

	// smooth out connect attempts over time instead of bursting
	if s.settings.SmoothConnects && maxConnections > (limit+1)/2 {
		maxConnections = (limit + 1) / 2
	}

	var wantPeersDownload, wantPeersFinished []*Torrent
	for _, t := range s.torrents.byHash {
		if t.wantPeersDownload() {
			wantPeersDownload = append(wantPeersDownload, t)
		} else if t.wantPeersFinished() {
			wantPeersFinished = append(wantPeersFinished, t)
		}
	}

	if len(wantPeersDownload) == 0 && len(wantPeersFinished) == 0 {
		return
	}
	if maxConnections <= 0 {
		return
	}

	stepsSinceLastConnect := 0
	numTorrents := len(wantPeersDownload) + len(wantPeersFinished)
	for {
		if s.nextDownloadingConnectTorrent >= len(wantPeersDownload) {
			s.nextDownloadingConnectTorrent = 0
		}
		if s.nextFinishedConnectTorrent >= len(wantPeersFinished) {
			s.nextFinishedConnectTorrent = 0
		}

		var t *Torrent
		// consume prioritized torrents first
		for len(s.prioTorrents) > 0 {
			front := &s.prioTorrents[0]
			t = front.t
			if front.attempts > 0 && t != nil && t.WantPeers() {
				front.attempts--
				break
			}
			s.prioTorrents = s.prioTorrents[1:]
			t = nil
		}

		if t == nil {
			if (s.downloadConnectAttempts >= s.settings.ConnectSeedEveryNDownload &&
				len(wantPeersFinished) > 0) || len(wantPeersDownload) == 0 {
				t = wantPeersFinished[s.nextFinishedConnectTorrent]
				s.downloadConnectAttempts = 0
				s.nextFinishedConnectTorrent++
			} else {
				t = wantPeersDownload[s.nextDownloadingConnectTorrent]
				s.downloadConnectAttempts++
				s.nextDownloadingConnectTorrent++
			}
		}

		started, err := t.tryConnectPeer()
		if started {
			maxConnections--
			freeSlots--
			stepsSinceLastConnect = 0
		}
		if isOutOfMemory(err) {
			// out of memory connecting; clamp the global limit to what we
			// already sustain
			s.settings.ConnectionsLimit = max(2, s.numConnections())
		}

		stepsSinceLastConnect++

		if freeSlots <= -s.halfOpen.Limit() {
			break
		}
		if maxConnections == 0 {
			return
		}
		if len(wantPeersDownload) == 0 && len(wantPeersFinished) == 0 {
			break
		}
		// a full lap without a single connect means nobody can take one
		if stepsSinceLastConnect > numTorrents+1 {
			break
		}
		if s.numConnections() >= s.settings.ConnectionsLimit {
			break
		}
	}
}

// initiateConn starts an outbound connect attempt through the half-open
// pool. The dial itself happens off the scheduler; completion posts back.
func (s *Session) initiateConn(t *Torrent, p PeerInfo) error {
	c := s.newPeerConn(nil, SocketTcp, p.Addr, true)
	c.connecting = true
	c.t = t
	s.halfOpen.Enqueue(c)
	s.insertPeer(c)
	t.conns[c] = struct{}{}

	dialer := net.Dialer{
		Timeout:   s.settings.HandshakeTimeout,
		LocalAddr: s.outgoingBindAddr(),
		Control:   s.dialControl,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.settings.HandshakeTimeout)
		defer cancel()
		conn, err := dialer.DialContext(ctx, "tcp", p.Addr.String())
		s.post(func() {
			s.halfOpen.Done(c)
			if err != nil {
				c.disconnect(err)
				return
			}
			if c.IsDisconnecting() {
				conn.Close()
				return
			}
			c.conn = conn
			if local, err := addrPortFromNetAddr(conn.LocalAddr()); err == nil {
				c.localAddr = local
			}
			s.setPeerClasses(&c.classes, p.Addr.Addr(), c.kind)
			c.start()
			s.tryConnectMorePeers()
		})
	}()
	return nil
}

// outgoingBindAddr picks the local address for the next outbound socket,
// cycling through the configured outgoing port range.
func (s *Session) outgoingBindAddr() net.Addr {
	port := s.nextOutgoingPort()
	if port == 0 && s.settings.OutgoingInterfaces == "" {
		return nil
	}
	var ip net.IP
	for _, name := range splitCommaList(s.settings.OutgoingInterfaces) {
		if parsed, err := netip.ParseAddr(name); err == nil {
			ip = parsed.AsSlice()
			break
		}
	}
	return &net.TCPAddr{IP: ip, Port: port}
}

// nextOutgoingPort cycles [outgoing_port, outgoing_port+num_outgoing_ports).
// Zero means let the OS pick.
func (s *Session) nextOutgoingPort() int {
	if s.settings.OutgoingPort <= 0 || s.settings.NumOutgoingPorts <= 0 {
		return s.settings.OutgoingPort
	}
	port := s.settings.OutgoingPort + s.outgoingPortOffset
	s.outgoingPortOffset = (s.outgoingPortOffset + 1) % s.settings.NumOutgoingPorts
	return port
}

// blocksOutgoingPort applies the privileged-port filter to connect targets.
func (s *Session) blocksOutgoingPort(port uint16) bool {
	return s.settings.NoConnectPrivilegedPorts && port < 1024
}

// dialControl sets the TOS byte on outbound sockets when configured.
func (s *Session) dialControl(network, address string, c syscall.RawConn) error {
	tos := s.settings.PeerTos
	if tos == 0 {
		return nil
	}
	return c.Control(func(fd uintptr) {
		setIpTos(fd, strings.Contains(network, "6"), tos)
	})
}

func (s *Session) newPeerConn(conn net.Conn, kind SocketKind, remote netip.AddrPort, outgoing bool) *PeerConn {
	c := &PeerConn{
		session:     s,
		logger:      s.logger.WithContextText(remote.String()),
		conn:        conn,
		kind:        kind,
		remoteAddr:  remote,
		outgoing:    outgoing,
		choked:      true,
		peerChoked:  true,
		connectedAt: s.clock.Now(),
	}
	if conn != nil {
		if local, err := addrPortFromNetAddr(conn.LocalAddr()); err == nil {
			c.localAddr = local
		}
	}
	return c
}

// boostConnection is called by the tracker glue when a response warrants
// immediate connects; the spent attempts are deducted from the next tick.
func (s *Session) boostConnection(t *Torrent) {
	s.boostConnections++
	s.prioritizeConnections(t)
	if started, _ := t.tryConnectPeer(); !started {
		s.boostConnections--
	}
}
