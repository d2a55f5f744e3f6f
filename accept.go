package swarm

import (
	"crypto/tls"
	"encoding/hex"
	"errors"
	"net"
	"net/netip"
	"time"
)

// incomingConnection is the accept-path gate sequence. It either adopts the
// socket into the connection set or closes it, posting the reason as an
// alert where one applies.
func (s *Session) incomingConnection(conn net.Conn, kind SocketKind) {
	if s.paused {
		conn.Close()
		return
	}

	remote, err := addrPortFromNetAddr(conn.RemoteAddr())
	if err != nil {
		conn.Close()
		return
	}

	s.logger.Levelf(logDebug, "incoming connection from %s (%s)", remote, kind)

	if kind.utp() && !s.settings.EnableIncomingUtp {
		s.alerts.Post(PeerBlockedAlert{Addr: remote.Addr(), Reason: BlockedUtpDisabled})
		conn.Close()
		return
	}
	if !kind.utp() && !s.settings.EnableIncomingTcp {
		s.alerts.Post(PeerBlockedAlert{Addr: remote.Addr(), Reason: BlockedTcpDisabled})
		conn.Close()
		return
	}

	// if outgoing interfaces are configured, the socket must be bound to
	// one of them (for uTP it suffices that such an interface exists,
	// since the uTP socket is shared)
	if s.settings.OutgoingInterfaces != "" && !kind.utp() {
		local, err := addrPortFromNetAddr(conn.LocalAddr())
		if err != nil || !s.verifyBoundAddress(local.Addr()) {
			s.alerts.Post(PeerBlockedAlert{Addr: remote.Addr(), Reason: BlockedLocalInterface})
			conn.Close()
			return
		}
	}

	// local addresses don't prove the router forwards to us
	if !remote.Addr().IsPrivate() && !remote.Addr().IsLoopback() {
		s.incomingConnectionSeen = true
	}

	// the IP filter is skipped entirely while any torrent opts out of it
	if s.numNonFilterTorrents == 0 && s.ipFilterBlocks(remote.Addr()) {
		s.alerts.Post(PeerBlockedAlert{Addr: remote.Addr(), Reason: BlockedIpFilter})
		conn.Close()
		return
	}

	if s.torrents.Len() == 0 {
		conn.Close()
		return
	}

	// weigh the connection limit by the peer's classes
	var pcs peerClassSet
	s.setPeerClasses(&pcs, remote.Addr(), kind)
	factor := s.classes.connectionLimitFactor(&pcs)
	limit := uint64(s.settings.ConnectionsLimit) * 100 / uint64(factor)

	if uint64(s.numConnections()) >= limit+uint64(s.settings.ConnectionsSlack) {
		s.alerts.Post(PeerDisconnectedAlert{Addr: remote, Err: ErrTooManyConnections})
		conn.Close()
		return
	}

	// without incoming_starts_queued_torrents there's no point accepting
	// when nothing is allowed to take peers
	if !s.settings.IncomingStartsQueuedTorrents {
		hasActive := false
		for _, t := range s.torrents.byHash {
			if t.AllowsPeers() {
				hasActive = true
				break
			}
		}
		if !hasActive {
			conn.Close()
			return
		}
	}

	s.alerts.Post(IncomingConnectionAlert{Kind: kind, Addr: remote})

	c := s.newPeerConn(conn, kind, remote, false)
	c.classes = pcs

	if !c.IsDisconnecting() {
		// past the plain limit but inside the slack: the peer must
		// release itself once its handshake completes
		if uint64(s.numConnections()) >= limit {
			c.peerExceedsLimit = true
		}
		s.insertPeer(c)
		c.start()
	}
}

var errNotSslTorrent = errors.New("torrent is not an ssl torrent")

// sslConfigForClient resolves the TLS context for an incoming SSL
// connection: the SNI server name's first 40 characters are a hex-encoded
// info-hash that must name a registered SSL torrent.
func (s *Session) sslConfigForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	name := hello.ServerName
	if len(name) < 40 {
		return nil, errors.New("short sni name")
	}
	raw, err := hex.DecodeString(name[:40])
	if err != nil {
		return nil, err
	}
	var ih InfoHash
	copy(ih[:], raw)

	var ctx *tls.Config
	s.sync(func() {
		t := s.torrents.ByHash(ih)
		if t == nil {
			t = s.torrents.ByObfuscated(ih)
		}
		if t != nil {
			ctx = t.sslCtx
		}
	})
	if ctx == nil {
		// a match without a context means a plain torrent arrived on the
		// ssl port: reject rather than downgrade
		return nil, errNotSslTorrent
	}
	return ctx, nil
}

// closeConnection removes a disconnecting peer from the session's shared
// structures. If any worker still holds the conn, it parks in the undead
// list until the per-second GC sees it has become the sole holder.
func (s *Session) closeConnection(c *PeerConn, reason error) {
	if _, ok := s.conns[c]; !ok {
		return
	}
	delete(s.conns, c)
	s.halfOpen.Done(c)
	if !c.IsChoked() && !c.IgnoreUnchokeSlots() {
		s.numUnchoked--
	}
	c.setChoked(true)
	if t := c.Torrent(); t != nil {
		delete(t.conns, c)
	}
	s.alerts.Post(PeerDisconnectedAlert{Addr: c.remoteAddr, Err: reason})
	if c.holders.Load() > 1 {
		s.undeadPeers = append(s.undeadPeers, c)
	}
}

func (s *Session) insertPeer(c *PeerConn) {
	s.conns[c] = struct{}{}
	c.holders.Store(1)
}

func (s *Session) numConnections() int { return len(s.conns) }

// verifyBoundAddress checks a local address against outgoing_interfaces.
func (s *Session) verifyBoundAddress(addr netip.Addr) bool {
	for _, name := range splitCommaList(s.settings.OutgoingInterfaces) {
		if ip, err := netip.ParseAddr(name); err == nil {
			if ip == addr {
				return true
			}
			continue
		}
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok {
				if ip, ok := netip.AddrFromSlice(ipNet.IP); ok && ip.Unmap() == addr {
					return true
				}
			}
		}
	}
	return false
}

func (s *Session) ipFilterBlocks(addr netip.Addr) bool {
	if s.ipFilter == nil {
		return false
	}
	return s.ipFilter(addr)
}

// acceptLoop services one listener, posting accepted sockets to the
// scheduler. Too-many-files pressure clamps the connection limit and frees
// a slot before re-arming accept.
func (s *Session) acceptLoop(ln net.Listener, kind SocketKind) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.IsSet() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.sync(func() { s.handleAcceptError(err) })
			time.Sleep(time.Second)
			continue
		}
		if kind == SocketSslTcp {
			conn = tls.Server(conn, &tls.Config{
				GetConfigForClient: s.sslConfigForClient,
			})
		}
		s.post(func() { s.incomingConnection(conn, kind) })
	}
}

// handleAcceptError deals with resource exhaustion during accept: lower the
// connection limit to what we actually sustain and make room by dropping
// one peer from the biggest torrent.
func (s *Session) handleAcceptError(err error) {
	s.logger.Levelf(logWarning, "error accepting connection: %v", err)
	if !isTooManyFiles(err) {
		return
	}
	s.settings.ConnectionsLimit = max(2, s.numConnections())
	var biggest *Torrent
	for _, t := range s.torrents.byHash {
		if biggest == nil || t.NumPeers() > biggest.NumPeers() {
			biggest = t
		}
	}
	if biggest != nil {
		biggest.disconnectPeers(1, err)
	}
}

func addrPortFromNetAddr(a net.Addr) (netip.AddrPort, error) {
	if a == nil {
		return netip.AddrPort{}, errors.New("nil addr")
	}
	switch v := a.(type) {
	case *net.TCPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	case *net.UDPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	return netip.ParseAddrPort(a.String())
}
