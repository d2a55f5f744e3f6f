package swarm

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubConn is a net.Conn with fixed endpoints and no wire behind it.
type stubConn struct {
	local, remote net.Addr
	closed        bool
}

func (c *stubConn) Read(b []byte) (int, error)  { return 0, net.ErrClosed }
func (c *stubConn) Write(b []byte) (int, error) { return 0, net.ErrClosed }
func (c *stubConn) Close() error                { c.closed = true; return nil }
func (c *stubConn) LocalAddr() net.Addr         { return c.local }
func (c *stubConn) RemoteAddr() net.Addr        { return c.remote }
func (c *stubConn) SetDeadline(time.Time) error      { return nil }
func (c *stubConn) SetReadDeadline(time.Time) error  { return nil }
func (c *stubConn) SetWriteDeadline(time.Time) error { return nil }

func newStubConn(remote string) *stubConn {
	return &stubConn{
		local:  &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 6881},
		remote: mustTcpAddr(remote),
	}
}

func mustTcpAddr(s string) *net.TCPAddr {
	addr, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		panic(err)
	}
	return addr
}

func newAcceptTestSession(t *testing.T) *Session {
	settings := DefaultSettings()
	settings.ConnectionsLimit = 10
	settings.ConnectionsSlack = 2
	s := newSession(settings)
	_, err := s.AddTorrent(TorrentSpec{InfoHash: testInfoHash(1)})
	require.NoError(t, err)
	return s
}

func drainAlerts[T Alert](s *Session) (ret []T) {
	for _, a := range s.PopAlerts() {
		if typed, ok := a.(T); ok {
			ret = append(ret, typed)
		}
	}
	return
}

func TestAcceptRejectsBeyondSlack(t *testing.T) {
	s := newAcceptTestSession(t)

	// fill to limit + slack
	for i := 0; i < 12; i++ {
		s.incomingConnection(newStubConn("198.51.100.1:1000"), SocketTcp)
	}
	require.Equal(t, 12, s.numConnections())
	s.PopAlerts()

	// the 13th is rejected deterministically
	conn := newStubConn("198.51.100.2:2000")
	s.incomingConnection(conn, SocketTcp)
	assert.Equal(t, 12, s.numConnections())
	assert.True(t, conn.closed)

	disconnects := drainAlerts[PeerDisconnectedAlert](s)
	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0].Err, ErrTooManyConnections)
}

func TestAcceptAtLimitSetsExceedsFlag(t *testing.T) {
	s := newAcceptTestSession(t)
	for i := 0; i < 10; i++ {
		s.incomingConnection(newStubConn("198.51.100.1:1000"), SocketTcp)
	}
	// inside the slack: admitted but told to release itself
	s.incomingConnection(newStubConn("198.51.100.3:3000"), SocketTcp)
	require.Equal(t, 11, s.numConnections())
	found := false
	for c := range s.conns {
		if c.remoteAddr.Port() == 3000 {
			found = true
			assert.True(t, c.peerExceedsLimit)
		}
	}
	assert.True(t, found)
}

func TestAcceptSocketKindGates(t *testing.T) {
	settings := DefaultSettings()
	settings.EnableIncomingTcp = false
	s := newSession(settings)
	s.AddTorrent(TorrentSpec{InfoHash: testInfoHash(1)})

	conn := newStubConn("198.51.100.1:1000")
	s.incomingConnection(conn, SocketTcp)
	assert.True(t, conn.closed)
	assert.Equal(t, 0, s.numConnections())

	blocked := drainAlerts[PeerBlockedAlert](s)
	require.Len(t, blocked, 1)
	assert.Equal(t, BlockedTcpDisabled, blocked[0].Reason)
}

func TestAcceptIpFilter(t *testing.T) {
	s := newAcceptTestSession(t)
	s.SetIpFilter(func(addr netip.Addr) bool { return addr.String() == "198.51.100.66" })
	s.PopAlerts()

	conn := newStubConn("198.51.100.66:1000")
	s.incomingConnection(conn, SocketTcp)
	assert.True(t, conn.closed)
	blocked := drainAlerts[PeerBlockedAlert](s)
	require.Len(t, blocked, 1)
	assert.Equal(t, BlockedIpFilter, blocked[0].Reason)

	// a torrent opting out of the filter lets the peer through
	tor := s.torrents.ByHash(testInfoHash(1))
	s.SetTorrentIgnoresIpFilter(tor, true)
	conn2 := newStubConn("198.51.100.66:1001")
	s.incomingConnection(conn2, SocketTcp)
	assert.False(t, conn2.closed)
}

func TestAcceptDropsWithoutTorrents(t *testing.T) {
	s := newSession(DefaultSettings())
	conn := newStubConn("198.51.100.1:1000")
	s.incomingConnection(conn, SocketTcp)
	assert.True(t, conn.closed)
	assert.Equal(t, 0, s.numConnections())
}

func TestAcceptPausedSessionDropsSilently(t *testing.T) {
	s := newAcceptTestSession(t)
	s.Pause()
	s.PopAlerts()
	conn := newStubConn("198.51.100.1:1000")
	s.incomingConnection(conn, SocketTcp)
	assert.True(t, conn.closed)
	assert.Empty(t, s.PopAlerts())
}

func TestAcceptConnectionLimitFactor(t *testing.T) {
	settings := DefaultSettings()
	settings.ConnectionsLimit = 10
	settings.ConnectionsSlack = 0
	s := newSession(settings)
	s.AddTorrent(TorrentSpec{InfoHash: testInfoHash(1)})

	// weigh the built-in local class down to half the configured limit
	s.classes.At(localClassId).ConnectionLimitFactor = 200

	for i := 0; i < 5; i++ {
		s.incomingConnection(newStubConn("10.0.0.1:1000"), SocketTcp)
	}
	require.Equal(t, 5, s.numConnections())

	conn := newStubConn("10.0.0.2:2000")
	s.incomingConnection(conn, SocketTcp)
	assert.True(t, conn.closed)
	assert.Equal(t, 5, s.numConnections())
}
