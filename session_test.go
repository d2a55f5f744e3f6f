package swarm

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPauseResumeIdempotent(t *testing.T) {
	s := newSession(DefaultSettings())
	s.Pause()
	s.Pause()
	assert.True(t, s.IsPaused())
	s.Resume()
	s.Resume()
	assert.False(t, s.IsPaused())
}

func TestCloseIsTerminalAndIdempotent(t *testing.T) {
	s := newSession(DefaultSettings())
	_, err := s.AddTorrent(TorrentSpec{InfoHash: testInfoHash(1)})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 0, s.torrents.Len())
	assert.Equal(t, 0, s.numConnections())

	_, err = s.AddTorrent(TorrentSpec{InfoHash: testInfoHash(2)})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestCloseDisconnectsPeers(t *testing.T) {
	s := newSession(DefaultSettings())
	tor, err := s.AddTorrent(TorrentSpec{InfoHash: testInfoHash(1)})
	require.NoError(t, err)
	c := addTestConn(s, tor, 1000)

	require.NoError(t, s.Close())
	assert.True(t, c.IsDisconnecting())
	assert.Empty(t, s.undeadPeers)
}

func TestUndeadPeerGc(t *testing.T) {
	s := newSession(DefaultSettings())
	tor, err := s.AddTorrent(TorrentSpec{InfoHash: testInfoHash(1)})
	require.NoError(t, err)
	c := addTestConn(s, tor, 1000)

	// a worker still holds the conn when it disconnects
	c.holders.Add(1)
	c.disconnect(errHandshakeTimeout)
	require.Len(t, s.undeadPeers, 1)

	s.perSecondTick(1000)
	assert.Len(t, s.undeadPeers, 1)

	// the worker lets go; the next second reaps it
	c.holders.Add(-1)
	s.perSecondTick(1000)
	assert.Empty(t, s.undeadPeers)
}

func TestUnchokeCountTracksDisconnects(t *testing.T) {
	s := newSession(DefaultSettings())
	tor, err := s.AddTorrent(TorrentSpec{InfoHash: testInfoHash(1)})
	require.NoError(t, err)
	c := addTestConn(s, tor, 1000)
	c.setChoked(false)
	s.numUnchoked = 1

	c.disconnect(errHandshakeTimeout)
	assert.Equal(t, 0, s.numUnchoked)
}

func TestHandshakeTimeoutSweep(t *testing.T) {
	settings := DefaultSettings()
	settings.HandshakeTimeout = 5 * time.Second
	s := newSession(settings)
	tor, err := s.AddTorrent(TorrentSpec{InfoHash: testInfoHash(1)})
	require.NoError(t, err)

	stale := addTestConn(s, tor, 1000)
	stale.t = nil // still in handshake
	stale.connectedAt = s.clock.Now().Add(-10 * time.Second)

	fresh := addTestConn(s, tor, 1001)
	fresh.t = nil
	fresh.connectedAt = s.clock.Now()

	s.lastTick = s.clock.Now()
	s.perSecondTick(1000)

	assert.True(t, stale.IsDisconnecting())
	assert.False(t, fresh.IsDisconnecting())
}

func TestPeerTurnoverDisconnectsFromBiggest(t *testing.T) {
	settings := DefaultSettings()
	settings.ConnectionsLimit = 10
	settings.PeerTurnoverCutoff = 50
	settings.PeerTurnover = 50
	settings.PeerTurnoverInterval = 1
	s := newSession(settings)

	big, err := s.AddTorrent(TorrentSpec{InfoHash: testInfoHash(1)})
	require.NoError(t, err)
	small, err := s.AddTorrent(TorrentSpec{InfoHash: testInfoHash(2)})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		addTestConn(s, big, uint16(1000+i))
	}
	addTestConn(s, small, 2000)
	big.AddPeers([]PeerInfo{{Addr: mustAddrPort("198.51.100.50:1")}, {Addr: mustAddrPort("198.51.100.50:2")}})

	s.disconnectTimeScaler = 1
	s.peerTurnoverTick()

	// 50% of the biggest torrent's peers, bounded by candidates
	assert.Equal(t, 3, s.numConnections())
	assert.Equal(t, 2, big.NumPeers())
	assert.Equal(t, 1, small.NumPeers())
}

func TestMixedModePeerProportional(t *testing.T) {
	s := newSession(DefaultSettings())
	s.settings.MixedModeAlgorithm = PeerProportional
	tor, err := s.AddTorrent(TorrentSpec{InfoHash: testInfoHash(1)})
	require.NoError(t, err)

	tcp := addTestConn(s, tor, 1000)
	tcp.setChoked(false)
	utpConn := addTestConn(s, tor, 1001)
	utpConn.kind = SocketUtp
	utpConn.setChoked(false)

	// pretend we're moving 100 kB/s up
	for i := 0; i < 5; i++ {
		s.stat.sentBytes(100_000, 0)
		s.stat.secondTick(time.Second)
	}

	s.recalculateMixedModeThrottle()
	tcpClass := s.classes.At(tcpClassId)
	// half the rate, floored at 5000
	assert.Equal(t, s.stat.uploadRate()/2, tcpClass.Channel[uploadChannel].Throttle())

	// no uTP peers: TCP runs free
	utpConn.disconnect(errHandshakeTimeout)
	s.recalculateMixedModeThrottle()
	assert.EqualValues(t, 0, tcpClass.Channel[uploadChannel].Throttle())
}

func TestTimestampWrapDefense(t *testing.T) {
	s := newSession(DefaultSettings())
	tor, err := s.AddTorrent(TorrentSpec{InfoHash: testInfoHash(1)})
	require.NoError(t, err)

	// fake a session that has run past the wrap horizon
	s.clock.created = s.clock.Now().Add(-66000 * time.Second)
	tor.startedAt = 66000

	s.perSecondTick(1000)
	assert.Less(t, s.clock.sessionTime(), 66000)
	assert.Equal(t, 66000-4*3600, tor.startedAt)
}

func TestTrackerRequestPlumbing(t *testing.T) {
	var got []TrackerRequest
	settings := DefaultSettings()
	settings.TrackerFunc = func(req TrackerRequest) { got = append(got, req) }
	s := newSession(settings)
	s.key = 0xdecafbad

	s.queueTrackerRequest(TrackerRequest{InfoHash: testInfoHash(1)})
	require.Len(t, got, 1)
	assert.EqualValues(t, 0xdecafbad, got[0].Key)
	// no listen socket is open in this harness
	assert.Equal(t, 0, got[0].ListenPort)

	// force_proxy always reports port zero
	s.settings.ForceProxy = true
	s.queueTrackerRequest(TrackerRequest{InfoHash: testInfoHash(1)})
	assert.Equal(t, 0, got[1].ListenPort)
}

func mustAddrPort(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}
