package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAutoManageSession(t *testing.T) *Session {
	settings := DefaultSettings()
	// make every torrent count against the limits immediately
	settings.DontCountSlowTorrents = false
	return newSession(settings)
}

func addManagedTorrent(t *testing.T, s *Session, b byte, seq int, finished bool) *Torrent {
	tor, err := s.AddTorrent(TorrentSpec{
		InfoHash:    testInfoHash(b),
		AutoManaged: true,
		Finished:    finished,
	})
	require.NoError(t, err)
	tor.seq = seq
	return tor
}

// S6: with active_downloads=2, the two torrents earliest in the queue keep
// their peers; the third is paused gracefully.
func TestAutoManagePicksByQueueOrder(t *testing.T) {
	s := newAutoManageSession(t)
	s.settings.ActiveDownloads = 2
	s.settings.ActiveLimit = 5

	t2 := addManagedTorrent(t, s, 1, 2, false)
	t0 := addManagedTorrent(t, s, 2, 0, false)
	t1 := addManagedTorrent(t, s, 3, 1, false)

	s.recalculateAutoManagedTorrents()

	assert.True(t, t0.allowPeers)
	assert.True(t, t1.allowPeers)
	assert.False(t, t2.allowPeers)
}

func TestAutoManageUnlimited(t *testing.T) {
	s := newAutoManageSession(t)
	s.settings.ActiveDownloads = -1
	s.settings.ActiveLimit = -1

	var ts []*Torrent
	for i := byte(1); i <= 20; i++ {
		ts = append(ts, addManagedTorrent(t, s, i, int(i), false))
	}
	s.recalculateAutoManagedTorrents()
	for _, tor := range ts {
		assert.True(t, tor.allowPeers)
	}
}

func TestAutoManageHardLimitCapsBothKinds(t *testing.T) {
	s := newAutoManageSession(t)
	s.settings.ActiveDownloads = 5
	s.settings.ActiveSeeds = 5
	s.settings.ActiveLimit = 3

	d0 := addManagedTorrent(t, s, 1, 0, false)
	d1 := addManagedTorrent(t, s, 2, 1, false)
	d2 := addManagedTorrent(t, s, 3, 2, false)
	d3 := addManagedTorrent(t, s, 4, 3, false)
	seed := addManagedTorrent(t, s, 5, 4, true)

	s.recalculateAutoManagedTorrents()

	// downloaders run first by default and consume the whole hard limit
	assert.True(t, d0.allowPeers)
	assert.True(t, d1.allowPeers)
	assert.True(t, d2.allowPeers)
	assert.False(t, d3.allowPeers)
	assert.False(t, seed.allowPeers)
}

func TestAutoManagePreferSeeds(t *testing.T) {
	s := newAutoManageSession(t)
	s.settings.ActiveDownloads = 5
	s.settings.ActiveSeeds = 5
	s.settings.ActiveLimit = 1
	s.settings.AutoManagePreferSeeds = true

	dl := addManagedTorrent(t, s, 1, 0, false)
	seed := addManagedTorrent(t, s, 2, 1, true)

	s.recalculateAutoManagedTorrents()
	assert.True(t, seed.allowPeers)
	assert.False(t, dl.allowPeers)
}

func TestAutoManageAnnounceSubLimits(t *testing.T) {
	s := newAutoManageSession(t)
	s.settings.ActiveDhtLimit = 2
	s.settings.ActiveTrackerLimit = 1
	s.settings.ActiveLsdLimit = -1
	s.settings.ActiveDownloads = -1
	s.settings.ActiveLimit = -1

	var ts []*Torrent
	for i := byte(1); i <= 3; i++ {
		ts = append(ts, addManagedTorrent(t, s, i, int(i), false))
	}
	s.recalculateAutoManagedTorrents()

	assert.True(t, ts[0].announceToDht)
	assert.True(t, ts[1].announceToDht)
	assert.False(t, ts[2].announceToDht)

	assert.True(t, ts[0].announceToTrackers)
	assert.False(t, ts[1].announceToTrackers)

	for _, tor := range ts {
		assert.True(t, tor.announceToLsd)
	}
}

func TestAutoManageCheckingLimit(t *testing.T) {
	s := newAutoManageSession(t)
	c1 := addManagedTorrent(t, s, 1, 0, false)
	c2 := addManagedTorrent(t, s, 2, 1, false)
	c1.state = StateChecking
	c2.state = StateChecking

	s.recalculateAutoManagedTorrents()

	// only one torrent may check at a time
	assert.False(t, c1.IsPaused())
	assert.True(t, c2.IsPaused())
}

func TestAutoManageNonManagedTorrentsHoldSlots(t *testing.T) {
	s := newAutoManageSession(t)
	s.settings.ActiveDownloads = 5
	s.settings.ActiveLimit = 2

	manual, err := s.AddTorrent(TorrentSpec{InfoHash: testInfoHash(9)})
	require.NoError(t, err)
	require.False(t, manual.IsPaused())

	d0 := addManagedTorrent(t, s, 1, 0, false)
	d1 := addManagedTorrent(t, s, 2, 1, false)

	s.recalculateAutoManagedTorrents()

	// the manual torrent occupies one hard-limit slot
	assert.True(t, d0.allowPeers)
	assert.False(t, d1.allowPeers)
}

func TestAutoManageSkipsWhenPaused(t *testing.T) {
	s := newAutoManageSession(t)
	d := addManagedTorrent(t, s, 1, 0, false)
	d.setAllowPeers(false, true)
	s.Pause()
	s.recalculateAutoManagedTorrents()
	assert.False(t, d.allowPeers)
}
