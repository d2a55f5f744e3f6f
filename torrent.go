package swarm

import (
	"crypto/sha1"
	"crypto/tls"
	"errors"
	"fmt"
	"net/netip"

	"github.com/anacrolix/log"
)

// InfoHash identifies a torrent.
type InfoHash [20]byte

func (ih InfoHash) String() string { return fmt.Sprintf("%x", ih[:]) }

// obfuscatedHash is what peers using the encrypted handshake advertise in
// place of the info-hash.
func obfuscatedHash(ih InfoHash) InfoHash {
	h := sha1.New()
	h.Write([]byte("req2"))
	h.Write(ih[:])
	var ret InfoHash
	copy(ret[:], h.Sum(nil))
	return ret
}

type TorrentState int

const (
	StateChecking TorrentState = iota
	StateDownloading
	StateSeeding
	StatePaused
	StateError
)

func (s TorrentState) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateDownloading:
		return "downloading"
	case StateSeeding:
		return "seeding"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	}
	return "unknown"
}

// PeerInfo is a known peer address a torrent may try to connect to.
type PeerInfo struct {
	Addr   netip.AddrPort
	Source string
}

// Torrent is the per-swarm state the session schedules. The session owns
// lifecycle (queue position, allow-peers, load/unload, LRU membership); the
// excluded piece/disk machinery would hang off this type in a complete
// client.
//
// lruPrev/lruNext make the torrent an intrusive node of the session's
// loaded-torrents LRU so membership changes never allocate.
type Torrent struct {
	session  *Session
	infoHash InfoHash
	uuid     string
	logger   log.Logger

	state    TorrentState
	err      error
	paused   bool
	finished bool
	aborted  bool

	autoManaged  bool
	allowPeers   bool
	gracefulPause bool

	announceToDht      bool
	announceToTrackers bool
	announceToLsd      bool

	// queue position, assigned to every torrent in the order it was added.
	seq int

	// session-time second the torrent was started; feeds the auto-manager
	// startup grace.
	startedAt int

	pinned bool
	loaded bool
	lruPrev, lruNext *Torrent

	// Seeding-priority inputs.
	finishedAt   int
	seedTime     int
	allTimeUp    int64
	allTimeDown  int64

	conns      map[*PeerConn]struct{}
	candidates []PeerInfo
	maxConns   int

	// Payload rates averaged over a five-second window, advanced by
	// secondTick.
	upRate, downRate rateAverage

	ignoreIpFilter bool

	// TLS context for torrents served on the SSL listen port. Nil for
	// plain torrents; the SNI accept path requires it.
	sslCtx *tls.Config
}

// TorrentSpec carries what's needed to register a torrent with a session.
type TorrentSpec struct {
	InfoHash    InfoHash
	Uuid        string
	Pinned      bool
	AutoManaged bool
	Finished    bool
	MaxConns    int
	SslCtx      *tls.Config
}

var errTorrentAborted = errors.New("torrent aborted")

func (t *Torrent) InfoHash() InfoHash { return t.infoHash }

func (t *Torrent) State() TorrentState {
	if t.err != nil {
		return StateError
	}
	if t.paused {
		return StatePaused
	}
	return t.state
}

func (t *Torrent) IsPinned() bool   { return t.pinned }
func (t *Torrent) IsLoaded() bool   { return t.loaded }
func (t *Torrent) IsAborted() bool  { return t.aborted }
func (t *Torrent) IsPaused() bool   { return t.paused }
func (t *Torrent) IsFinished() bool { return t.finished }
func (t *Torrent) HasError() bool   { return t.err != nil }

func (t *Torrent) IsAutoManaged() bool { return t.autoManaged }

func (t *Torrent) AllowsPeers() bool { return t.allowPeers && !t.paused && !t.aborted }

// WantPeers reports whether the torrent would accept another connect
// attempt right now.
func (t *Torrent) WantPeers() bool {
	if !t.AllowsPeers() || len(t.candidates) == 0 {
		return false
	}
	return len(t.conns) < t.MaxConnections()
}

func (t *Torrent) wantPeersDownload() bool { return t.WantPeers() && !t.finished }
func (t *Torrent) wantPeersFinished() bool { return t.WantPeers() && t.finished }

// wantTick: torrents with peers or candidate churn need their second tick.
func (t *Torrent) wantTick() bool {
	return !t.aborted && (len(t.conns) > 0 || len(t.candidates) > 0)
}

func (t *Torrent) NumPeers() int { return len(t.conns) }

func (t *Torrent) MaxConnections() int {
	if t.maxConns <= 0 {
		return t.session.settings.ConnectionsLimit
	}
	return t.maxConns
}

func (t *Torrent) NumConnectCandidates() int { return len(t.candidates) }

func (t *Torrent) QueuePosition() int { return t.seq }

func (t *Torrent) setQueuePosition(seq int) { t.seq = seq }

func (t *Torrent) sequenceNumber() int { return t.seq }

// SeedRank orders finished torrents for the auto-manager: higher ranks are
// kept active. Torrents that have seeded for less than their download time
// rank highest (they still owe the swarm), then by upload deficit.
func (t *Torrent) SeedRank(s *Settings) int {
	_ = s
	ret := 0
	if t.seedTime < t.finishedAt {
		ret |= 1 << 29
	}
	if t.allTimeUp < t.allTimeDown {
		ret |= 1 << 28
	}
	deficit := t.allTimeDown - t.allTimeUp
	if deficit > 0 {
		ret |= int(deficit >> 10 & (1<<20 - 1))
	}
	return ret
}

func (t *Torrent) setAnnounceToDht(b bool)      { t.announceToDht = b }
func (t *Torrent) setAnnounceToTrackers(b bool) { t.announceToTrackers = b }
func (t *Torrent) setAnnounceToLsd(b bool)      { t.announceToLsd = b }

// setAllowPeers starts or (gracefully) stops the torrent's peer activity.
// Graceful stops let in-flight uploads drain before disconnecting.
func (t *Torrent) setAllowPeers(allow bool, graceful bool) {
	if t.allowPeers == allow {
		return
	}
	t.allowPeers = allow
	t.gracefulPause = !allow && graceful
	if allow {
		t.startedAt = t.session.clock.sessionTime()
		return
	}
	if !graceful {
		t.disconnectAll(errors.New("torrent deactivated"))
	}
}

func (t *Torrent) pause()  { t.paused = true }
func (t *Torrent) resume() { t.paused = false; t.err = nil }

func (t *Torrent) startChecking() {
	t.state = StateChecking
}

func (t *Torrent) setError(err error) {
	t.err = err
	t.paused = true
}

// isActive implements the auto-manager's slow-torrent test: a torrent
// counts against the activity limits if slow counting is off, it started
// recently, or it's actually moving payload.
func (t *Torrent) isActive(s *Settings) bool {
	if !s.DontCountSlowTorrents {
		return true
	}
	if t.session.clock.sessionTime()-t.startedAt < s.AutoManageStartup {
		return true
	}
	return t.upRate.rate() > 0 || t.downRate.rate() > 0
}

// AddPeers hands the torrent more connect candidates.
func (t *Torrent) AddPeers(peers []PeerInfo) {
	t.candidates = append(t.candidates, peers...)
}

// tryConnectPeer pops the next candidate and starts an outbound connection
// through the session's half-open pool. Reports whether an attempt started.
func (t *Torrent) tryConnectPeer() (bool, error) {
	for len(t.candidates) > 0 {
		p := t.candidates[0]
		t.candidates = t.candidates[1:]
		if t.session.blocksOutgoingPort(p.Addr.Port()) {
			continue
		}
		return true, t.session.initiateConn(t, p)
	}
	return false, nil
}

// secondTick advances rate estimators and lets a graceful pause finish once
// uploads have drained.
func (t *Torrent) secondTick(elapsedMs int, residualSeconds int) {
	_ = residualSeconds
	_ = elapsedMs
	var up, down int64
	for c := range t.conns {
		up += c.takePayloadUp()
		down += c.takePayloadDown()
	}
	t.upRate.add(up)
	t.downRate.add(down)
	t.upRate.tick()
	t.downRate.tick()
	if t.finished {
		t.seedTime++
	}
	if t.gracefulPause {
		idle := true
		for c := range t.conns {
			if !c.uploadDrained() {
				idle = false
				break
			}
		}
		if idle {
			t.gracefulPause = false
			t.disconnectAll(errors.New("graceful pause complete"))
		}
	}
}

func (t *Torrent) stepSessionTime(seconds int) {
	t.startedAt -= seconds
	if t.startedAt < 0 {
		t.startedAt = 0
	}
}

// unchokePeer clears the peer's choke flag. Returns false when the torrent
// can't take another upload slot (e.g. it's paused out from under us).
func (t *Torrent) unchokePeer(c *PeerConn, optimistic bool) bool {
	if t.paused || t.aborted {
		return false
	}
	_ = optimistic
	c.setChoked(false)
	return true
}

func (t *Torrent) chokePeer(c *PeerConn) bool {
	if c.choked {
		return false
	}
	c.setChoked(true)
	return true
}

// freeUploadSlots: the torrent-level gate on unchoking more of its peers.
func (t *Torrent) freeUploadSlots() bool {
	return !t.paused && !t.aborted
}

func (t *Torrent) validMetadata() bool { return t.loaded }

// disconnectPeers drops n of the torrent's peers, used by the peer-turnover
// pass. Peers are not ranked; which n go is decided by map iteration order.
func (t *Torrent) disconnectPeers(n int, reason error) {
	for c := range t.conns {
		if n <= 0 {
			return
		}
		c.disconnect(reason)
		n--
	}
}

func (t *Torrent) disconnectAll(reason error) {
	for c := range t.conns {
		c.disconnect(reason)
	}
}

// load materialises the torrent from raw metadata bytes. The session's LRU
// calls this through the user load callback.
func (t *Torrent) load(metadata []byte) error {
	if len(metadata) == 0 {
		return errors.New("empty metadata")
	}
	t.loaded = true
	return nil
}

func (t *Torrent) unload() {
	t.loaded = false
}

func (t *Torrent) abort() {
	if t.aborted {
		return
	}
	t.aborted = true
	t.disconnectAll(errTorrentAborted)
}

// Status fills out a consumer-visible snapshot.
func (t *Torrent) Status() TorrentStatus {
	return TorrentStatus{
		InfoHash:      t.infoHash,
		State:         t.State(),
		Paused:        t.paused,
		Finished:      t.finished,
		AutoManaged:   t.autoManaged,
		QueuePosition: t.seq,
		NumPeers:      len(t.conns),
		UploadRate:    t.upRate.rate(),
		DownloadRate:  t.downRate.rate(),
	}
}

type TorrentStatus struct {
	InfoHash      InfoHash
	State         TorrentState
	Paused        bool
	Finished      bool
	AutoManaged   bool
	QueuePosition int
	NumPeers      int
	UploadRate    int64
	DownloadRate  int64
}
