package swarm

import (
	"crypto/rand"
	"errors"
	"math"
	mathrand "math/rand"
	"net/netip"
	"sort"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/utp"

	"github.com/netsmith/swarm/dht"
)

var ErrSessionClosed = errors.New("session closed")

// Session is the event-loop hub of the runtime: it owns the torrent pool,
// the connection pool, the DHT RPC engine and the policies tying them
// together. All mutable state belongs to the scheduler goroutine; public
// methods post work to it and the tick timer drives the periodic passes.
type Session struct {
	settings *Settings
	logger   log.Logger

	clock sessionClock
	rng   *mathrand.Rand

	peerId [20]byte
	key    uint32

	classes     *peerClasses
	classFilter *PeerClassFilter
	typeFilter  *PeerClassTypeFilter

	// Optional block filter for incoming peers. Ignored while any torrent
	// carries the ignore-filter marker.
	ipFilter             func(netip.Addr) bool
	numNonFilterTorrents int

	uploadRateMgr   *bandwidthManager
	downloadRateMgr *bandwidthManager

	halfOpen *halfOpenPool

	listenInterfaces []listenInterface
	listenSockets    []*listenSocket
	utpSocket        *utp.Socket
	externalUdpPort  int
	externalAddr     generics.Option[netip.Addr]

	// set when a non-local peer connects in; evidence the router lets
	// traffic through
	incomingConnectionSeen bool

	portMapper *portMapper

	dht       *dht.RpcManager
	dhtNodeId krpc.ID
	dhtNodes  *routingTable

	torrents     *torrentRegistry
	nextQueuePos int

	conns       map[*PeerConn]struct{}
	undeadPeers []*PeerConn

	numUnchoked            int
	allowedUploadSlots     int
	peakUpRate             int
	peakDownRate           int
	warnedBittyrantNoLimit bool

	// countdown scalers, in seconds, for the per-second stages
	autoManageTimeScaler        int
	unchokeTimeScaler           int
	optimisticUnchokeTimeScaler int
	disconnectTimeScaler        int
	dhtAnnounceTimeScaler       int
	lsdAnnounceTimeScaler       int
	needAutoManage              bool

	nextDownloadingConnectTorrent int
	nextFinishedConnectTorrent    int
	downloadConnectAttempts       int
	boostConnections              int
	prioTorrents                  []prioTorrent

	// round-robin cursors over sorted info-hashes
	nextDhtTorrent int
	nextLsdTorrent int

	outgoingPortOffset int

	stat   sessionStat
	alerts *alertQueue

	// jobs deferred to the top of the next tick (disk submissions in a
	// complete client)
	deferredJobs []func()

	jobs    chan func()
	started bool
	paused  bool

	abortFlag bool
	closed    chansync.SetOnce

	lastTick       time.Time
	lastSecondTick time.Time
	tickResidual   int
}

// newSession builds a session without opening sockets or starting the
// scheduler; tests drive it single-threaded from here.
func newSession(settings *Settings) *Session {
	if settings == nil {
		settings = DefaultSettings()
	}
	logger := log.Default.WithContextText("swarm")
	s := &Session{
		settings:    settings,
		logger:      logger,
		clock:       newSessionClock(),
		rng:         newSessionRand(),
		classes:     newPeerClasses(),
		classFilter: defaultPeerClassFilter(),
		typeFilter:  defaultPeerClassTypeFilter(),
		halfOpen:    newHalfOpenPool(settings.HalfOpenLimit),
		torrents:    newTorrentRegistry(),
		conns:       make(map[*PeerConn]struct{}),
		alerts:      newAlertQueue(settings.AlertQueueSize),
		jobs:        make(chan func(), 64),
		dhtNodes:    newRoutingTable(),
	}
	s.uploadRateMgr = newBandwidthManager(uploadChannel, settings.UploadRateLimiter)
	s.downloadRateMgr = newBandwidthManager(downloadChannel, settings.DownloadRateLimiter)
	s.classes.At(globalClassId).Channel[uploadChannel].SetThrottle(int64(settings.UploadRateLimit))
	s.classes.At(globalClassId).Channel[downloadChannel].SetThrottle(int64(settings.DownloadRateLimit))
	s.allowedUploadSlots = settings.UnchokeSlotsLimit
	if s.allowedUploadSlots < 0 {
		s.allowedUploadSlots = math.MaxInt
	}
	s.regeneratePeerId()
	s.key = s.rng.Uint32()
	rand.Read(s.dhtNodeId[:])
	s.dht = dht.NewRpcManager(s.dhtNodeId, s.dhtNodes, s.sendDhtPacket, logger.WithContextText("dht"))
	s.portMapper = newPortMapper(s)
	s.autoManageTimeScaler = settings.AutoManageInterval
	s.unchokeTimeScaler = settings.UnchokeInterval
	s.optimisticUnchokeTimeScaler = settings.OptimisticUnchokeInterval
	s.disconnectTimeScaler = settings.PeerTurnoverInterval
	s.lastTick = s.clock.Now()
	s.lastSecondTick = s.clock.Now()
	return s
}

// NewSession constructs, opens the listen sockets and starts the scheduler.
func NewSession(settings *Settings) (*Session, error) {
	s := newSession(settings)
	var err error
	s.listenInterfaces, err = parseListenInterfaces(s.settings.ListenInterfaces, s.settings.ListenPort)
	if err != nil {
		return nil, err
	}
	if err := s.openListenSockets(); err != nil && !errors.Is(err, errNoListenSockets) {
		return nil, err
	}
	s.portMapper.discover()
	s.started = true
	go s.scheduler()
	return s, nil
}

// regeneratePeerId derives a fresh peer id: fingerprint prefix, random
// remainder.
func (s *Session) regeneratePeerId() {
	prefix := s.settings.PeerFingerprint
	if s.settings.AnonymousMode {
		prefix = ""
	}
	n := copy(s.peerId[:], prefix)
	rand.Read(s.peerId[n:])
}

func (s *Session) PeerId() [20]byte { return s.peerId }

// post hands work to the scheduler. Before the scheduler starts (and in
// tests) the work runs inline.
func (s *Session) post(f func()) {
	if !s.started {
		f()
		return
	}
	select {
	case s.jobs <- f:
	case <-s.closed.Done():
	}
}

// sync posts work and waits for it. Must not be called from the scheduler.
func (s *Session) sync(f func()) {
	if !s.started {
		f()
		return
	}
	done := make(chan struct{})
	s.post(func() {
		defer close(done)
		f()
	})
	select {
	case <-done:
	case <-s.closed.Done():
	}
}

// DeferJob queues work (a disk submission in a complete client) for the
// top of the next tick.
func (s *Session) DeferJob(f func()) {
	s.post(func() { s.deferredJobs = append(s.deferredJobs, f) })
}

func (s *Session) submitDeferredJobs() {
	jobs := s.deferredJobs
	s.deferredJobs = nil
	for _, f := range jobs {
		f()
	}
}

func (s *Session) scheduler() {
	timer := time.NewTimer(s.settings.TickInterval)
	defer timer.Stop()
	for {
		select {
		case f := <-s.jobs:
			f()
		case <-timer.C:
			s.onTick()
			timer.Reset(s.settings.TickInterval)
		case <-s.closed.Done():
			// drain whatever was posted before the close
			for {
				select {
				case f := <-s.jobs:
					f()
				default:
					return
				}
			}
		}
	}
}

// onTick is the fixed-interval heartbeat.
func (s *Session) onTick() {
	if s.abortFlag {
		return
	}

	s.submitDeferredJobs()

	now := s.clock.update()

	// replenish class quotas proportionally to elapsed wall time
	elapsed := now.Sub(s.lastTick)
	s.lastTick = now
	var upChannels, downChannels []*bandwidthChannel
	for _, pc := range s.classes.classes {
		if pc == nil {
			continue
		}
		upChannels = append(upChannels, &pc.Channel[uploadChannel])
		downChannels = append(downChannels, &pc.Channel[downloadChannel])
	}
	s.uploadRateMgr.UpdateQuotas(elapsed, upChannels)
	s.downloadRateMgr.UpdateQuotas(elapsed, downChannels)

	// the uTP implementation runs its own timers; the DHT reaper is ours
	if s.dht != nil {
		s.dht.Tick()
	}

	if now.Sub(s.lastSecondTick) < time.Second {
		return
	}
	tickIntervalMs := int(now.Sub(s.lastSecondTick) / time.Millisecond)
	s.lastSecondTick = now
	s.tickResidual += tickIntervalMs - 1000
	s.perSecondTick(tickIntervalMs)
	s.tickResidual %= 1000
}

func (s *Session) perSecondTick(tickIntervalMs int) {
	// drop undead peers that nothing else references anymore
	undead := s.undeadPeers[:0]
	for _, c := range s.undeadPeers {
		if c.holders.Load() > 1 {
			undead = append(undead, c)
		}
	}
	s.undeadPeers = undead

	// timestamp-wrap defense: step all session-time counters back four
	// hours before the 16-bit second counters peers keep can wrap
	if s.clock.sessionTime() > 65000 {
		const fourHours = 4 * 60 * 60
		s.clock.stepEpoch(4 * time.Hour)
		for _, t := range s.torrents.byHash {
			t.stepSessionTime(fourHours)
		}
	}

	if s.abortFlag {
		return
	}

	s.recalculateMixedModeThrottle()

	if !s.paused {
		s.autoManageTimeScaler--
	}
	if s.autoManageTimeScaler < 0 || s.needAutoManage {
		s.autoManageTimeScaler = s.settings.AutoManageInterval
		s.recalculateAutoManagedTorrents()
	}

	// drop connections stuck in their handshake
	for c := range s.conns {
		if c.Torrent() != nil && !c.inHandshake() {
			continue
		}
		if s.lastTick.Sub(c.connectedAt) > s.settings.HandshakeTimeout {
			c.disconnect(errHandshakeTimeout)
		}
	}

	for _, t := range s.sortedTorrents() {
		if t.wantTick() {
			t.secondTick(tickIntervalMs, s.tickResidual/1000)
		}
	}

	// charge DHT and tracker traffic to the global class when overhead
	// rate limiting is on
	if s.settings.RateLimitIpOverhead {
		gpc := s.classes.At(globalClassId)
		gpc.Channel[downloadChannel].UseQuota(s.stat.downDht + s.stat.downTracker)
		gpc.Channel[uploadChannel].UseQuota(s.stat.upDht + s.stat.upTracker)

		downLimit := gpc.Channel[downloadChannel].Throttle()
		upLimit := gpc.Channel[uploadChannel].Throttle()
		if downLimit > 0 && s.stat.downloadIpOverhead() >= downLimit {
			s.alerts.Post(PerformanceAlert{Warning: WarningDownloadLimitTooLow})
		}
		if upLimit > 0 && s.stat.uploadIpOverhead() >= upLimit {
			s.alerts.Post(PerformanceAlert{Warning: WarningUploadLimitTooLow})
		}
	}

	s.peakUpRate = max(s.peakUpRate, int(s.stat.uploadRate()))
	s.peakDownRate = max(s.peakDownRate, int(s.stat.downloadRate()))
	s.stat.secondTick(time.Duration(tickIntervalMs) * time.Millisecond)

	s.dhtAnnounceTick()
	s.lsdAnnounceTick()

	s.tryConnectMorePeers()

	s.unchokeTimeScaler--
	if s.unchokeTimeScaler <= 0 && len(s.conns) > 0 {
		s.unchokeTimeScaler = s.settings.UnchokeInterval
		s.recalculateUnchokeSlots()
	}

	s.optimisticUnchokeTimeScaler--
	if s.optimisticUnchokeTimeScaler <= 0 {
		s.optimisticUnchokeTimeScaler = s.settings.OptimisticUnchokeInterval
		s.recalculateOptimisticUnchokeSlots()
	}

	s.peerTurnoverTick()
}

// recalculateMixedModeThrottle balances TCP against uTP: either TCP runs
// free, or its class throttle tracks the TCP share of active peers.
func (s *Session) recalculateMixedModeThrottle() {
	tcpClass := s.classes.At(tcpClassId)
	if tcpClass == nil {
		return
	}
	switch s.settings.MixedModeAlgorithm {
	case PreferTcp:
		tcpClass.Channel[uploadChannel].SetThrottle(0)
		tcpClass.Channel[downloadChannel].SetThrottle(0)
	case PeerProportional:
		// peers per [protocol][channel]; protocol 0 is TCP
		var numPeers [2][2]int
		for c := range s.conns {
			if c.inHandshake() {
				continue
			}
			protocol := 0
			if c.kind.utp() {
				protocol = 1
			}
			if c.IsInteresting() {
				numPeers[protocol][downloadChannel]++
			}
			if !c.IsChoked() {
				numPeers[protocol][uploadChannel]++
			}
		}
		statRate := [2]int64{
			uploadChannel:   s.stat.uploadRate(),
			downloadChannel: s.stat.downloadRate(),
		}
		// never throttle below these
		lowerLimit := [2]int64{
			uploadChannel:   5000,
			downloadChannel: 30000,
		}
		for ch := 0; ch < 2; ch++ {
			if numPeers[1][ch] == 0 {
				// no uTP peers on this channel; don't hold TCP back
				tcpClass.Channel[ch].SetThrottle(0)
				continue
			}
			if numPeers[0][ch] == 0 {
				numPeers[0][ch] = 1
			}
			totalPeers := numPeers[0][ch] + numPeers[1][ch]
			// 64-bit on purpose: rate times peer count can overflow 32
			// bits
			rate := statRate[ch] * int64(numPeers[0][ch]) / int64(totalPeers)
			tcpClass.Channel[ch].SetThrottle(max(rate, lowerLimit[ch]))
		}
	}
}

// peerTurnoverTick periodically replaces the worst peers: globally when the
// session is saturated, otherwise per torrent that has filled its own
// limit.
func (s *Session) peerTurnoverTick() {
	s.disconnectTimeScaler--
	if s.disconnectTimeScaler > 0 {
		return
	}
	s.disconnectTimeScaler = s.settings.PeerTurnoverInterval

	st := s.settings
	if s.numConnections() >= st.ConnectionsLimit*st.PeerTurnoverCutoff/100 && s.torrents.Len() > 0 {
		var biggest *Torrent
		for _, t := range s.torrents.byHash {
			if biggest == nil || t.NumPeers() > biggest.NumPeers() {
				biggest = t
			}
		}
		n := min(max(biggest.NumPeers()*st.PeerTurnover/100, 1), biggest.NumConnectCandidates())
		biggest.disconnectPeers(n, errOptimisticDisconnect)
		return
	}
	for _, t := range s.torrents.byHash {
		if t.NumPeers() < t.MaxConnections()*st.PeerTurnoverCutoff/100 {
			continue
		}
		n := min(max(t.NumPeers()*st.PeerTurnover/100, 1), t.NumConnectCandidates())
		t.disconnectPeers(n, errOptimisticDisconnect)
	}
}

// sortedTorrents iterates the registry in info-hash order so round-robin
// cursors survive map iteration order.
func (s *Session) sortedTorrents() []*Torrent {
	ret := make([]*Torrent, 0, s.torrents.Len())
	for _, t := range s.torrents.byHash {
		ret = append(ret, t)
	}
	sort.Slice(ret, func(i, j int) bool {
		a, b := ret[i].infoHash, ret[j].infoHash
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return ret
}

// dhtAnnounceTick walks announce-enabled torrents round-robin, spreading
// the configured interval over the torrent count.
func (s *Session) dhtAnnounceTick() {
	if s.dht == nil || s.torrents.Len() == 0 {
		return
	}
	s.dhtAnnounceTimeScaler--
	if s.dhtAnnounceTimeScaler > 0 {
		return
	}
	interval := int(s.settings.DhtAnnounceInterval / time.Second)
	s.dhtAnnounceTimeScaler = max(1, interval/max(1, s.torrents.Len()))

	ts := s.sortedTorrents()
	for range ts {
		if s.nextDhtTorrent >= len(ts) {
			s.nextDhtTorrent = 0
		}
		t := ts[s.nextDhtTorrent]
		s.nextDhtTorrent++
		if t.announceToDht && t.AllowsPeers() {
			s.dhtAnnounce(t)
			return
		}
	}
}

func (s *Session) lsdAnnounceTick() {
	if s.torrents.Len() == 0 {
		return
	}
	s.lsdAnnounceTimeScaler--
	if s.lsdAnnounceTimeScaler > 0 {
		return
	}
	interval := int(s.settings.LocalServiceAnnounceInterval / time.Second)
	s.lsdAnnounceTimeScaler = max(1, interval/max(1, s.torrents.Len()))

	ts := s.sortedTorrents()
	for range ts {
		if s.nextLsdTorrent >= len(ts) {
			s.nextLsdTorrent = 0
		}
		t := ts[s.nextLsdTorrent]
		s.nextLsdTorrent++
		if t.announceToLsd && t.AllowsPeers() {
			// local service discovery is an external collaborator; the
			// session only schedules it
			return
		}
	}
}

// AddTorrent registers a torrent with the session and queues it for
// auto-management.
func (s *Session) AddTorrent(spec TorrentSpec) (t *Torrent, err error) {
	s.sync(func() {
		if s.abortFlag {
			err = ErrSessionClosed
			return
		}
		if existing := s.torrents.ByHash(spec.InfoHash); existing != nil {
			t = existing
			return
		}
		t = &Torrent{
			session:     s,
			infoHash:    spec.InfoHash,
			uuid:        spec.Uuid,
			logger:      s.logger.WithContextText(spec.InfoHash.String()),
			state:       StateDownloading,
			autoManaged: spec.AutoManaged,
			finished:    spec.Finished,
			pinned:      spec.Pinned || s.settings.LoadTorrent == nil,
			maxConns:    spec.MaxConns,
			sslCtx:      spec.SslCtx,
			conns:       make(map[*PeerConn]struct{}),
			seq:         s.nextQueuePos,
			startedAt:   s.clock.sessionTime(),
			allowPeers:  !spec.AutoManaged,
		}
		if spec.Finished {
			t.state = StateSeeding
		}
		s.nextQueuePos++
		s.torrents.Insert(t)
		if s.settings.LoadTorrent != nil {
			s.loadTorrent(t)
		} else {
			t.loaded = true
		}
		s.alerts.Post(TorrentAddedAlert{InfoHash: spec.InfoHash})
		s.triggerAutoManage()
	})
	return
}

// RemoveTorrent aborts the torrent and drops it from every index.
func (s *Session) RemoveTorrent(t *Torrent) {
	s.sync(func() {
		if s.torrents.ByHash(t.infoHash) != t {
			return
		}
		if t.ignoreIpFilter {
			s.numNonFilterTorrents--
		}
		t.abort()
		s.torrents.Remove(t)
		s.alerts.Post(TorrentRemovedAlert{InfoHash: t.infoHash})
	})
}

// SetTorrentIgnoresIpFilter marks a torrent as exempt from the session IP
// filter; while any such torrent exists, incoming peers are not filtered.
func (s *Session) SetTorrentIgnoresIpFilter(t *Torrent, ignore bool) {
	s.sync(func() {
		if t.ignoreIpFilter == ignore {
			return
		}
		t.ignoreIpFilter = ignore
		if ignore {
			s.numNonFilterTorrents++
		} else {
			s.numNonFilterTorrents--
		}
	})
}

// SetIpFilter installs the incoming-address block predicate.
func (s *Session) SetIpFilter(f func(netip.Addr) bool) {
	s.sync(func() { s.ipFilter = f })
}

// SetListenInterfaces reconfigures the listen-socket set. If the parsed
// list is unchanged and sockets are open, nothing happens; otherwise the
// set is reopened and port mappings follow the new local port.
func (s *Session) SetListenInterfaces(spec string) (err error) {
	s.sync(func() {
		if s.abortFlag {
			err = ErrSessionClosed
			return
		}
		s.settings.ListenInterfaces = spec
		err = s.applyListenSettings()
	})
	return
}

// SetAnonymousMode scrubs the identifying surfaces: a fresh peer id with no
// fingerprint, and (combined with force_proxy) no listen sockets.
func (s *Session) SetAnonymousMode(anonymous bool) {
	s.sync(func() {
		if s.settings.AnonymousMode == anonymous {
			return
		}
		s.settings.AnonymousMode = anonymous
		s.regeneratePeerId()
		s.openListenSockets()
	})
}

// Pause stops accepting incoming connections and suspends the auto-manager;
// the unchoke and connect passes keep running. Idempotent.
func (s *Session) Pause() {
	s.sync(func() {
		if s.paused {
			return
		}
		s.paused = true
	})
}

func (s *Session) Resume() {
	s.sync(func() {
		if !s.paused {
			return
		}
		s.paused = false
		s.triggerAutoManage()
	})
}

func (s *Session) IsPaused() bool {
	var ret bool
	s.sync(func() { ret = s.paused })
	return ret
}

// Close is the single shutdown entry point. Terminal; further public
// operations are no-ops.
func (s *Session) Close() error {
	s.sync(func() { s.abort() })
	s.closed.Set()
	return nil
}

func (s *Session) abort() {
	if s.abortFlag {
		return
	}
	s.abortFlag = true
	s.logger.Levelf(logDebug, "aborting session")

	s.closeListenSockets()
	if s.dht != nil {
		s.dht.Close()
	}

	for _, t := range s.sortedTorrents() {
		t.abort()
	}
	for _, t := range s.sortedTorrents() {
		s.torrents.Remove(t)
	}

	for c := range s.conns {
		c.disconnect(errStoppingTorrent)
	}
	s.undeadPeers = nil
}

// Stats returns a consumer-visible counter snapshot.
func (s *Session) Stats() StatsSnapshot {
	var ret StatsSnapshot
	s.sync(func() {
		ret = StatsSnapshot{
			UploadPayload:    s.stat.up.payload,
			UploadProtocol:   s.stat.up.protocol,
			DownloadPayload:  s.stat.down.payload,
			DownloadProtocol: s.stat.down.protocol,
			UploadRate:       s.stat.uploadRate(),
			DownloadRate:     s.stat.downloadRate(),
			NumConnections:   s.numConnections(),
			NumUnchoked:      s.numUnchoked,
			NumTorrents:      s.torrents.Len(),
		}
	})
	return ret
}

// PostStateUpdates posts a state_update alert with the status of every
// torrent.
func (s *Session) PostStateUpdates() {
	s.sync(func() {
		status := make([]TorrentStatus, 0, s.torrents.Len())
		for _, t := range s.sortedTorrents() {
			status = append(status, t.Status())
		}
		s.alerts.Post(StateUpdateAlert{Status: status})
	})
}

// PopAlerts drains the pending alerts.
func (s *Session) PopAlerts() []Alert { return s.alerts.PopAll() }

// WaitAlerts returns a channel that's closed when alerts may be pending.
func (s *Session) WaitAlerts() <-chan struct{} { return s.alerts.Wait() }
