package swarm

import (
	"net"
	"time"

	"golang.org/x/time/rate"
)

type ChokingAlgorithm int

const (
	FixedSlotsChoker ChokingAlgorithm = iota
	AutoExpandChoker
	RateBasedChoker
	BittyrantChoker
)

type MixedModeAlgorithm int

const (
	PreferTcp MixedModeAlgorithm = iota
	PeerProportional
)

// Settings is the flat, typed settings surface of a Session. A zero rate
// limit or half-open limit means unlimited, but a zero ConnectionsLimit
// admits no connections beyond the accept slack; auto-manager limits use -1
// for unlimited. Probably not safe to modify after it's given to a
// Session.
type Settings struct {
	// Max total peer connections, and the extra grace allowed on accept
	// above the (class-weighted) limit.
	ConnectionsLimit int
	ConnectionsSlack int

	// Max simultaneous outbound TCP SYNs. 0 means unlimited.
	HalfOpenLimit int

	// Unchoke budget and algorithm selection.
	UnchokeSlotsLimit          int
	NumOptimisticUnchokeSlots  int
	ChokingAlgorithm           ChokingAlgorithm
	UnchokeInterval            int // seconds
	OptimisticUnchokeInterval  int // seconds
	SeedChokingAlgorithm       int
	MixedModeAlgorithm         MixedModeAlgorithm
	RateLimitIpOverhead        bool

	// Base tick period.
	TickInterval time.Duration

	// Auto-manager cadence, startup grace and caps. -1 caps are unlimited.
	AutoManageInterval     int // seconds
	AutoManageStartup      int // seconds
	AutoManagePreferSeeds  bool
	DontCountSlowTorrents  bool
	ActiveDownloads        int
	ActiveSeeds            int
	ActiveLimit            int
	ActiveDhtLimit         int
	ActiveLsdLimit         int
	ActiveTrackerLimit     int

	// LRU cap on loaded torrents. 0 means unlimited (eviction disabled).
	ActiveLoadedLimit int

	// Comma-separated host:port list. Empty means the default v4+v6 pair.
	ListenInterfaces         string
	ListenPort               int
	SslListenPort            int
	ListenSystemPortFallback bool
	MaxRetryPortBind         int

	EnableIncomingTcp bool
	EnableIncomingUtp bool

	// Outbound binding.
	OutgoingInterfaces string
	OutgoingPort       int
	NumOutgoingPorts   int

	// IP TOS byte on outbound packets.
	PeerTos int

	// Disable listening, scrub identifying state, regenerate the peer id.
	AnonymousMode bool
	ForceProxy    bool

	// Blocks connecting to remote ports 0-1023.
	NoConnectPrivilegedPorts bool

	// Outbound connect pacing.
	ConnectionSpeed          int
	ConnectSeedEveryNDownload int
	SmoothConnects           bool
	IncomingStartsQueuedTorrents bool

	// Periodic worst-peer disconnect.
	PeerTurnover         int // percent
	PeerTurnoverCutoff   int // percent
	PeerTurnoverInterval int // seconds

	HandshakeTimeout time.Duration

	// DHT and local service discovery cadence.
	DhtUploadRateLimit     int
	DhtAnnounceInterval    time.Duration
	LocalServiceAnnounceInterval time.Duration

	// Global payload rate enforcement. Each token is one byte. nil or an
	// Inf limit disables enforcement on that direction.
	UploadRateLimiter   *rate.Limiter
	DownloadRateLimiter *rate.Limiter

	// Global up/down throttles mirrored into the built-in global peer
	// class, in bytes per second. 0 means unlimited.
	UploadRateLimit   int
	DownloadRateLimit int

	// Client fingerprint used as the peer-id prefix; the remainder is
	// random.
	PeerFingerprint string

	// UPnP client description and NAT-PMP gateway. A nil gateway disables
	// the NAT-PMP half of port mapping.
	UpnpID         string
	NatPmpGateway  net.IP
	NoPortForwarding bool

	// Metadata bytes for an info-hash, for lazily loaded torrents. Nil
	// disables lazy loading and LRU eviction.
	LoadTorrent func(infoHash InfoHash) ([]byte, error)

	// Receives tracker requests the session enqueues. The session fills
	// listen port, key and bind address before handing the request over.
	TrackerFunc func(TrackerRequest)

	// Bounded alert queue size; the oldest alerts are dropped on overflow.
	AlertQueueSize int
}

// DefaultSettings mirrors the defaults of the original settings pack for the
// keys this runtime recognises.
func DefaultSettings() *Settings {
	return &Settings{
		ConnectionsLimit:          200,
		ConnectionsSlack:          10,
		HalfOpenLimit:             0,
		UnchokeSlotsLimit:         8,
		NumOptimisticUnchokeSlots: 0,
		ChokingAlgorithm:          FixedSlotsChoker,
		UnchokeInterval:           15,
		OptimisticUnchokeInterval: 30,
		TickInterval:              500 * time.Millisecond,
		AutoManageInterval:        30,
		AutoManageStartup:         120,
		DontCountSlowTorrents:     true,
		ActiveDownloads:           3,
		ActiveSeeds:               5,
		ActiveLimit:               15,
		ActiveDhtLimit:            88,
		ActiveLsdLimit:            60,
		ActiveTrackerLimit:        1600,
		ActiveLoadedLimit:         0,
		ListenPort:                6881,
		ListenSystemPortFallback:  true,
		MaxRetryPortBind:          10,
		EnableIncomingTcp:         true,
		EnableIncomingUtp:         true,
		ConnectionSpeed:           6,
		ConnectSeedEveryNDownload: 10,
		SmoothConnects:            true,
		PeerTurnover:              4,
		PeerTurnoverCutoff:        90,
		PeerTurnoverInterval:      300,
		HandshakeTimeout:          10 * time.Second,
		DhtAnnounceInterval:       15 * time.Minute,
		LocalServiceAnnounceInterval: 5 * time.Minute,
		UpnpID:                    "netsmith/swarm",
		PeerFingerprint:           "-SW0001-",
		AlertQueueSize:            1000,
	}
}

// unlimitedCap maps the auto-manager's -1 convention onto something the
// countdown loops can decrement safely.
func unlimitedCap(v int) int {
	if v == -1 {
		return int(^uint(0) >> 1)
	}
	return v
}
