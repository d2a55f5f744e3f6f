package swarm

import "time"

// rateAverage is a simple 5-second sliding window rate estimator, updated
// once per second from the tick.
type rateAverage struct {
	window  [5]int64
	head    int
	samples int
}

func (r *rateAverage) add(n int64) {
	r.window[r.head] += n
}

func (r *rateAverage) tick() {
	r.head = (r.head + 1) % len(r.window)
	r.window[r.head] = 0
	if r.samples < len(r.window) {
		r.samples++
	}
}

// rate returns bytes per second over the window.
func (r *rateAverage) rate() int64 {
	var sum int64
	for _, v := range r.window {
		sum += v
	}
	n := r.samples
	if n == 0 {
		n = 1
	}
	return sum / int64(n)
}

type statChannel struct {
	payload    int64
	protocol   int64
	ipOverhead int64
	rateAvg    rateAverage
}

// sessionStat aggregates the session-wide transfer counters: payload vs
// protocol vs estimated ip overhead, each direction, plus the DHT and
// tracker surfaces that count toward overhead throttling.
type sessionStat struct {
	up, down               statChannel
	upDht, downDht         int64
	upTracker, downTracker int64
}

func (s *sessionStat) sentBytes(payload, protocol int64) {
	s.up.payload += payload
	s.up.protocol += protocol
	s.up.rateAvg.add(payload + protocol)
}

func (s *sessionStat) receivedBytes(payload, protocol int64) {
	s.down.payload += payload
	s.down.protocol += protocol
	s.down.rateAvg.add(payload + protocol)
}

func (s *sessionStat) sentDhtBytes(n int64)     { s.upDht += n; s.up.rateAvg.add(n) }
func (s *sessionStat) receivedDhtBytes(n int64) { s.downDht += n; s.down.rateAvg.add(n) }

func (s *sessionStat) sentTrackerBytes(n int64)     { s.upTracker += n }
func (s *sessionStat) receivedTrackerBytes(n int64) { s.downTracker += n }

// transceiveIpPacket estimates the header overhead of one IP packet.
func (s *sessionStat) transceiveIpPacket(ipv6 bool) {
	overhead := int64(28)
	if ipv6 {
		overhead = 48
	}
	s.up.ipOverhead += overhead
	s.down.ipOverhead += overhead
}

func (s *sessionStat) secondTick(elapsed time.Duration) {
	_ = elapsed
	s.up.rateAvg.tick()
	s.down.rateAvg.tick()
}

func (s *sessionStat) uploadRate() int64   { return s.up.rateAvg.rate() }
func (s *sessionStat) downloadRate() int64 { return s.down.rateAvg.rate() }

func (s *sessionStat) uploadIpOverhead() int64   { return s.up.ipOverhead }
func (s *sessionStat) downloadIpOverhead() int64 { return s.down.ipOverhead }

// StatsSnapshot is the consumer-visible copy of the counters.
type StatsSnapshot struct {
	UploadPayload    int64
	UploadProtocol   int64
	DownloadPayload  int64
	DownloadProtocol int64
	UploadRate       int64
	DownloadRate     int64
	NumConnections   int
	NumUnchoked      int
	NumTorrents      int
}
