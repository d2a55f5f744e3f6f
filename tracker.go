package swarm

import "net/netip"

// TrackerRequest is handed to the tracker manager (an external
// collaborator). The session fills in the listen port, the session key and
// the bind address before enqueueing.
type TrackerRequest struct {
	InfoHash InfoHash
	Event    string

	// Zero under force_proxy or when no listen socket is open; the SSL
	// port for SSL torrents.
	ListenPort int

	// Session-wide 32-bit key, unless overridden per request.
	Key uint32

	BindIp netip.Addr
	Ssl    bool
	Login  string
}

// queueTrackerRequest completes the request with session state and hands it
// to the configured tracker manager.
func (s *Session) queueTrackerRequest(req TrackerRequest) {
	if req.Key == 0 {
		req.Key = s.key
	}
	if req.Ssl {
		req.ListenPort = s.SslListenPort()
	} else {
		req.ListenPort = s.ListenPort()
	}
	if !req.BindIp.IsValid() {
		req.BindIp = s.bindAddr()
	}
	if s.settings.TrackerFunc != nil {
		s.settings.TrackerFunc(req)
	}
}

// bindAddr is the local address trackers should use for their own sockets.
func (s *Session) bindAddr() netip.Addr {
	for _, ls := range s.listenSockets {
		if addr, err := netip.ParseAddr(ls.device); err == nil && !addr.IsUnspecified() {
			return addr
		}
	}
	return netip.Addr{}
}

// SetKey overrides the session key reported to trackers.
func (s *Session) SetKey(key uint32) {
	s.sync(func() { s.key = key })
}
