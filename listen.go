package swarm

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/anacrolix/missinggo/v2"
	"github.com/anacrolix/utp"
)

// listenInterface is one parsed entry of the listen_interfaces setting.
type listenInterface struct {
	Device string
	Port   int
}

func parseListenInterfaces(spec string, defaultPort int) (ret []listenInterface, err error) {
	for _, entry := range splitCommaList(spec) {
		host, port, err := missinggo.ParseHostPort(entry)
		if err != nil {
			return nil, fmt.Errorf("parsing listen interface %q: %w", entry, err)
		}
		if port == 0 {
			port = defaultPort
		}
		ret = append(ret, listenInterface{Device: host, Port: port})
	}
	return
}

func sameListenInterfaces(a, b []listenInterface) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// listenSocket is one open acceptor.
type listenSocket struct {
	device       string
	ssl          bool
	v6           bool
	ln           net.Listener
	localPort    int
	externalPort int
}

func (l *listenSocket) kind() SocketKind {
	if l.ssl {
		return SocketSslTcp
	}
	return SocketTcp
}

// setupListener opens one TCP acceptor for (device, family), retrying on
// successive ports within the shared retry budget, and finally on a
// system-chosen port when the fallback is allowed.
func (s *Session) setupListener(device string, v6 bool, port int, retries *int, ssl bool) (*listenSocket, error) {
	network := "tcp4"
	if v6 {
		network = "tcp6"
	}
	kind := SocketTcp
	if ssl {
		kind = SocketSslTcp
	}

	listenOnce := func(port int) (net.Listener, error) {
		return net.Listen(network, net.JoinHostPort(device, strconv.Itoa(port)))
	}

	ln, err := listenOnce(port)
	for err != nil && *retries > 0 {
		s.logger.Levelf(logDebug, "failed to bind %s [%s]:%d: %v", network, device, port, err)
		*retries--
		port++
		ln, err = listenOnce(port)
	}
	if err != nil && s.settings.ListenSystemPortFallback {
		// instead of giving up, let the OS pick a port
		ln, err = listenOnce(0)
	}
	if err != nil {
		s.alerts.Post(ListenFailedAlert{Device: device, Op: ListenOpBind, Err: err, Kind: kind})
		return nil, err
	}

	boundPort := ln.Addr().(*net.TCPAddr).Port
	ls := &listenSocket{
		device:       device,
		ssl:          ssl,
		v6:           v6,
		ln:           ln,
		localPort:    boundPort,
		externalPort: boundPort,
	}
	if addr, err := addrPortFromNetAddr(ln.Addr()); err == nil {
		s.alerts.Post(ListenSucceededAlert{Addr: addr, Kind: kind})
	}
	return ls, nil
}

var errNoListenSockets = errors.New("no listen sockets")

// openListenSockets (re)runs the whole listen sequence: one TCP acceptor
// per (interface, family), an SSL acceptor per interface when an SSL port
// is configured, then the shared UDP socket bound to the first TCP port.
// Listen failures on one interface don't abort the others.
func (s *Session) openListenSockets() error {
	s.closeListenSockets()
	if s.abortFlag || s.settings.AnonymousMode && s.settings.ForceProxy {
		return nil
	}

	retries := s.settings.MaxRetryPortBind
	ifaces := s.listenInterfaces
	if len(ifaces) == 0 {
		// the default pair: a v4 wildcard acceptor and a v6 loopback one
		ifaces = []listenInterface{
			{Device: "0.0.0.0", Port: s.settings.ListenPort},
			{Device: "::1", Port: s.settings.ListenPort},
		}
	}

	port := 0
	for _, iface := range ifaces {
		addr, addrErr := netip.ParseAddr(iface.Device)
		for _, v6 := range []bool{false, true} {
			if addrErr == nil && addr.Is4() == v6 {
				continue
			}
			wantPort := iface.Port
			if port != 0 {
				// subsequent sockets bind the port the first one got
				wantPort = port
			}
			ls, err := s.setupListener(iface.Device, v6, wantPort, &retries, false)
			if err != nil {
				continue
			}
			if port == 0 {
				port = ls.localPort
			}
			s.listenSockets = append(s.listenSockets, ls)
			go s.acceptLoop(ls.ln, ls.kind())

			if s.settings.SslListenPort != 0 {
				sslRetries := 10
				sls, err := s.setupListener(iface.Device, v6, s.settings.SslListenPort, &sslRetries, true)
				if err != nil {
					continue
				}
				s.listenSockets = append(s.listenSockets, sls)
				go s.acceptLoop(sls.ln, sls.kind())
			}
		}
	}

	if len(s.listenSockets) == 0 {
		return errNoListenSockets
	}

	if err := s.openUdpSocket(ifaces[0].Device, port); err != nil {
		s.alerts.Post(ListenFailedAlert{
			Device: ifaces[0].Device,
			Op:     ListenOpBind,
			Err:    err,
			Kind:   SocketUtp,
		})
	}

	s.remapPorts()
	return nil
}

// openUdpSocket binds the shared uTP/DHT socket to the first TCP port. The
// uTP socket doubles as a packet conn: non-uTP datagrams surface through
// ReadFrom and feed the DHT.
func (s *Session) openUdpSocket(device string, port int) error {
	network := "udp4"
	if addr, err := netip.ParseAddr(device); err == nil && addr.Is6() {
		network = "udp6"
	}
	if device == "0.0.0.0" || device == "::" {
		device = ""
	}
	us, err := utp.NewSocket(network, net.JoinHostPort(device, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	s.utpSocket = us
	s.externalUdpPort = port
	if addr, err := addrPortFromNetAddr(us.Addr()); err == nil {
		s.alerts.Post(ListenSucceededAlert{Addr: addr, Kind: SocketUtp})
	}
	go s.acceptLoop(us, SocketUtp)
	go s.udpReadLoop(us)
	return nil
}

// udpReadLoop pumps non-uTP datagrams (DHT traffic) off the shared socket.
func (s *Session) udpReadLoop(pc net.PacketConn) {
	buf := make([]byte, 4096)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if s.closed.IsSet() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.alerts.Post(UdpErrorAlert{Err: err})
			continue
		}
		fromAddr, err := addrPortFromNetAddr(from)
		if err != nil {
			continue
		}
		b := append([]byte(nil), buf[:n]...)
		s.post(func() { s.handleUdpPacket(b, fromAddr) })
	}
}

func (s *Session) closeListenSockets() {
	for _, ls := range s.listenSockets {
		ls.ln.Close()
	}
	s.listenSockets = nil
	s.incomingConnectionSeen = false
	if s.utpSocket != nil {
		s.utpSocket.Close()
		s.utpSocket = nil
	}
}

// applyListenSettings re-parses the interface list and reopens the sockets
// when anything changed. Port-mapping follows the new local port.
func (s *Session) applyListenSettings() error {
	ifaces, err := parseListenInterfaces(s.settings.ListenInterfaces, s.settings.ListenPort)
	if err != nil {
		return err
	}
	if sameListenInterfaces(ifaces, s.listenInterfaces) && len(s.listenSockets) > 0 {
		return nil
	}
	s.listenInterfaces = ifaces
	return s.openListenSockets()
}

// ListenPort reports the first listen socket's external port, or zero when
// proxying is forced or nothing is open.
func (s *Session) ListenPort() int {
	if s.settings.ForceProxy {
		return 0
	}
	for _, ls := range s.listenSockets {
		if !ls.ssl {
			return ls.externalPort
		}
	}
	return 0
}

// SslListenPort reports the external port of the first SSL acceptor.
func (s *Session) SslListenPort() int {
	if s.settings.ForceProxy {
		return 0
	}
	for _, ls := range s.listenSockets {
		if ls.ssl {
			return ls.externalPort
		}
	}
	return 0
}
