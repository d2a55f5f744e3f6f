package swarm

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/anacrolix/generics"
	"github.com/anacrolix/upnp"
	natpmp "github.com/jackpal/go-nat-pmp"
)

const (
	natIdxPmp = iota
	natIdxUpnp
	numNatTransports
)

const (
	mapProtoTcp = iota
	mapProtoUdp
	numMapProtos
)

// portMapping is the reconciler's record of one forwarded port.
type portMapping struct {
	active       bool
	localPort    int
	externalPort int
}

// portMapper reconciles the session's listen ports with NAT-PMP and UPnP.
// Discovery and mapping calls run off the scheduler; results post back.
type portMapper struct {
	session *Session

	natpmp      *natpmp.Client
	upnpDevices []upnp.Device

	// one slot per (transport, protocol)
	mappings [numNatTransports][numMapProtos]portMapping
}

func newPortMapper(s *Session) *portMapper {
	m := &portMapper{session: s}
	if gw := s.settings.NatPmpGateway; gw != nil {
		m.natpmp = natpmp.NewClient(gw)
	}
	return m
}

// discover finds UPnP devices in the background. Mapping requests made
// before discovery completes are replayed via remapPorts once it does.
func (m *portMapper) discover() {
	s := m.session
	go func() {
		ds := upnp.Discover(0, 2*time.Second, s.logger.WithContextText("upnp-discover"))
		s.post(func() {
			m.upnpDevices = ds
			// nothing was mapped over UPnP before discovery; clear the
			// bookkeeping so the replay below issues the requests
			m.mappings[natIdxUpnp] = [numMapProtos]portMapping{}
			s.alerts.Post(PortmapLogAlert{
				Transport: TransportUpnp,
				Msg:       fmt.Sprintf("discovered %d upnp devices", len(ds)),
			})
			s.remapPorts()
		})
	}()
}

func protoName(proto int) string {
	if proto == mapProtoTcp {
		return "tcp"
	}
	return "udp"
}

// remap forwards (localPort → externalPort) on one transport/protocol pair.
// An identical existing mapping is left alone; a differing one is deleted
// and re-created.
func (m *portMapper) remap(transport, proto, localPort, externalPort int) {
	if localPort == 0 {
		return
	}
	cur := &m.mappings[transport][proto]
	if cur.active && cur.localPort == localPort && cur.externalPort == externalPort {
		return
	}
	old := *cur
	*cur = portMapping{active: true, localPort: localPort, externalPort: externalPort}
	switch transport {
	case natIdxPmp:
		if m.natpmp == nil {
			return
		}
		go m.natpmpRemap(proto, old, localPort, externalPort)
	case natIdxUpnp:
		if len(m.upnpDevices) == 0 {
			return
		}
		go m.upnpRemap(proto, old, localPort, externalPort)
	}
}

func (m *portMapper) natpmpRemap(proto int, old portMapping, localPort, externalPort int) {
	s := m.session
	name := protoName(proto)
	if old.active {
		// a zero lifetime deletes the old mapping
		m.natpmp.AddPortMapping(name, old.localPort, 0, 0)
	}
	res, err := m.natpmp.AddPortMapping(name, localPort, externalPort, 3600)
	if err != nil {
		s.alerts.Post(PortmapErrorAlert{Transport: TransportNatPmp, Protocol: name, Err: err})
		return
	}
	mapped := int(res.MappedExternalPort)
	extRes, extErr := m.natpmp.GetExternalAddress()
	s.post(func() {
		m.mappings[natIdxPmp][proto].externalPort = mapped
		s.onPortMapped(TransportNatPmp, proto, mapped)
		if extErr == nil {
			addr := netip.AddrFrom4(extRes.ExternalIPAddress)
			s.onExternalAddress(addr)
		}
	})
}

func (m *portMapper) upnpRemap(proto int, old portMapping, localPort, externalPort int) {
	s := m.session
	name := protoName(proto)
	upnpProto := upnp.TCP
	if proto == mapProtoUdp {
		upnpProto = upnp.UDP
	}
	for _, d := range m.upnpDevices {
		if old.active && old.externalPort != externalPort {
			d.DeletePortMapping(upnpProto, old.externalPort)
		}
		got, err := d.AddPortMapping(upnpProto, localPort, externalPort, s.settings.UpnpID, 0)
		if err != nil {
			s.alerts.Post(PortmapErrorAlert{Transport: TransportUpnp, Protocol: name, Err: err})
			continue
		}
		s.post(func() {
			m.mappings[natIdxUpnp][proto].externalPort = got
			s.onPortMapped(TransportUpnp, proto, got)
		})
	}
}

// remapPorts pushes the current listen ports into every mapping slot.
func (s *Session) remapPorts() {
	if s.portMapper == nil || s.settings.NoPortForwarding {
		return
	}
	tcpPort := 0
	for _, ls := range s.listenSockets {
		if !ls.ssl {
			tcpPort = ls.localPort
			break
		}
	}
	if tcpPort != 0 {
		s.portMapper.remap(natIdxPmp, mapProtoTcp, tcpPort, tcpPort)
		s.portMapper.remap(natIdxUpnp, mapProtoTcp, tcpPort, tcpPort)
	}
	if s.utpSocket != nil {
		s.portMapper.remap(natIdxPmp, mapProtoUdp, s.externalUdpPort, s.externalUdpPort)
		s.portMapper.remap(natIdxUpnp, mapProtoUdp, s.externalUdpPort, s.externalUdpPort)
	}
}

// onPortMapped records a successful mapping. TCP results update the
// externally visible listen port; UDP results update the port reported to
// the DHT.
func (s *Session) onPortMapped(transport PortmapTransport, proto, externalPort int) {
	name := protoName(proto)
	s.alerts.Post(PortmapAlert{Transport: transport, Protocol: name, ExternalPort: externalPort})
	if proto == mapProtoTcp {
		for _, ls := range s.listenSockets {
			if !ls.ssl {
				ls.externalPort = externalPort
				break
			}
		}
	} else {
		s.externalUdpPort = externalPort
	}
}

func (s *Session) onExternalAddress(addr netip.Addr) {
	if s.externalAddr.Ok && s.externalAddr.Value == addr {
		return
	}
	s.externalAddr = generics.Some(addr)
	s.alerts.Post(ExternalIpAlert{Addr: addr})
}
