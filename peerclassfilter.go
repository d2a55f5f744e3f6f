package swarm

import (
	"net/netip"
)

// SocketKind distinguishes the transports a peer can arrive over.
type SocketKind int

const (
	SocketTcp SocketKind = iota
	SocketSslTcp
	SocketUtp
	SocketSslUtp
	SocketI2p
	numSocketKinds
)

func (k SocketKind) String() string {
	switch k {
	case SocketTcp:
		return "tcp"
	case SocketSslTcp:
		return "ssl/tcp"
	case SocketUtp:
		return "utp"
	case SocketSslUtp:
		return "ssl/utp"
	case SocketI2p:
		return "i2p"
	}
	return "unknown"
}

func (k SocketKind) ssl() bool { return k == SocketSslTcp || k == SocketSslUtp }
func (k SocketKind) utp() bool { return k == SocketUtp || k == SocketSslUtp }

// PeerClassFilter maps IP ranges to a 32-bit class bitmask. Ranges are kept
// in insertion order; lookups scan them from the newest back. Later inserts
// override earlier ones for the addresses they cover.
type PeerClassFilter struct {
	v4 []classRange
	v6 []classRange
}

type classRange struct {
	first, last netip.Addr
	mask        uint32
}

func (f *PeerClassFilter) AddRule(first, last netip.Addr, mask uint32) {
	r := classRange{first: first, last: last, mask: mask}
	ranges := &f.v4
	if first.Is6() && !first.Is4In6() {
		ranges = &f.v6
	}
	*ranges = append(*ranges, r)
}

// Access returns the class mask for an address, zero when no rule covers it.
// The most recently added covering rule wins.
func (f *PeerClassFilter) Access(addr netip.Addr) uint32 {
	addr = addr.Unmap()
	ranges := f.v4
	if addr.Is6() {
		ranges = f.v6
	}
	var mask uint32
	for i := len(ranges) - 1; i >= 0; i-- {
		r := ranges[i]
		if !addr.Less(r.first) && !r.last.Less(addr) {
			mask = r.mask
			break
		}
	}
	return mask
}

// defaultPeerClassFilter maps v4 private and loopback ranges to the local
// class. No other range gets a rule, so every other address maps to a zero
// mask.
func defaultPeerClassFilter() *PeerClassFilter {
	f := new(PeerClassFilter)
	localMask := uint32(1) << uint(localClassId)
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"127.0.0.0/8",
	} {
		p := netip.MustParsePrefix(cidr)
		f.AddRule(p.Addr(), prefixLast(p), localMask)
	}
	return f
}

func prefixLast(p netip.Prefix) netip.Addr {
	a := p.Addr().As4()
	bits := p.Bits()
	for i := range a {
		hostBits := 8 - max(0, min(8, bits-i*8))
		a[i] |= byte(1<<uint(hostBits)) - 1
	}
	return netip.AddrFrom4(a)
}

// PeerClassTypeFilter refines a class mask by socket kind: per-kind bits can
// be forcibly added or removed.
type PeerClassTypeFilter struct {
	add    [numSocketKinds]uint32
	remove [numSocketKinds]uint32
}

func (f *PeerClassTypeFilter) Add(kind SocketKind, class classId) {
	f.add[kind] |= 1 << uint(class)
}

func (f *PeerClassTypeFilter) Remove(kind SocketKind, class classId) {
	f.remove[kind] |= 1 << uint(class)
}

func (f *PeerClassTypeFilter) Apply(kind SocketKind, mask uint32) uint32 {
	return mask&^f.remove[kind] | f.add[kind]
}

// defaultPeerClassTypeFilter adds the built-in tcp class to plain and SSL
// TCP connections, so the mixed-mode algorithm has a throttle handle on TCP
// peers only.
func defaultPeerClassTypeFilter() *PeerClassTypeFilter {
	f := new(PeerClassTypeFilter)
	f.Add(SocketTcp, tcpClassId)
	f.Add(SocketSslTcp, tcpClassId)
	return f
}

// setPeerClasses computes the filter masks for (addr, kind) and adds each
// referenced live class to the set. Bits naming deleted classes are
// ignored.
func (s *Session) setPeerClasses(set *peerClassSet, addr netip.Addr, kind SocketKind) {
	mask := s.classFilter.Access(addr)
	mask = s.typeFilter.Apply(kind, mask)
	// every peer is in the global class
	mask |= 1 << uint(globalClassId)
	for i := classId(0); mask != 0; mask, i = mask>>1, i+1 {
		if mask&1 == 0 {
			continue
		}
		if s.classes.At(i) == nil {
			continue
		}
		set.Add(i)
	}
}
