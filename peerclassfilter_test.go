package swarm

import (
	"net/netip"
	"testing"

	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
)

func TestDefaultFilterMapsPrivateRangesToLocal(t *testing.T) {
	f := defaultPeerClassFilter()
	localMask := uint32(1) << uint(localClassId)
	for _, addr := range []string{
		"10.1.2.3",
		"172.16.0.1",
		"192.168.1.1",
		"127.0.0.1",
		"169.254.10.10",
	} {
		qt.Check(t, qt.Equals(f.Access(netip.MustParseAddr(addr)), localMask), qt.Commentf("%s", addr))
	}
	qt.Check(t, qt.Equals(f.Access(netip.MustParseAddr("8.8.8.8")), uint32(0)))
	qt.Check(t, qt.Equals(f.Access(netip.MustParseAddr("172.32.0.1")), uint32(0)))
}

func TestTypeFilterAddRemove(t *testing.T) {
	var f PeerClassTypeFilter
	f.Add(SocketTcp, classId(5))
	f.Remove(SocketUtp, classId(3))

	assert.Equal(t, uint32(1<<5), f.Apply(SocketTcp, 0))
	assert.Equal(t, uint32(0), f.Apply(SocketUtp, 1<<3))
	// untouched kinds pass the mask through
	assert.Equal(t, uint32(1<<3), f.Apply(SocketSslUtp, 1<<3))
}

// Invariant 5: the computed class set is exactly the live classes of
// typeFilter.apply(kind, ipFilter.access(addr)), plus the global class,
// which every peer belongs to.
func TestSetPeerClasses(t *testing.T) {
	s := newSession(DefaultSettings())

	var pcs peerClassSet
	s.setPeerClasses(&pcs, netip.MustParseAddr("192.168.0.10"), SocketTcp)
	assert.True(t, pcs.Has(globalClassId))
	assert.True(t, pcs.Has(tcpClassId))
	assert.True(t, pcs.Has(localClassId))

	var remote peerClassSet
	s.setPeerClasses(&remote, netip.MustParseAddr("8.8.8.8"), SocketUtp)
	assert.True(t, remote.Has(globalClassId))
	assert.False(t, remote.Has(tcpClassId))
	assert.False(t, remote.Has(localClassId))
}

func TestSetPeerClassesIgnoresDeletedClass(t *testing.T) {
	s := newSession(DefaultSettings())
	id := s.classes.New("vip")
	s.classFilter.AddRule(
		netip.MustParseAddr("203.0.113.0"),
		netip.MustParseAddr("203.0.113.255"),
		1<<uint(id),
	)
	s.classes.DecRef(id)

	var pcs peerClassSet
	s.setPeerClasses(&pcs, netip.MustParseAddr("203.0.113.5"), SocketTcp)
	// the stale bit is skipped, not an error
	assert.False(t, pcs.Has(id))
	assert.True(t, pcs.Has(globalClassId))
}

func TestPeerClassRefcounting(t *testing.T) {
	r := newPeerClasses()
	id := r.New("test")
	r.IncRef(id)
	r.DecRef(id)
	assert.NotNil(t, r.At(id))
	r.DecRef(id)
	assert.Nil(t, r.At(id))

	// the slot is reused
	id2 := r.New("test2")
	assert.Equal(t, id, id2)
}

func TestConnectionLimitFactorTakesLargest(t *testing.T) {
	r := newPeerClasses()
	a := r.New("a")
	b := r.New("b")
	r.At(a).ConnectionLimitFactor = 50
	r.At(b).ConnectionLimitFactor = 150

	var set peerClassSet
	set.Add(a)
	set.Add(b)
	assert.Equal(t, 150, r.connectionLimitFactor(&set))

	var empty peerClassSet
	assert.Equal(t, 100, r.connectionLimitFactor(&empty))
}
