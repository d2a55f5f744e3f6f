package swarm

// A classId indexes the session's peer-class registry. Built-ins are
// allocated first at session construction, so the zero value names the
// global class.
type classId uint32

// PeerClass is a named bucket of peers sharing bandwidth channels, an
// unchoke exemption and a connection-limit weight.
type PeerClass struct {
	Name    string
	Channel [numChannels]bandwidthChannel

	// Peers in this class don't consume from the global unchoke budget.
	// Set on the built-in local class.
	IgnoreUnchokeSlots bool

	// Percentage weight applied to connections_limit for peers in this
	// class: effective limit = limit * 100 / factor.
	ConnectionLimitFactor int

	refs int
}

// peerClasses is the registry. Slots are reused after deletion; a slot is
// live while its refcount is positive. Filter bitmasks referencing dead
// slots are ignored, not errors.
type peerClasses struct {
	classes []*PeerClass
	free    []classId
}

const (
	// Built-in classes, allocated in this order by newPeerClasses.
	globalClassId classId = iota
	tcpClassId
	localClassId
)

func newPeerClasses() *peerClasses {
	pc := &peerClasses{}
	pc.New("global")
	pc.New("tcp")
	local := pc.New("local")
	pc.At(local).IgnoreUnchokeSlots = true
	return pc
}

func (r *peerClasses) New(name string) classId {
	c := &PeerClass{
		Name:                  name,
		ConnectionLimitFactor: 100,
		refs:                  1,
	}
	if n := len(r.free); n > 0 {
		id := r.free[n-1]
		r.free = r.free[:n-1]
		r.classes[id] = c
		return id
	}
	r.classes = append(r.classes, c)
	return classId(len(r.classes) - 1)
}

// At returns nil for deleted or out-of-range ids.
func (r *peerClasses) At(id classId) *PeerClass {
	if int(id) >= len(r.classes) {
		return nil
	}
	return r.classes[id]
}

func (r *peerClasses) IncRef(id classId) {
	if c := r.At(id); c != nil {
		c.refs++
	}
}

// DecRef frees the slot when the last reference goes away.
func (r *peerClasses) DecRef(id classId) {
	c := r.At(id)
	if c == nil {
		return
	}
	c.refs--
	if c.refs > 0 {
		return
	}
	r.classes[id] = nil
	r.free = append(r.free, id)
}

// peerClassSet is the small ordered set of classes a peer belongs to.
type peerClassSet struct {
	classes []classId
}

func (s *peerClassSet) Add(id classId) {
	for _, have := range s.classes {
		if have == id {
			return
		}
	}
	s.classes = append(s.classes, id)
}

func (s *peerClassSet) Has(id classId) bool {
	for _, have := range s.classes {
		if have == id {
			return true
		}
	}
	return false
}

func (s *peerClassSet) Len() int { return len(s.classes) }

// ignoreUnchokeSlots reports whether any class in the set exempts the peer
// from the unchoke budget.
func (r *peerClasses) ignoreUnchokeSlots(set *peerClassSet) bool {
	for _, id := range set.classes {
		if pc := r.At(id); pc != nil && pc.IgnoreUnchokeSlots {
			return true
		}
	}
	return false
}

// connectionLimitFactor returns the largest factor among the set's classes,
// defaulting to 100 when the set is empty or all factors are unset.
func (r *peerClasses) connectionLimitFactor(set *peerClassSet) int {
	factor := 0
	for _, id := range set.classes {
		pc := r.At(id)
		if pc == nil {
			continue
		}
		if pc.ConnectionLimitFactor > factor {
			factor = pc.ConnectionLimitFactor
		}
	}
	if factor == 0 {
		factor = 100
	}
	return factor
}
