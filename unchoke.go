package swarm

import (
	"sort"

	"github.com/anacrolix/multiless"
)

// unchokeCompare orders unchoke candidates: faster downloaders first, then
// the peers we've uploaded the least to (matters when seeding, where
// download rates are all zero).
func unchokeCompare(l, r *PeerConn) bool {
	return multiless.New().CmpInt64(
		r.downloadedInLastRound() - l.downloadedInLastRound()).CmpInt64(
		l.payloadUp - r.payloadUp,
	).Less()
}

// uploadRateCompare orders by what we sent each peer in the last round,
// descending; the rate-based choker walks this to count slots.
func uploadRateCompare(l, r *PeerConn) bool {
	return l.uploadedInLastRound() > r.uploadedInLastRound()
}

// bittyrantUnchokeCompare orders by return on investment: download rate per
// byte of estimated reciprocation cost.
func bittyrantUnchokeCompare(l, r *PeerConn) bool {
	lRoi := l.downloadedInLastRound() * 1000 / int64(l.EstReciprocationRate())
	rRoi := r.downloadedInLastRound() * 1000 / int64(r.EstReciprocationRate())
	return multiless.New().CmpInt64(
		rRoi - lRoi).CmpInt64(
		l.payloadUp - r.payloadUp,
	).Less()
}

// recalculateUnchokeSlots runs the selected choking algorithm over the
// connection set and rewrites the unchoked set.
func (s *Session) recalculateUnchokeSlots() {
	settings := s.settings

	// build the list of unchokable peers
	var peers []*PeerConn
	for c := range s.conns {
		t := c.Torrent()
		if c.IgnoreUnchokeSlots() || t == nil || c.webSeed || t.IsPaused() {
			continue
		}

		if settings.ChokingAlgorithm == BittyrantChoker {
			if !c.IsChoked() && c.IsInteresting() {
				if !c.HasPeerChoked() {
					c.decreaseEstReciprocationRate()
				} else {
					c.increaseEstReciprocationRate()
				}
			}
		}

		if !c.IsPeerInterested() || c.IsDisconnecting() || c.IsConnecting() {
			// not unchokable; if it's currently unchoked, re-choke it
			if c.IsChoked() {
				continue
			}
			if c.optimisticallyUnchoked {
				c.optimisticallyUnchoked = false
				// force a new optimistic rotation
				s.optimisticUnchokeTimeScaler = 0
			}
			t.chokePeer(c)
			continue
		}
		if !t.freeUploadSlots() || !t.validMetadata() {
			continue
		}
		peers = append(peers, c)
	}

	if settings.ChokingAlgorithm == RateBasedChoker {
		s.allowedUploadSlots = 0
		sort.SliceStable(peers, func(i, j int) bool { return uploadRateCompare(peers[i], peers[j]) })

		rateThreshold := int64(1024)
		for _, c := range peers {
			rate := c.uploadedInLastRound()
			if rate < rateThreshold {
				break
			}
			s.allowedUploadSlots++
			rateThreshold += 1024
		}
		// one optimistic slot on top
		s.allowedUploadSlots++
	}

	if settings.ChokingAlgorithm == BittyrantChoker {
		sort.SliceStable(peers, func(i, j int) bool { return bittyrantUnchokeCompare(peers[i], peers[j]) })
	} else {
		sort.SliceStable(peers, func(i, j int) bool { return unchokeCompare(peers[i], peers[j]) })
	}

	// auto-expand: grow the slot count while upload capacity goes unused,
	// shrink it while the send queue backs up
	uploadLimit := s.classes.At(globalClassId).Channel[uploadChannel].Throttle()
	if settings.ChokingAlgorithm == AutoExpandChoker && uploadLimit > 0 {
		if s.stat.uploadRate() < uploadLimit*9/10 &&
			s.allowedUploadSlots <= s.numUnchoked+1 &&
			s.uploadRateMgr.QueueSize() < 2 {
			s.allowedUploadSlots++
		} else if s.uploadRateMgr.QueueSize() > 1 &&
			s.allowedUploadSlots > settings.UnchokeSlotsLimit &&
			settings.UnchokeSlotsLimit >= 0 {
			s.allowedUploadSlots--
		}
	}

	numOptUnchoke := settings.NumOptimisticUnchokeSlots
	if numOptUnchoke == 0 {
		numOptUnchoke = max(1, s.allowedUploadSlots/5)
	}

	// reserve slots for optimistic unchokes
	unchokeSetSize := s.allowedUploadSlots - numOptUnchoke

	uploadCapacityLeft := 0
	if settings.ChokingAlgorithm == BittyrantChoker {
		uploadCapacityLeft = int(uploadLimit)
		if uploadCapacityLeft == 0 {
			// no known upload ceiling; assume the measured peak plus
			// headroom, or 20 kB/s
			uploadCapacityLeft = max(20000, s.peakUpRate+10000)
			if !s.warnedBittyrantNoLimit {
				s.warnedBittyrantNoLimit = true
				s.alerts.Post(PerformanceAlert{Warning: WarningBittyrantNoUploadLimit})
			}
		}
	}

	s.numUnchoked = 0
	for _, c := range peers {
		c.resetChokeCounters()
		t := c.Torrent()

		var unchoke bool
		if settings.ChokingAlgorithm == BittyrantChoker {
			unchoke = c.EstReciprocationRate() <= uploadCapacityLeft
		} else {
			unchoke = unchokeSetSize > 0
		}

		if unchoke {
			uploadCapacityLeft -= c.EstReciprocationRate()

			if c.IsChoked() {
				if !t.unchokePeer(c, false) {
					continue
				}
			}

			unchokeSetSize--
			s.numUnchoked++

			if c.optimisticallyUnchoked {
				// promoted into the proper set; force a new optimistic
				// rotation
				s.optimisticUnchokeTimeScaler = 0
				c.optimisticallyUnchoked = false
			}
		} else {
			if !c.IsChoked() && !c.optimisticallyUnchoked {
				t.chokePeer(c)
			}
			if !c.IsChoked() {
				s.numUnchoked++
			}
		}
	}
}

// recalculateOptimisticUnchokeSlots rotates the optimistic unchoke set
// toward the peers that have waited longest for a chance.
func (s *Session) recalculateOptimisticUnchokeSlots() {
	if s.allowedUploadSlots == 0 {
		return
	}

	var optUnchoke []*PeerConn

	for c := range s.conns {
		if c.webSeed {
			continue
		}
		t := c.Torrent()
		if t == nil || t.IsPaused() {
			continue
		}

		if c.optimisticallyUnchoked {
			optUnchoke = append(optUnchoke, c)
		} else if !c.IsConnecting() &&
			!c.IsDisconnecting() &&
			c.IsPeerInterested() &&
			t.freeUploadSlots() &&
			c.IsChoked() &&
			!c.IgnoreUnchokeSlots() &&
			t.validMetadata() {
			optUnchoke = append(optUnchoke, c)
		}
	}

	// shuffle to avoid a bias toward peers that happen to iterate first,
	// then prefer whoever has waited longest
	s.rng.Shuffle(len(optUnchoke), func(i, j int) {
		optUnchoke[i], optUnchoke[j] = optUnchoke[j], optUnchoke[i]
	})
	sort.SliceStable(optUnchoke, func(i, j int) bool {
		return optUnchoke[i].lastOptimisticallyUnchoked < optUnchoke[j].lastOptimisticallyUnchoked
	})

	numOptUnchoke := s.settings.NumOptimisticUnchokeSlots
	if numOptUnchoke == 0 {
		numOptUnchoke = max(1, s.allowedUploadSlots/5)
	}

	for _, c := range optUnchoke {
		if numOptUnchoke > 0 {
			numOptUnchoke--
			if !c.optimisticallyUnchoked {
				t := c.Torrent()
				if t.unchokePeer(c, true) {
					c.optimisticallyUnchoked = true
					s.numUnchoked++
					c.lastOptimisticallyUnchoked = s.clock.sessionTime()
				} else {
					// failed; give the slot to the next candidate
					numOptUnchoke++
				}
			}
		} else if c.optimisticallyUnchoked {
			t := c.Torrent()
			c.optimisticallyUnchoked = false
			t.chokePeer(c)
			s.numUnchoked--
		}
	}
}
