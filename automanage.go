package swarm

import "sort"

// autoManageLimits is the shared countdown state threaded through the
// per-list passes: the announce sub-limits and the hard cap span all lists.
type autoManageLimits struct {
	checking int
	dht      int
	tracker  int
	lsd      int
	hard     int
}

// autoManageTorrents walks one list of auto-managed torrents, consuming
// from the shared limits and the list's own type limit. Torrents that fall
// outside the budget are paused gracefully.
func (s *Session) autoManageTorrents(list []*Torrent, limits *autoManageLimits, typeLimit int) {
	for _, t := range list {
		if t.State() == StateChecking {
			if limits.checking <= 0 {
				t.pause()
			} else {
				t.resume()
				t.startChecking()
				limits.checking--
			}
			continue
		}

		limits.dht--
		limits.lsd--
		limits.tracker--
		t.setAnnounceToDht(limits.dht >= 0)
		t.setAnnounceToTrackers(limits.tracker >= 0)
		t.setAnnounceToLsd(limits.lsd >= 0)

		// slow torrents hold a hard-limit slot but don't count against
		// their type limit, and keep whatever allow-peers state they have
		if !t.IsPaused() && !t.isActive(s.settings) && limits.hard > 0 {
			limits.hard--
			continue
		}

		if typeLimit > 0 && limits.hard > 0 {
			limits.hard--
			typeLimit--
			t.setAllowPeers(true, false)
		} else {
			t.setAllowPeers(false, true)
		}
	}
}

// recalculateAutoManagedTorrents is the periodic auto-manager pass: it
// partitions auto-managed torrents, sorts each partition, and hands out the
// active/announce budgets in queue order.
func (s *Session) recalculateAutoManagedTorrents() {
	s.needAutoManage = false
	if s.paused {
		return
	}

	var checking, downloaders, seeds []*Torrent

	limits := autoManageLimits{
		checking: 1,
		dht:      unlimitedCap(s.settings.ActiveDhtLimit),
		tracker:  unlimitedCap(s.settings.ActiveTrackerLimit),
		lsd:      unlimitedCap(s.settings.ActiveLsdLimit),
		hard:     unlimitedCap(s.settings.ActiveLimit),
	}
	numDownloaders := unlimitedCap(s.settings.ActiveDownloads)
	numSeeds := unlimitedCap(s.settings.ActiveSeeds)

	for _, t := range s.torrents.byHash {
		if t.IsAutoManaged() && !t.HasError() {
			if t.State() == StateChecking {
				checking = append(checking, t)
				continue
			}
			if t.IsFinished() {
				seeds = append(seeds, t)
			} else {
				downloaders = append(downloaders, t)
			}
		} else if !t.IsPaused() {
			// non-auto-managed but running torrents still occupy slots
			if t.State() == StateChecking {
				if limits.checking > 0 {
					limits.checking--
				}
				continue
			}
			limits.hard--
		}
	}

	sort.Slice(checking, func(i, j int) bool {
		return checking[i].sequenceNumber() < checking[j].sequenceNumber()
	})
	sort.Slice(downloaders, func(i, j int) bool {
		return downloaders[i].sequenceNumber() < downloaders[j].sequenceNumber()
	})
	sort.Slice(seeds, func(i, j int) bool {
		return seeds[i].SeedRank(s.settings) > seeds[j].SeedRank(s.settings)
	})

	s.autoManageTorrents(checking, &limits, limits.checking)

	if s.settings.AutoManagePreferSeeds {
		s.autoManageTorrents(seeds, &limits, numSeeds)
		s.autoManageTorrents(downloaders, &limits, numDownloaders)
	} else {
		s.autoManageTorrents(downloaders, &limits, numDownloaders)
		s.autoManageTorrents(seeds, &limits, numSeeds)
	}
}

// triggerAutoManage requests a pass at the next per-second tick instead of
// waiting for the interval scaler to run out.
func (s *Session) triggerAutoManage() {
	s.needAutoManage = true
	s.autoManageTimeScaler = 0
}
