package swarm

// torrentRegistry maps info-hashes to torrents, with secondary indices for
// the obfuscated-handshake hash and an optional user-supplied UUID, and the
// loaded-torrents LRU.
//
// The LRU is an intrusive doubly-linked list threaded through the torrents'
// lruPrev/lruNext fields; its front is the next torrent to be evicted.
// Pinned torrents are never members.
type torrentRegistry struct {
	byHash       map[InfoHash]*Torrent
	byObfuscated map[InfoHash]*Torrent
	byUuid       map[string]*Torrent

	lruFront, lruBack *Torrent
	lruLen            int
}

func newTorrentRegistry() *torrentRegistry {
	return &torrentRegistry{
		byHash:       make(map[InfoHash]*Torrent),
		byObfuscated: make(map[InfoHash]*Torrent),
		byUuid:       make(map[string]*Torrent),
	}
}

func (r *torrentRegistry) Len() int { return len(r.byHash) }

func (r *torrentRegistry) Insert(t *Torrent) {
	r.byHash[t.infoHash] = t
	r.byObfuscated[obfuscatedHash(t.infoHash)] = t
	if t.uuid != "" {
		r.byUuid[t.uuid] = t
	}
}

func (r *torrentRegistry) Remove(t *Torrent) {
	delete(r.byHash, t.infoHash)
	delete(r.byObfuscated, obfuscatedHash(t.infoHash))
	if t.uuid != "" {
		delete(r.byUuid, t.uuid)
	}
	r.lruErase(t)
}

func (r *torrentRegistry) ByHash(ih InfoHash) *Torrent       { return r.byHash[ih] }
func (r *torrentRegistry) ByObfuscated(ih InfoHash) *Torrent { return r.byObfuscated[ih] }
func (r *torrentRegistry) ByUuid(uuid string) *Torrent       { return r.byUuid[uuid] }

func (r *torrentRegistry) lruContains(t *Torrent) bool {
	return t.lruPrev != nil || t.lruNext != nil || r.lruFront == t
}

func (r *torrentRegistry) lruErase(t *Torrent) {
	if !r.lruContains(t) {
		return
	}
	if t.lruPrev != nil {
		t.lruPrev.lruNext = t.lruNext
	} else {
		r.lruFront = t.lruNext
	}
	if t.lruNext != nil {
		t.lruNext.lruPrev = t.lruPrev
	} else {
		r.lruBack = t.lruPrev
	}
	t.lruPrev = nil
	t.lruNext = nil
	r.lruLen--
}

func (r *torrentRegistry) lruPushBack(t *Torrent) {
	t.lruPrev = r.lruBack
	t.lruNext = nil
	if r.lruBack != nil {
		r.lruBack.lruNext = t
	} else {
		r.lruFront = t
	}
	r.lruBack = t
	r.lruLen++
}

func (r *torrentRegistry) lruPushFront(t *Torrent) {
	t.lruNext = r.lruFront
	t.lruPrev = nil
	if r.lruFront != nil {
		r.lruFront.lruPrev = t
	} else {
		r.lruBack = t
	}
	r.lruFront = t
	r.lruLen++
}

// bumpTorrent marks t most recently used (back=true, the default) or first
// in line for eviction (back=false, used when a torrent pauses and gives up
// its slot). Entering the LRU for the first time may evict others.
func (s *Session) bumpTorrent(t *Torrent, back bool) {
	if t.IsAborted() {
		return
	}
	r := s.torrents
	newTorrent := !r.lruContains(t)
	if !newTorrent {
		r.lruErase(t)
	}

	// pinned torrents are not subject to eviction and stay out of the LRU
	if t.IsPinned() {
		return
	}

	if back {
		r.lruPushBack(t)
	} else {
		r.lruPushFront(t)
	}

	if newTorrent {
		s.evictTorrentsExcept(t)
	}
}

// evictTorrent unloads t if the LRU is over budget, otherwise just moves it
// to the front so it's the next to go.
func (s *Session) evictTorrent(t *Torrent) {
	if s.settings.LoadTorrent == nil {
		return
	}
	if !t.IsLoaded() {
		return
	}
	loadedLimit := s.settings.ActiveLoadedLimit
	// 0 means unlimited, never evict anything
	if loadedLimit == 0 {
		return
	}
	if s.torrents.lruLen > loadedLimit {
		t.unload()
		s.torrents.lruErase(t)
		return
	}
	s.bumpTorrent(t, false)
}

// evictTorrentsExcept pops front-of-LRU torrents until the loaded count is
// within budget, never touching ignore.
func (s *Session) evictTorrentsExcept(ignore *Torrent) {
	if s.settings.LoadTorrent == nil {
		return
	}
	loadedLimit := s.settings.ActiveLoadedLimit
	// 0 means unlimited, never evict anything
	if loadedLimit == 0 {
		return
	}
	r := s.torrents
	// if the torrent we're making room for is itself a member, allow one
	// more in the list
	if r.lruContains(ignore) {
		loadedLimit++
	}
	for r.lruLen >= loadedLimit {
		i := r.lruFront
		if i == ignore {
			i = i.lruNext
			if i == nil {
				break
			}
		}
		i.unload()
		r.lruErase(i)
	}
}

// loadTorrent brings a lazily-loaded torrent into memory through the
// user-supplied callback, evicting as needed. On failure the torrent is
// errored and paused without entering the LRU.
func (s *Session) loadTorrent(t *Torrent) bool {
	s.evictTorrentsExcept(t)
	metadata, err := s.settings.LoadTorrent(t.infoHash)
	if err != nil {
		t.setError(err)
		return false
	}
	if err := t.load(metadata); err != nil {
		t.setError(err)
		return false
	}
	s.bumpTorrent(t, true)
	return true
}
