/*
Package swarm implements the session core of a BitTorrent runtime: a
long-lived event-loop hub owning a pool of torrents, a pool of peer
connections and a DHT RPC engine, tied together by the scheduling,
admission and choking policies that run off a fixed-interval tick.

The storage engine, piece picker, wire-protocol parsing and tracker
request bodies are external collaborators; this package drives them
through narrow contracts (Torrent, PeerConn, TrackerRequest) and owns
everything in between: listen sockets and port mapping, peer classes and
bandwidth channels, connection admission, unchoke slot allocation,
auto-management of the active torrent set, and the loaded-torrent LRU.
*/
package swarm
