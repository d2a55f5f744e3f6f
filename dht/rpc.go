package dht

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/bencode"
)

const (
	shortTimeout = 3 * time.Second
	longTimeout  = 20 * time.Second
)

var (
	ErrClosed               = errors.New("rpc manager closed")
	ErrInvalidTransactionId = errors.New("invalid transaction id")
	ErrMissingReturnKey     = errors.New("missing 'r' key")
	ErrMissingNodeId        = errors.New("missing 'id' key")
)

// SendFunc transmits one encoded message. It reports whether the send call
// succeeded; only then does the request count as outstanding.
type SendFunc func(b []byte, addr netip.AddrPort) bool

// RoutingTable receives liveness feedback: a node id observed answering
// from an endpoint. It reports whether the node was accepted.
type RoutingTable interface {
	NodeSeen(id krpc.ID, addr netip.AddrPort) bool
}

// RpcManager correlates outstanding queries with incoming replies by
// transaction id and source address. Owned by the session scheduler; no
// internal locking.
type RpcManager struct {
	ourId  krpc.ID
	table  RoutingTable
	send   SendFunc
	logger log.Logger

	nextTransactionId uint16

	// ordered by send time, oldest first
	transactions []*Observer

	destructing bool

	// test seam
	now func() time.Time
}

func NewRpcManager(ourId krpc.ID, table RoutingTable, send SendFunc, logger log.Logger) *RpcManager {
	return &RpcManager{
		ourId:             ourId,
		table:             table,
		send:              send,
		logger:            logger,
		nextTransactionId: uint16(time.Now().UnixNano()),
		now:               time.Now,
	}
}

func (m *RpcManager) NumOutstanding() int { return len(m.transactions) }

func transactionIdBytes(tid uint16) string {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], tid)
	return string(b[:])
}

// Invoke stamps the query with the next transaction id and our node id,
// sends it, and registers the observer when the send succeeds. The id
// advances modulo 2^16 only on success, so concurrent duplicates are
// impossible.
func (m *RpcManager) Invoke(q string, args krpc.MsgArgs, target netip.AddrPort, o *Observer) bool {
	if m.destructing {
		return false
	}
	args.ID = m.ourId
	msg := krpc.Msg{
		Y: "q",
		Q: q,
		T: transactionIdBytes(m.nextTransactionId),
		A: &args,
	}
	o.setTarget(target, m.now())
	o.txid = m.nextTransactionId

	b, err := bencode.Marshal(msg)
	if err != nil {
		panic(fmt.Sprintf("marshalling krpc query: %v", err))
	}
	m.logger.Levelf(log.Debug, "invoking %q -> %s (tid %d)", q, target, o.txid)
	if m.send(b, target) {
		m.transactions = append(m.transactions, o)
		m.nextTransactionId++
		o.wasSent = true
	}
	return true
}

func (m *RpcManager) sendError(addr netip.AddrPort, tid string, code int, msg string) {
	e := krpc.Msg{
		Y: "e",
		T: tid,
		E: &krpc.Error{Code: code, Msg: msg},
	}
	b, err := bencode.Marshal(e)
	if err != nil {
		return
	}
	m.send(b, addr)
}

// take removes and returns the outstanding observer matching (tid, source
// address), or nil.
func (m *RpcManager) take(tid int, addr netip.Addr) *Observer {
	for i, o := range m.transactions {
		if int(o.txid) != tid {
			continue
		}
		if o.target.Addr() != addr {
			continue
		}
		m.transactions = append(m.transactions[:i], m.transactions[i+1:]...)
		return o
	}
	return nil
}

// Incoming handles one reply datagram. Malformed messages elicit an error
// reply and leave the outstanding list alone where the transaction id can't
// be trusted. Returns whether the routing table accepted the responding
// node.
func (m *RpcManager) Incoming(b []byte, from netip.AddrPort) (bool, error) {
	if m.destructing {
		return false, ErrClosed
	}

	var raw struct {
		T string                 `bencode:"t"`
		Y string                 `bencode:"y"`
		R map[string]interface{} `bencode:"r"`
	}
	if err := bencode.Unmarshal(b, &raw); err != nil {
		return false, fmt.Errorf("decoding reply: %w", err)
	}

	tid := -1
	if len(raw.T) == 2 {
		tid = int(binary.BigEndian.Uint16([]byte(raw.T)))
	}

	o := m.take(tid, from.Addr())
	if o == nil {
		m.logger.Levelf(log.Debug, "reply with invalid transaction id (len %d) from %s", len(raw.T), from)
		m.sendError(from, raw.T, 203, "invalid transaction id")
		return false, ErrInvalidTransactionId
	}

	if raw.R == nil {
		m.sendError(from, raw.T, 203, "missing 'r' key")
		return false, ErrMissingReturnKey
	}
	id, ok := raw.R["id"].(string)
	if !ok || len(id) != 20 {
		m.sendError(from, raw.T, 203, "missing 'id' key")
		return false, ErrMissingNodeId
	}

	var msg krpc.Msg
	if err := bencode.Unmarshal(b, &msg); err != nil {
		m.sendError(from, raw.T, 203, "invalid message")
		return false, fmt.Errorf("decoding reply: %w", err)
	}

	o.reply(&msg)

	var nodeId krpc.ID
	copy(nodeId[:], id)
	return m.table.NodeSeen(nodeId, from), nil
}

// Unreachable fails the oldest outstanding request aimed at the endpoint,
// typically in response to an ICMP port-unreachable.
func (m *RpcManager) Unreachable(ep netip.AddrPort) {
	for i, o := range m.transactions {
		if o.target != ep {
			continue
		}
		m.transactions = append(m.transactions[:i], m.transactions[i+1:]...)
		m.logger.Levelf(log.Debug, "unreachable: timing out tid %d to %s", o.txid, ep)
		o.timeout()
		return
	}
}

// Tick reaps timed-out requests and returns how long until it needs to run
// again. Requests past the long timeout are removed and failed; requests
// past the short timeout are flagged (once) but stay outstanding.
func (m *RpcManager) Tick() time.Duration {
	if len(m.transactions) == 0 {
		return shortTimeout
	}

	var timeouts []*Observer
	ret := shortTimeout
	now := m.now()

	remaining := m.transactions[:0]
	for i, o := range m.transactions {
		diff := now.Sub(o.sent)
		if diff < longTimeout {
			// the list is ordered by send time, so nothing after this
			// one has timed out either
			ret = longTimeout - diff
			remaining = append(remaining, m.transactions[i:]...)
			break
		}
		timeouts = append(timeouts, o)
	}
	m.transactions = remaining

	for _, o := range timeouts {
		o.timeout()
	}

	for _, o := range m.transactions {
		diff := now.Sub(o.sent)
		if diff < shortTimeout {
			ret = shortTimeout - diff
			break
		}
		if o.HasShortTimeout() {
			continue
		}
		o.shortTimeoutFired()
	}

	return ret
}

// Close aborts every outstanding request; their algorithms are told not to
// issue replacements.
func (m *RpcManager) Close() {
	if m.destructing {
		return
	}
	m.destructing = true
	for _, o := range m.transactions {
		o.abort()
	}
	m.transactions = nil
}
