package dht

import (
	"net/netip"
	"testing"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/bencode"
	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlgorithm struct {
	replies       int
	lastReply     *krpc.Msg
	failures      []FailFlags
	finished      int
}

func (a *recordingAlgorithm) Reply(o *Observer, m *krpc.Msg) {
	a.replies++
	a.lastReply = m
}

func (a *recordingAlgorithm) Failed(o *Observer, flags FailFlags) {
	a.failures = append(a.failures, flags)
}

func (a *recordingAlgorithm) Finished(o *Observer) {
	a.finished++
}

type acceptAllTable struct {
	seen []netip.AddrPort
}

func (t *acceptAllTable) NodeSeen(id krpc.ID, addr netip.AddrPort) bool {
	t.seen = append(t.seen, addr)
	return true
}

type testRig struct {
	m     *RpcManager
	table *acceptAllTable
	sent  [][]byte
	sentTo []netip.AddrPort
	now   time.Time
}

func newTestRig(t *testing.T) *testRig {
	rig := &testRig{
		table: new(acceptAllTable),
		now:   time.Now(),
	}
	var ourId krpc.ID
	copy(ourId[:], "abcdefghij0123456789")
	rig.m = NewRpcManager(ourId, rig.table, func(b []byte, addr netip.AddrPort) bool {
		rig.sent = append(rig.sent, b)
		rig.sentTo = append(rig.sentTo, addr)
		return true
	}, log.Default)
	rig.m.now = func() time.Time { return rig.now }
	return rig
}

func (rig *testRig) lastSentMsg(t *testing.T) krpc.Msg {
	require.NotEmpty(t, rig.sent)
	var msg krpc.Msg
	require.NoError(t, bencode.Unmarshal(rig.sent[len(rig.sent)-1], &msg))
	return msg
}

func replyBytes(t *testing.T, tid string) []byte {
	b, err := bencode.Marshal(map[string]interface{}{
		"y": "r",
		"t": tid,
		"r": map[string]interface{}{
			"id": "mnopqrstuv0123456789",
		},
	})
	require.NoError(t, err)
	return b
}

var testTarget = netip.MustParseAddrPort("203.0.113.5:6881")

func TestRpcHappyPath(t *testing.T) {
	rig := newTestRig(t)
	alg := new(recordingAlgorithm)
	o := NewObserver(alg)

	ok := rig.m.Invoke("ping", krpc.MsgArgs{}, testTarget, o)
	assert.True(t, ok)
	require.Equal(t, 1, rig.m.NumOutstanding())

	sent := rig.lastSentMsg(t)
	qt.Check(t, qt.Equals(sent.Y, "q"))
	qt.Check(t, qt.Equals(sent.Q, "ping"))
	qt.Check(t, qt.Equals(len(sent.T), 2))

	accepted, err := rig.m.Incoming(replyBytes(t, sent.T), testTarget)
	require.NoError(t, err)
	assert.True(t, accepted)

	assert.Equal(t, 1, alg.replies)
	assert.Equal(t, 1, alg.finished)
	assert.True(t, o.Done())
	assert.Equal(t, 0, rig.m.NumOutstanding())
	require.Len(t, rig.table.seen, 1)
	assert.Equal(t, testTarget, rig.table.seen[0])
}

func TestRpcReplyIsDeliveredOnce(t *testing.T) {
	rig := newTestRig(t)
	alg := new(recordingAlgorithm)
	o := NewObserver(alg)
	rig.m.Invoke("ping", krpc.MsgArgs{}, testTarget, o)
	tid := rig.lastSentMsg(t).T

	_, err := rig.m.Incoming(replyBytes(t, tid), testTarget)
	require.NoError(t, err)
	// the observer was consumed; a replay is an unknown transaction
	_, err = rig.m.Incoming(replyBytes(t, tid), testTarget)
	assert.ErrorIs(t, err, ErrInvalidTransactionId)
	assert.Equal(t, 1, alg.replies)
}

func TestRpcTransactionIdsAdvance(t *testing.T) {
	rig := newTestRig(t)
	seen := make(map[uint16]bool)
	for i := 0; i < 100; i++ {
		o := NewObserver(new(recordingAlgorithm))
		rig.m.Invoke("ping", krpc.MsgArgs{}, testTarget, o)
		assert.False(t, seen[o.TransactionId()])
		seen[o.TransactionId()] = true
	}
}

func TestRpcBadTransactionIdLength(t *testing.T) {
	rig := newTestRig(t)
	o := NewObserver(new(recordingAlgorithm))
	rig.m.Invoke("ping", krpc.MsgArgs{}, testTarget, o)

	// 3-byte t field: refused, error reply sent, observer untouched
	_, err := rig.m.Incoming(replyBytes(t, "abc"), testTarget)
	assert.ErrorIs(t, err, ErrInvalidTransactionId)
	assert.Equal(t, 1, rig.m.NumOutstanding())
	assert.False(t, o.Done())

	errReply := rig.lastSentMsg(t)
	qt.Check(t, qt.Equals(errReply.Y, "e"))
	require.NotNil(t, errReply.E)
	qt.Check(t, qt.Equals(errReply.E.Msg, "invalid transaction id"))
}

func TestRpcSourceAddressMustMatch(t *testing.T) {
	rig := newTestRig(t)
	o := NewObserver(new(recordingAlgorithm))
	rig.m.Invoke("ping", krpc.MsgArgs{}, testTarget, o)
	tid := rig.lastSentMsg(t).T

	other := netip.MustParseAddrPort("198.51.100.7:6881")
	_, err := rig.m.Incoming(replyBytes(t, tid), other)
	assert.ErrorIs(t, err, ErrInvalidTransactionId)
	assert.Equal(t, 1, rig.m.NumOutstanding())
}

func TestRpcMissingReturnDict(t *testing.T) {
	rig := newTestRig(t)
	o := NewObserver(new(recordingAlgorithm))
	rig.m.Invoke("ping", krpc.MsgArgs{}, testTarget, o)
	tid := rig.lastSentMsg(t).T

	b, err := bencode.Marshal(map[string]interface{}{"y": "r", "t": tid})
	require.NoError(t, err)
	_, err = rig.m.Incoming(b, testTarget)
	assert.ErrorIs(t, err, ErrMissingReturnKey)
}

func TestRpcShortNodeId(t *testing.T) {
	rig := newTestRig(t)
	o := NewObserver(new(recordingAlgorithm))
	rig.m.Invoke("ping", krpc.MsgArgs{}, testTarget, o)
	tid := rig.lastSentMsg(t).T

	b, err := bencode.Marshal(map[string]interface{}{
		"y": "r",
		"t": tid,
		"r": map[string]interface{}{"id": "too short"},
	})
	require.NoError(t, err)
	_, err = rig.m.Incoming(b, testTarget)
	assert.ErrorIs(t, err, ErrMissingNodeId)
}

// The S2 schedule: two requests at t=0, short timeouts fire at 3.5s without
// consuming the observers, long timeouts consume them at 20.5s, and a later
// tick is a no-op.
func TestRpcShortThenLongTimeout(t *testing.T) {
	rig := newTestRig(t)
	algA := new(recordingAlgorithm)
	algB := new(recordingAlgorithm)
	a := NewObserver(algA)
	b := NewObserver(algB)
	start := rig.now
	rig.m.Invoke("ping", krpc.MsgArgs{}, testTarget, a)
	rig.m.Invoke("ping", krpc.MsgArgs{}, netip.MustParseAddrPort("203.0.113.6:6881"), b)

	rig.now = start.Add(3500 * time.Millisecond)
	rig.m.Tick()
	assert.Equal(t, []FailFlags{ShortTimeoutFail}, algA.failures)
	assert.Equal(t, []FailFlags{ShortTimeoutFail}, algB.failures)
	assert.Equal(t, 2, rig.m.NumOutstanding())
	assert.False(t, a.Done())

	// another early tick must not re-fire the short timeout
	rig.now = start.Add(4 * time.Second)
	rig.m.Tick()
	assert.Len(t, algA.failures, 1)

	rig.now = start.Add(20500 * time.Millisecond)
	rig.m.Tick()
	assert.Equal(t, []FailFlags{ShortTimeoutFail, 0}, algA.failures)
	assert.Equal(t, []FailFlags{ShortTimeoutFail, 0}, algB.failures)
	assert.True(t, a.Done())
	assert.True(t, b.Done())
	assert.Equal(t, 0, rig.m.NumOutstanding())

	rig.now = start.Add(25 * time.Second)
	rig.m.Tick()
	assert.Len(t, algA.failures, 2)
	assert.Len(t, algB.failures, 2)
}

func TestRpcTickReturnsNextDeadline(t *testing.T) {
	rig := newTestRig(t)
	assert.Equal(t, shortTimeout, rig.m.Tick())

	o := NewObserver(new(recordingAlgorithm))
	rig.m.Invoke("ping", krpc.MsgArgs{}, testTarget, o)
	rig.now = rig.now.Add(time.Second)
	d := rig.m.Tick()
	assert.Equal(t, 2*time.Second, d)
}

func TestRpcUnreachable(t *testing.T) {
	rig := newTestRig(t)
	alg := new(recordingAlgorithm)
	o := NewObserver(alg)
	rig.m.Invoke("ping", krpc.MsgArgs{}, testTarget, o)

	rig.m.Unreachable(netip.MustParseAddrPort("198.51.100.7:6881"))
	assert.Equal(t, 1, rig.m.NumOutstanding())

	rig.m.Unreachable(testTarget)
	assert.Equal(t, 0, rig.m.NumOutstanding())
	assert.True(t, o.Done())
	assert.Equal(t, []FailFlags{0}, alg.failures)
}

func TestRpcCloseAbortsOutstanding(t *testing.T) {
	rig := newTestRig(t)
	alg := new(recordingAlgorithm)
	o := NewObserver(alg)
	rig.m.Invoke("ping", krpc.MsgArgs{}, testTarget, o)

	rig.m.Close()
	assert.True(t, o.Done())
	assert.Equal(t, []FailFlags{PreventRequest}, alg.failures)

	// the manager is terminal now
	assert.False(t, rig.m.Invoke("ping", krpc.MsgArgs{}, testTarget, NewObserver(alg)))
}

func TestRpcSendFailureLeavesNothingOutstanding(t *testing.T) {
	var ourId krpc.ID
	m := NewRpcManager(ourId, new(acceptAllTable), func([]byte, netip.AddrPort) bool {
		return false
	}, log.Default)
	before := m.nextTransactionId
	m.Invoke("ping", krpc.MsgArgs{}, testTarget, NewObserver(new(recordingAlgorithm)))
	assert.Equal(t, 0, m.NumOutstanding())
	// the transaction id is only consumed by successful sends
	assert.Equal(t, before, m.nextTransactionId)
}
