package swarm

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListenInterfaces(t *testing.T) {
	got, err := parseListenInterfaces("0.0.0.0:6881,[::1]:6882,eth0:0", 7000)
	require.NoError(t, err)
	assert.Equal(t, []listenInterface{
		{Device: "0.0.0.0", Port: 6881},
		{Device: "::1", Port: 6882},
		{Device: "eth0", Port: 7000},
	}, got)

	got, err = parseListenInterfaces("", 7000)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = parseListenInterfaces("missing-a-port", 7000)
	assert.Error(t, err)
}

func TestSameListenInterfaces(t *testing.T) {
	a := []listenInterface{{Device: "0.0.0.0", Port: 6881}}
	b := []listenInterface{{Device: "0.0.0.0", Port: 6881}}
	assert.True(t, sameListenInterfaces(a, b))
	assert.False(t, sameListenInterfaces(a, nil))
	b[0].Port = 6882
	assert.False(t, sameListenInterfaces(a, b))
}

// The port-retry walk must step past occupied ports within the budget, and
// exhausting the budget on one device must not prevent others from binding.
func TestSetupListenerPortRetry(t *testing.T) {
	settings := DefaultSettings()
	settings.ListenSystemPortFallback = false
	s := newSession(settings)

	// occupy a port to force a retry
	blocker, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	busyPort := blocker.Addr().(*net.TCPAddr).Port

	retries := 10
	ls, err := s.setupListener("127.0.0.1", false, busyPort, &retries, false)
	require.NoError(t, err)
	defer ls.ln.Close()
	assert.NotEqual(t, busyPort, ls.localPort)
	assert.Less(t, retries, 10)
}

func TestSetupListenerSystemPortFallback(t *testing.T) {
	settings := DefaultSettings()
	settings.ListenSystemPortFallback = true
	s := newSession(settings)

	blocker, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	busyPort := blocker.Addr().(*net.TCPAddr).Port

	// no retry budget left: the final attempt asks the OS for a port
	retries := 0
	ls, err := s.setupListener("127.0.0.1", false, busyPort, &retries, false)
	require.NoError(t, err)
	defer ls.ln.Close()
	assert.NotZero(t, ls.localPort)
	assert.NotEqual(t, busyPort, ls.localPort)
}

func TestSetupListenerFailurePostsAlert(t *testing.T) {
	settings := DefaultSettings()
	settings.ListenSystemPortFallback = false
	s := newSession(settings)

	retries := 0
	_, err := s.setupListener("198.51.100.77", false, 6881, &retries, false)
	require.Error(t, err)

	failures := drainAlerts[ListenFailedAlert](s)
	require.Len(t, failures, 1)
	assert.Equal(t, "198.51.100.77", failures[0].Device)
	assert.Equal(t, ListenOpBind, failures[0].Op)
}

func TestListenPortReporting(t *testing.T) {
	s := newSession(DefaultSettings())
	assert.Equal(t, 0, s.ListenPort())

	s.listenSockets = append(s.listenSockets, &listenSocket{externalPort: 6881})
	s.listenSockets = append(s.listenSockets, &listenSocket{ssl: true, externalPort: 443})
	assert.Equal(t, 6881, s.ListenPort())
	assert.Equal(t, 443, s.SslListenPort())

	s.settings.ForceProxy = true
	assert.Equal(t, 0, s.ListenPort())
	assert.Equal(t, 0, s.SslListenPort())
}
