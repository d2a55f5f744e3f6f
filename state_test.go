package swarm

import (
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadSettingsRoundTrip(t *testing.T) {
	settings := DefaultSettings()
	settings.ConnectionsLimit = 123
	settings.UnchokeSlotsLimit = 17
	settings.ChokingAlgorithm = RateBasedChoker
	settings.ListenInterfaces = "10.0.0.1:7000,[::1]:7001"
	settings.AnonymousMode = true
	settings.ActiveDownloads = -1
	s := newSession(settings)

	b, err := s.SaveState(SaveSettings)
	require.NoError(t, err)

	s2 := newSession(DefaultSettings())
	require.NoError(t, s2.LoadState(b))

	assert.Equal(t, 123, s2.settings.ConnectionsLimit)
	assert.Equal(t, 17, s2.settings.UnchokeSlotsLimit)
	assert.Equal(t, RateBasedChoker, s2.settings.ChokingAlgorithm)
	assert.Equal(t, "10.0.0.1:7000,[::1]:7001", s2.settings.ListenInterfaces)
	assert.True(t, s2.settings.AnonymousMode)
	assert.Equal(t, -1, s2.settings.ActiveDownloads)
}

func TestLoadStateIgnoresUnknownKeysAndCategories(t *testing.T) {
	b, err := bencode.Marshal(map[string]interface{}{
		"settings": map[string]interface{}{
			"connections_limit": int64(55),
			"flux_capacitance":  int64(88),
		},
		"time travel": map[string]interface{}{
			"enabled": int64(1),
		},
	})
	require.NoError(t, err)

	s := newSession(DefaultSettings())
	require.NoError(t, s.LoadState(b))
	assert.Equal(t, 55, s.settings.ConnectionsLimit)
}

func TestLoadStateRejectsGarbage(t *testing.T) {
	s := newSession(DefaultSettings())
	assert.Error(t, s.LoadState([]byte("not bencode")))
}

func TestSaveStateIncludesDhtCategory(t *testing.T) {
	s := newSession(DefaultSettings())
	b, err := s.SaveState(SaveAll)
	require.NoError(t, err)

	var root map[string]interface{}
	require.NoError(t, bencode.Unmarshal(b, &root))
	dhtState, ok := root["dht state"].(map[string]interface{})
	require.True(t, ok)
	id, ok := dhtState["node id"].(string)
	require.True(t, ok)
	assert.Len(t, id, 20)
}
