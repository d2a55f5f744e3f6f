package swarm

import (
	"fmt"

	"github.com/anacrolix/torrent/bencode"
)

// Persisted state is a bencoded dictionary of categories; each category
// maps recognised keys to scalars. Loading is forward-compatible: unknown
// keys and unknown categories are ignored.

type stateDict = map[string]interface{}

// SaveStateFlags selects which categories to persist.
type SaveStateFlags uint32

const (
	SaveSettings SaveStateFlags = 1 << iota
	SaveDhtState
	SaveAll SaveStateFlags = ^SaveStateFlags(0)
)

func (s *Session) settingsDict() stateDict {
	st := s.settings
	b2i := func(b bool) int64 {
		if b {
			return 1
		}
		return 0
	}
	return stateDict{
		"connections_limit":            int64(st.ConnectionsLimit),
		"connections_slack":            int64(st.ConnectionsSlack),
		"half_open_limit":              int64(st.HalfOpenLimit),
		"unchoke_slots_limit":          int64(st.UnchokeSlotsLimit),
		"num_optimistic_unchoke_slots": int64(st.NumOptimisticUnchokeSlots),
		"choking_algorithm":            int64(st.ChokingAlgorithm),
		"unchoke_interval":             int64(st.UnchokeInterval),
		"optimistic_unchoke_interval":  int64(st.OptimisticUnchokeInterval),
		"auto_manage_interval":         int64(st.AutoManageInterval),
		"auto_manage_startup":          int64(st.AutoManageStartup),
		"active_downloads":             int64(st.ActiveDownloads),
		"active_seeds":                 int64(st.ActiveSeeds),
		"active_limit":                 int64(st.ActiveLimit),
		"active_dht_limit":             int64(st.ActiveDhtLimit),
		"active_lsd_limit":             int64(st.ActiveLsdLimit),
		"active_tracker_limit":         int64(st.ActiveTrackerLimit),
		"active_loaded_limit":          int64(st.ActiveLoadedLimit),
		"listen_interfaces":            st.ListenInterfaces,
		"listen_system_port_fallback":  b2i(st.ListenSystemPortFallback),
		"max_retry_port_bind":          int64(st.MaxRetryPortBind),
		"enable_incoming_tcp":          b2i(st.EnableIncomingTcp),
		"enable_incoming_utp":          b2i(st.EnableIncomingUtp),
		"outgoing_interfaces":          st.OutgoingInterfaces,
		"outgoing_port":                int64(st.OutgoingPort),
		"num_outgoing_ports":           int64(st.NumOutgoingPorts),
		"peer_tos":                     int64(st.PeerTos),
		"anonymous_mode":               b2i(st.AnonymousMode),
		"force_proxy":                  b2i(st.ForceProxy),
		"no_connect_privileged_ports":  b2i(st.NoConnectPrivilegedPorts),
		"connection_speed":             int64(st.ConnectionSpeed),
		"connect_seed_every_n_download": int64(st.ConnectSeedEveryNDownload),
		"peer_turnover":                int64(st.PeerTurnover),
		"peer_turnover_cutoff":         int64(st.PeerTurnoverCutoff),
		"peer_turnover_interval":       int64(st.PeerTurnoverInterval),
	}
}

func (s *Session) loadSettingsDict(d stateDict) {
	st := s.settings
	getInt := func(key string, dst *int) {
		if v, ok := d[key].(int64); ok {
			*dst = int(v)
		}
	}
	getBool := func(key string, dst *bool) {
		if v, ok := d[key].(int64); ok {
			*dst = v != 0
		}
	}
	getStr := func(key string, dst *string) {
		if v, ok := d[key].(string); ok {
			*dst = v
		}
	}
	getInt("connections_limit", &st.ConnectionsLimit)
	getInt("connections_slack", &st.ConnectionsSlack)
	getInt("half_open_limit", &st.HalfOpenLimit)
	getInt("unchoke_slots_limit", &st.UnchokeSlotsLimit)
	getInt("num_optimistic_unchoke_slots", &st.NumOptimisticUnchokeSlots)
	if v, ok := d["choking_algorithm"].(int64); ok {
		st.ChokingAlgorithm = ChokingAlgorithm(v)
	}
	getInt("unchoke_interval", &st.UnchokeInterval)
	getInt("optimistic_unchoke_interval", &st.OptimisticUnchokeInterval)
	getInt("auto_manage_interval", &st.AutoManageInterval)
	getInt("auto_manage_startup", &st.AutoManageStartup)
	getInt("active_downloads", &st.ActiveDownloads)
	getInt("active_seeds", &st.ActiveSeeds)
	getInt("active_limit", &st.ActiveLimit)
	getInt("active_dht_limit", &st.ActiveDhtLimit)
	getInt("active_lsd_limit", &st.ActiveLsdLimit)
	getInt("active_tracker_limit", &st.ActiveTrackerLimit)
	getInt("active_loaded_limit", &st.ActiveLoadedLimit)
	getStr("listen_interfaces", &st.ListenInterfaces)
	getBool("listen_system_port_fallback", &st.ListenSystemPortFallback)
	getInt("max_retry_port_bind", &st.MaxRetryPortBind)
	getBool("enable_incoming_tcp", &st.EnableIncomingTcp)
	getBool("enable_incoming_utp", &st.EnableIncomingUtp)
	getStr("outgoing_interfaces", &st.OutgoingInterfaces)
	getInt("outgoing_port", &st.OutgoingPort)
	getInt("num_outgoing_ports", &st.NumOutgoingPorts)
	getInt("peer_tos", &st.PeerTos)
	getBool("anonymous_mode", &st.AnonymousMode)
	getBool("force_proxy", &st.ForceProxy)
	getBool("no_connect_privileged_ports", &st.NoConnectPrivilegedPorts)
	getInt("connection_speed", &st.ConnectionSpeed)
	getInt("connect_seed_every_n_download", &st.ConnectSeedEveryNDownload)
	getInt("peer_turnover", &st.PeerTurnover)
	getInt("peer_turnover_cutoff", &st.PeerTurnoverCutoff)
	getInt("peer_turnover_interval", &st.PeerTurnoverInterval)
}

// SaveState serialises the requested categories to a bencoded dictionary.
func (s *Session) SaveState(flags SaveStateFlags) ([]byte, error) {
	root := stateDict{}
	s.sync(func() {
		if flags&SaveSettings != 0 {
			root["settings"] = s.settingsDict()
		}
		if flags&SaveDhtState != 0 && s.dht != nil {
			root["dht state"] = stateDict{
				"node id": string(s.dhtNodeId[:]),
			}
		}
	})
	return bencode.Marshal(root)
}

// LoadState applies a previously saved state dictionary. Unknown categories
// and keys are skipped so newer state loads into older code.
func (s *Session) LoadState(b []byte) error {
	var root map[string]interface{}
	if err := bencode.Unmarshal(b, &root); err != nil {
		return fmt.Errorf("decoding session state: %w", err)
	}
	s.sync(func() {
		if d, ok := root["settings"].(map[string]interface{}); ok {
			s.loadSettingsDict(d)
		}
		if d, ok := root["dht state"].(map[string]interface{}); ok {
			if id, ok := d["node id"].(string); ok && len(id) == 20 {
				copy(s.dhtNodeId[:], id)
			}
		}
	})
	return nil
}
