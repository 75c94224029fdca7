// Package config holds the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"buddymirror/internal/buddygroup"
	"buddymirror/internal/state"
)

// Peer is a target and the address of the node serving it.
type Peer struct {
	Target state.TargetID
	Addr   string
}

// Config holds the node configuration.
type Config struct {
	Node NodeConfig `mapstructure:"node"`
	// Peers lists every other target as "id=addr,id=addr".
	Peers string `mapstructure:"peers"`
	// Groups are mapped at startup in addition to the persisted ones.
	Groups []buddygroup.Group `mapstructure:"groups"`
	Mirror MirrorConfig       `mapstructure:"mirror"`
	States StatesConfig       `mapstructure:"states"`
	Resync ResyncConfig       `mapstructure:"resync"`
	Store  StoreConfig        `mapstructure:"store"`
	Log    LogConfig          `mapstructure:"log"`
}

// NodeConfig describes the local node.
type NodeConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Target     uint16 `mapstructure:"target"`
	Workers    int    `mapstructure:"workers"`
}

// MirrorConfig controls request forwarding.
type MirrorConfig struct {
	ForwardTimeout time.Duration `mapstructure:"forward_timeout"`
}

// StatesConfig controls liveness tracking.
type StatesConfig struct {
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	CheckInterval          time.Duration `mapstructure:"check_interval"`
	ProbablyOfflineTimeout time.Duration `mapstructure:"probably_offline_timeout"`
	OfflineTimeout         time.Duration `mapstructure:"offline_timeout"`
}

// ResyncConfig controls resync jobs.
type ResyncConfig struct {
	Slaves              int           `mapstructure:"slaves"`
	CandidatesPerSecond float64       `mapstructure:"candidates_per_second"`
	AutoStart           bool          `mapstructure:"auto_start"`
	QuiesceTimeout      time.Duration `mapstructure:"quiesce_timeout"`
	// BuddyRoot is the buddy's metadata root when it is reachable on the
	// local filesystem. Resync jobs are disabled when empty.
	BuddyRoot string `mapstructure:"buddy_root"`
}

// StoreConfig locates local data.
type StoreConfig struct {
	Root           string `mapstructure:"root"`
	MappingBackend string `mapstructure:"mapping_backend"`
	MappingPath    string `mapstructure:"mapping_path"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ListenAddr: "127.0.0.1:7300",
			Target:     1,
			Workers:    8,
		},
		Mirror: MirrorConfig{
			ForwardTimeout: 5 * time.Second,
		},
		States: StatesConfig{
			HeartbeatInterval:      time.Second,
			CheckInterval:          500 * time.Millisecond,
			ProbablyOfflineTimeout: 5 * time.Second,
			OfflineTimeout:         30 * time.Second,
		},
		Resync: ResyncConfig{
			Slaves:         4,
			QuiesceTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Root:           "data",
			MappingBackend: "sqlite",
			MappingPath:    "data/mapping.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Node.ListenAddr == "" {
		return errors.New("node.listen_addr is required")
	}
	if c.Node.Target == 0 {
		return errors.New("node.target must be non-zero")
	}
	if c.Node.Workers <= 0 {
		return errors.New("node.workers must be positive")
	}
	if c.Mirror.ForwardTimeout <= 0 {
		return errors.New("mirror.forward_timeout must be positive")
	}
	if c.States.HeartbeatInterval <= 0 || c.States.CheckInterval <= 0 {
		return errors.New("states intervals must be positive")
	}
	if c.States.ProbablyOfflineTimeout <= 0 || c.States.OfflineTimeout <= 0 {
		return errors.New("states timeouts must be positive")
	}
	if c.Resync.Slaves <= 0 {
		return errors.New("resync.slaves must be positive")
	}
	if c.Resync.CandidatesPerSecond < 0 {
		return errors.New("resync.candidates_per_second must not be negative")
	}
	if c.Store.Root == "" {
		return errors.New("store.root is required")
	}
	switch c.Store.MappingBackend {
	case "sqlite", "yaml":
	default:
		return fmt.Errorf("invalid store.mapping_backend: %s", c.Store.MappingBackend)
	}
	if c.Store.MappingPath == "" {
		return errors.New("store.mapping_path is required")
	}

	peers, err := c.PeerList()
	if err != nil {
		return err
	}
	for _, p := range peers {
		if p.Target == c.Self() {
			return fmt.Errorf("peers lists the local target %d", p.Target)
		}
	}
	return nil
}

// Self returns the local target.
func (c *Config) Self() state.TargetID {
	return state.TargetID(c.Node.Target)
}

// PeerList parses Peers.
func (c *Config) PeerList() ([]Peer, error) {
	return ParsePeers(c.Peers)
}

// ParsePeers parses a comma-separated list of peers in the format:
// "10=addr1,11=addr2"
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))
	seen := make(map[state.TargetID]bool, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected id=addr)", part)
		}

		id := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])

		if id == "" || addr == "" {
			return nil, fmt.Errorf("peer ID and address cannot be empty: %s", part)
		}
		n, err := strconv.ParseUint(id, 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid peer target %q: must be in 1..65535", id)
		}
		target := state.TargetID(n)
		if seen[target] {
			return nil, fmt.Errorf("duplicate peer target %d", target)
		}
		seen[target] = true

		peers = append(peers, Peer{
			Target: target,
			Addr:   addr,
		})
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i].Target < peers[j].Target })
	return peers, nil
}

// PeerAddrs returns the peers as a target -> address map.
func (c *Config) PeerAddrs() (map[state.TargetID]string, error) {
	peers, err := c.PeerList()
	if err != nil {
		return nil, err
	}
	out := make(map[state.TargetID]string, len(peers))
	for _, p := range peers {
		out[p.Target] = p.Addr
	}
	return out, nil
}
