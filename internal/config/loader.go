package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. BUDDYMIRROR_NODE_TARGET.
const EnvPrefix = "BUDDYMIRROR"

// Load builds the configuration from defaults, the file at path (if not
// empty), environment variables and whatever v already holds, such as
// bound command-line flags. Later sources win.
func Load(v *viper.Viper, path string) (*Config, error) {
	cfg := Default()
	setDefaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can override it.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("node.listen_addr", c.Node.ListenAddr)
	v.SetDefault("node.target", c.Node.Target)
	v.SetDefault("node.workers", c.Node.Workers)
	v.SetDefault("peers", c.Peers)
	v.SetDefault("mirror.forward_timeout", c.Mirror.ForwardTimeout)
	v.SetDefault("states.heartbeat_interval", c.States.HeartbeatInterval)
	v.SetDefault("states.check_interval", c.States.CheckInterval)
	v.SetDefault("states.probably_offline_timeout", c.States.ProbablyOfflineTimeout)
	v.SetDefault("states.offline_timeout", c.States.OfflineTimeout)
	v.SetDefault("resync.slaves", c.Resync.Slaves)
	v.SetDefault("resync.candidates_per_second", c.Resync.CandidatesPerSecond)
	v.SetDefault("resync.auto_start", c.Resync.AutoStart)
	v.SetDefault("resync.quiesce_timeout", c.Resync.QuiesceTimeout)
	v.SetDefault("resync.buddy_root", c.Resync.BuddyRoot)
	v.SetDefault("store.root", c.Store.Root)
	v.SetDefault("store.mapping_backend", c.Store.MappingBackend)
	v.SetDefault("store.mapping_path", c.Store.MappingPath)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
}
