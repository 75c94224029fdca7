package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buddymirror/internal/buddygroup"
	"buddymirror/internal/state"
)

func TestParsePeers(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Peer
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  []Peer{},
		},
		{
			name:  "single peer",
			input: "11=127.0.0.1:7301",
			want: []Peer{
				{Target: 11, Addr: "127.0.0.1:7301"},
			},
		},
		{
			name:  "multiple peers sorted by target",
			input: "12=127.0.0.1:7302,11=127.0.0.1:7301,13=127.0.0.1:7303",
			want: []Peer{
				{Target: 11, Addr: "127.0.0.1:7301"},
				{Target: 12, Addr: "127.0.0.1:7302"},
				{Target: 13, Addr: "127.0.0.1:7303"},
			},
		},
		{
			name:  "with spaces",
			input: "11 = 127.0.0.1:7301 , 12 = 127.0.0.1:7302",
			want: []Peer{
				{Target: 11, Addr: "127.0.0.1:7301"},
				{Target: 12, Addr: "127.0.0.1:7302"},
			},
		},
		{
			name:    "invalid format - no equals",
			input:   "11:127.0.0.1:7301",
			wantErr: true,
		},
		{
			name:    "invalid format - empty ID",
			input:   "=127.0.0.1:7301",
			wantErr: true,
		},
		{
			name:    "invalid format - empty addr",
			input:   "11=",
			wantErr: true,
		},
		{
			name:    "non-numeric target",
			input:   "n1=127.0.0.1:7301",
			wantErr: true,
		},
		{
			name:    "target zero",
			input:   "0=127.0.0.1:7301",
			wantErr: true,
		},
		{
			name:    "target out of range",
			input:   "70000=127.0.0.1:7301",
			wantErr: true,
		},
		{
			name:    "duplicate target",
			input:   "11=a:1,11=b:2",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeers(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePeers() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no listen addr", func(c *Config) { c.Node.ListenAddr = "" }},
		{"target zero", func(c *Config) { c.Node.Target = 0 }},
		{"no workers", func(c *Config) { c.Node.Workers = 0 }},
		{"no forward timeout", func(c *Config) { c.Mirror.ForwardTimeout = 0 }},
		{"no check interval", func(c *Config) { c.States.CheckInterval = 0 }},
		{"no offline timeout", func(c *Config) { c.States.OfflineTimeout = 0 }},
		{"no slaves", func(c *Config) { c.Resync.Slaves = 0 }},
		{"negative rate", func(c *Config) { c.Resync.CandidatesPerSecond = -1 }},
		{"no root", func(c *Config) { c.Store.Root = "" }},
		{"bad backend", func(c *Config) { c.Store.MappingBackend = "etcd" }},
		{"no mapping path", func(c *Config) { c.Store.MappingPath = "" }},
		{"bad peers", func(c *Config) { c.Peers = "x" }},
		{"self in peers", func(c *Config) { c.Peers = "1=127.0.0.1:7301" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buddymirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  listen_addr: 127.0.0.1:7310
  target: 10
peers: "11=127.0.0.1:7311"
groups:
  - id: 1
    primary: 10
    secondary: 11
mirror:
  forward_timeout: 2s
resync:
  slaves: 2
  auto_start: true
store:
  root: /var/lib/buddymirror
  mapping_backend: yaml
  mapping_path: /var/lib/buddymirror/mapping.yaml
`), 0o644))

	t.Setenv("BUDDYMIRROR_NODE_WORKERS", "3")
	t.Setenv("BUDDYMIRROR_LOG_LEVEL", "debug")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7310", cfg.Node.ListenAddr)
	assert.Equal(t, state.TargetID(10), cfg.Self())
	assert.Equal(t, 3, cfg.Node.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Mirror.ForwardTimeout)
	assert.Equal(t, 2, cfg.Resync.Slaves)
	assert.True(t, cfg.Resync.AutoStart)
	assert.Equal(t, "yaml", cfg.Store.MappingBackend)
	assert.Equal(t, []buddygroup.Group{{ID: 1, Primary: 10, Secondary: 11}}, cfg.Groups)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.States.OfflineTimeout)

	addrs, err := cfg.PeerAddrs()
	require.NoError(t, err)
	assert.Equal(t, map[state.TargetID]string{11: "127.0.0.1:7311"}, addrs)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  workers: 0\n"), 0o644))

	_, err := Load(viper.New(), path)
	assert.Error(t, err)

	_, err = Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
