// Package it runs buddymirrord processes for integration tests.
package it

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"buddymirror/internal/transport"
	"buddymirror/internal/wire"
)

// Cluster represents a set of buddymirrord processes sharing one buddy group
// layout.
type Cluster struct {
	nodes      []*Node
	dir        string
	binaryPath string
	groups     []map[string]uint16
	clients    *transport.ClientManager
	mu         sync.Mutex
}

// Node represents a single buddymirrord process.
type Node struct {
	Target     uint16
	Addr       string
	Port       int
	Root       string
	configPath string
	cmd        *exec.Cmd
	logFile    *os.File
}

// NewCluster creates a harness writing configs, data and logs below dir.
func NewCluster(binaryPath, dir string) (*Cluster, error) {
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Cluster{
		dir:        dir,
		binaryPath: binaryPath,
		clients:    transport.NewClientManager(zerolog.Nop()),
	}, nil
}

// AddGroup maps a buddy group on every node started afterwards.
func (c *Cluster) AddGroup(id, primary, secondary uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups = append(c.groups, map[string]uint16{"id": id, "primary": primary, "secondary": secondary})
}

// Define registers a node without starting it, so that every node knows the
// full peer list from the start.
func (c *Cluster) Define(target uint16, port int) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := &Node{
		Target:     target,
		Addr:       fmt.Sprintf("127.0.0.1:%d", port),
		Port:       port,
		Root:       filepath.Join(c.dir, fmt.Sprintf("t%d", target), "meta"),
		configPath: filepath.Join(c.dir, fmt.Sprintf("t%d.yaml", target)),
	}
	c.nodes = append(c.nodes, n)
	return n
}

// writeConfig renders the node's config file. buddyRoot enables local resync
// into that directory.
func (c *Cluster) writeConfig(n *Node, buddyRoot string) error {
	var peers []string
	for _, o := range c.nodes {
		if o.Target != n.Target {
			peers = append(peers, fmt.Sprintf("%d=%s", o.Target, o.Addr))
		}
	}
	sort.Strings(peers)

	cfg := map[string]any{
		"node": map[string]any{
			"listen_addr": fmt.Sprintf("127.0.0.1:%d", n.Port),
			"target":      n.Target,
			"workers":     4,
		},
		"peers":  strings.Join(peers, ","),
		"groups": c.groups,
		"states": map[string]any{
			"heartbeat_interval":       "100ms",
			"check_interval":           "100ms",
			"probably_offline_timeout": "500ms",
			"offline_timeout":          "1s",
		},
		"resync": map[string]any{
			"slaves":          2,
			"quiesce_timeout": "5s",
			"buddy_root":      buddyRoot,
		},
		"store": map[string]any{
			"root":            n.Root,
			"mapping_backend": "sqlite",
			"mapping_path":    filepath.Join(filepath.Dir(n.Root), "mapping.db"),
		},
		"log": map[string]any{"level": "debug", "format": "json"},
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(n.configPath, data, 0644)
}

// Start launches the process of n and waits until it answers.
func (c *Cluster) Start(ctx context.Context, n *Node, buddyRoot string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeConfig(n, buddyRoot); err != nil {
		return fmt.Errorf("failed to write config of target %d: %w", n.Target, err)
	}

	logPath := filepath.Join(c.dir, "logs", fmt.Sprintf("t%d.log", n.Target))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.binaryPath, "serve", "--config", n.configPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start target %d: %w", n.Target, err)
	}
	n.cmd = cmd
	n.logFile = logFile

	if err := c.waitForReady(ctx, n, 10*time.Second); err != nil {
		n.Stop()
		return fmt.Errorf("target %d failed to become ready: %w", n.Target, err)
	}
	return nil
}

func (c *Cluster) waitForReady(ctx context.Context, n *Node, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for target %d", n.Target)
			}
			if _, err := c.call(ctx, n, wire.KindGetStates, 0, nil); err == nil {
				return nil
			}
		}
	}
}

// Call sends one request to n and returns the reply, failing on transport
// errors only.
func (c *Cluster) Call(ctx context.Context, n *Node, kind wire.Kind, group uint16, payload any) (*wire.Envelope, error) {
	return c.call(ctx, n, kind, group, payload)
}

func (c *Cluster) call(ctx context.Context, n *Node, kind wire.Kind, group uint16, payload any) (*wire.Envelope, error) {
	req, err := wire.New(kind, payload)
	if err != nil {
		return nil, err
	}
	req.GroupID = group
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.clients.Call(cctx, n.Addr, req)
}

// Kill stops the process of n without a graceful shutdown.
func (c *Cluster) Kill(n *Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n.cmd == nil || n.cmd.Process == nil {
		return fmt.Errorf("target %d not running", n.Target)
	}
	if err := n.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill target %d: %w", n.Target, err)
	}
	n.cmd.Wait()
	n.cmd = nil
	return nil
}

// Stop stops every process and closes client connections.
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		n.Stop()
	}
	c.clients.Close()
}

// Stop kills a single process.
func (n *Node) Stop() {
	if n.cmd != nil && n.cmd.Process != nil {
		n.cmd.Process.Kill()
		n.cmd.Wait()
		n.cmd = nil
	}
	if n.logFile != nil {
		n.logFile.Close()
		n.logFile = nil
	}
}
