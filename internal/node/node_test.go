package node

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"buddymirror/internal/buddygroup"
	"buddymirror/internal/config"
	"buddymirror/internal/errcode"
	"buddymirror/internal/metastore"
	"buddymirror/internal/mirror"
	"buddymirror/internal/resync"
	"buddymirror/internal/state"
	"buddymirror/internal/transport"
	"buddymirror/internal/wire"
)

const (
	primaryAddr   = "passthrough:///n10"
	secondaryAddr = "passthrough:///n11"
)

type cluster struct {
	primary   *Node
	secondary *Node
	client    *transport.ClientManager
}

func testConfig(t *testing.T, self uint16, peers string) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Node.Target = self
	cfg.Node.Workers = 4
	cfg.Peers = peers
	cfg.Groups = []buddygroup.Group{{ID: 1, Primary: 10, Secondary: 11}}
	cfg.States.HeartbeatInterval = 20 * time.Millisecond
	cfg.States.CheckInterval = 20 * time.Millisecond
	cfg.Store.Root = filepath.Join(root, "meta")
	cfg.Store.MappingBackend = "yaml"
	cfg.Store.MappingPath = filepath.Join(root, "mapping.yaml")
	cfg.Resync.Slaves = 2
	cfg.Resync.QuiesceTimeout = 5 * time.Second
	return cfg
}

func newCluster(t *testing.T, opts ...func(*config.Config)) *cluster {
	t.Helper()
	listeners := map[string]*bufconn.Listener{
		"n10": bufconn.Listen(1 << 20),
		"n11": bufconn.Listen(1 << 20),
	}
	dial := grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		return listeners[addr].DialContext(ctx)
	})

	pcfg := testConfig(t, 10, "11="+secondaryAddr)
	scfg := testConfig(t, 11, "10="+primaryAddr)
	pcfg.Resync.BuddyRoot = scfg.Store.Root
	for _, opt := range opts {
		opt(pcfg)
		opt(scfg)
	}

	p, err := New(pcfg, zerolog.Nop(), dial)
	require.NoError(t, err)
	s, err := New(scfg, zerolog.Nop(), dial)
	require.NoError(t, err)

	go func() { _ = p.Serve(listeners["n10"]) }()
	go func() { _ = s.Serve(listeners["n11"]) }()
	t.Cleanup(p.Stop)
	t.Cleanup(s.Stop)

	client := transport.NewClientManager(zerolog.Nop(), dial)
	t.Cleanup(client.Close)

	online := func(n *Node, id state.TargetID) func() bool {
		return func() bool {
			st, ok := n.States().GetState(id)
			return ok && st.Reachability == state.Online
		}
	}
	require.Eventually(t, online(p, 11), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, online(s, 10), 5*time.Second, 10*time.Millisecond)

	return &cluster{primary: p, secondary: s, client: client}
}

func (c *cluster) call(t *testing.T, addr string, kind wire.Kind, group uint16, payload any) *wire.Envelope {
	t.Helper()
	req, err := wire.New(kind, payload)
	require.NoError(t, err)
	req.GroupID = group
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.client.Call(ctx, addr, req)
	require.NoError(t, err)
	return resp
}

func TestCluster_MutationsAreMirrored(t *testing.T) {
	c := newCluster(t)

	resp := c.call(t, primaryAddr, wire.KindMkdir, 1, mirror.MkdirRequest{ParentID: metastore.RootID, Name: "docs", Mode: 0o755})
	require.NoError(t, resp.Err())
	var made mirror.EntryReply
	require.NoError(t, resp.Decode(&made))
	require.NotNil(t, made.Entry)

	resp = c.call(t, primaryAddr, wire.KindCreateFile, 1, mirror.CreateFileRequest{ParentID: made.Entry.ID, Name: "readme", Mode: 0o644})
	require.NoError(t, resp.Err())

	for _, n := range []*Node{c.primary, c.secondary} {
		dir, err := n.Store().Lookup(metastore.RootID, "docs")
		require.NoError(t, err)
		assert.Equal(t, made.Entry.ID, dir.ID)
		assert.Equal(t, made.Entry.CTime, dir.CTime)

		entries, err := n.Store().ListDir(made.Entry.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "readme", entries[0].Name)
	}

	st, _ := c.primary.States().GetState(11)
	assert.Equal(t, state.Good, st.Consistency)
}

func TestCluster_ResyncBringsSecondaryBack(t *testing.T) {
	c := newCluster(t)

	resp := c.call(t, primaryAddr, wire.KindSetState, 0, transport.SetStateRequest{Target: 11, Consistency: "NEEDS-RESYNC"})
	require.NoError(t, resp.Err())

	// not forwarded while the secondary needs a resync
	resp = c.call(t, primaryAddr, wire.KindMkdir, 1, mirror.MkdirRequest{ParentID: metastore.RootID, Name: "late", Mode: 0o755})
	require.NoError(t, resp.Err())
	_, err := c.secondary.Store().Lookup(metastore.RootID, "late")
	require.ErrorIs(t, err, errcode.ErrNotFound)

	resp = c.call(t, primaryAddr, wire.KindStartResync, 0, transport.StartResyncRequest{})
	require.NoError(t, resp.Err())
	var started transport.StartResyncReply
	require.NoError(t, resp.Decode(&started))
	require.NotNil(t, started.Job)
	assert.Equal(t, state.TargetID(11), started.Job.Buddy)

	j, ok := c.primary.Resync().LastJob()
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := j.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, resync.Success, final)

	st, _ := c.primary.States().GetState(11)
	assert.Equal(t, state.Good, st.Consistency)
	st, _ = c.secondary.States().GetState(11)
	assert.Equal(t, state.Good, st.Consistency)
	assert.Equal(t, metastore.MirrorFlags{RootMirrored: true, BuddyMirrored: true}, c.secondary.Store().MirrorFlags())

	ino, err := c.secondary.Store().Lookup(metastore.RootID, "late")
	require.NoError(t, err)
	orig, err := c.primary.Store().Lookup(metastore.RootID, "late")
	require.NoError(t, err)
	assert.Equal(t, orig, ino)

	// forwarding resumes
	resp = c.call(t, primaryAddr, wire.KindMkdir, 1, mirror.MkdirRequest{ParentID: metastore.RootID, Name: "after", Mode: 0o755})
	require.NoError(t, resp.Err())
	_, err = c.secondary.Store().Lookup(metastore.RootID, "after")
	assert.NoError(t, err)
}

func TestCluster_Admin(t *testing.T) {
	c := newCluster(t)

	resp := c.call(t, primaryAddr, wire.KindGetStates, 0, nil)
	require.NoError(t, resp.Err())
	var states transport.GetStatesReply
	require.NoError(t, resp.Decode(&states))
	assert.Equal(t, []transport.TargetStateInfo{
		{Target: 10, Reachability: "ONLINE", Consistency: "GOOD"},
		{Target: 11, Reachability: "ONLINE", Consistency: "GOOD"},
	}, states.States)

	resp = c.call(t, secondaryAddr, wire.KindListGroups, 0, nil)
	require.NoError(t, resp.Err())
	var groups transport.ListGroupsReply
	require.NoError(t, resp.Decode(&groups))
	assert.Equal(t, []buddygroup.Group{{ID: 1, Primary: 10, Secondary: 11}}, groups.Groups)

	// only the primary can resync, and only a buddy that needs it
	resp = c.call(t, secondaryAddr, wire.KindStartResync, 0, transport.StartResyncRequest{})
	assert.Equal(t, errcode.Inval, resp.Code)
	resp = c.call(t, primaryAddr, wire.KindStartResync, 0, transport.StartResyncRequest{})
	assert.Equal(t, errcode.Inval, resp.Code)
	resp = c.call(t, primaryAddr, wire.KindStartResync, 0, transport.StartResyncRequest{Abort: true})
	assert.Equal(t, errcode.Inval, resp.Code)

	resp = c.call(t, primaryAddr, wire.KindSetState, 0, transport.SetStateRequest{Target: 11, Consistency: "SHINY"})
	assert.Equal(t, errcode.Inval, resp.Code)

	resp = c.call(t, secondaryAddr, wire.KindResyncStarted, 0, transport.ResyncStartedRequest{Target: 10})
	assert.Equal(t, errcode.UnknownTarget, resp.Code)
}

func TestNode_ConsistencySurvivesRestart(t *testing.T) {
	cfg := testConfig(t, 10, "11=passthrough:///n11")

	n, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	_, err = n.States().TransitionToNeedsResync(11)
	require.NoError(t, err)
	n.Stop()

	n2, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer n2.Stop()

	st, ok := n2.States().GetState(11)
	require.True(t, ok)
	assert.Equal(t, state.NeedsResync, st.Consistency)
	assert.Equal(t, state.ProbablyOffline, st.Reachability)
	g, ok := n2.Groups().Get(1)
	require.True(t, ok)
	assert.Equal(t, state.TargetID(10), g.Primary)
}

func TestNode_SwitchoverWhenPrimaryLost(t *testing.T) {
	cfg := testConfig(t, 11, "10=passthrough:///n10")
	n, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer n.Stop()

	n.States().SetState(10, state.Offline, state.Good)

	g, ok := n.Groups().Get(1)
	require.True(t, ok)
	assert.Equal(t, state.TargetID(11), g.Primary)
	assert.Equal(t, state.TargetID(10), g.Secondary)
}

func TestNode_SelfStaysOnlinePastTimeouts(t *testing.T) {
	c := newCluster(t, func(cfg *config.Config) {
		cfg.States.ProbablyOfflineTimeout = 60 * time.Millisecond
		cfg.States.OfflineTimeout = 120 * time.Millisecond
	})

	time.Sleep(400 * time.Millisecond)

	for _, n := range []*Node{c.primary, c.secondary} {
		st, ok := n.States().GetState(n.Self())
		require.True(t, ok)
		assert.Equal(t, state.Online, st.Reachability, "target %d", n.Self())
	}

	c.secondary.States().SetState(10, state.Offline, state.Good)

	g, ok := c.secondary.Groups().Get(1)
	require.True(t, ok)
	assert.Equal(t, state.TargetID(11), g.Primary)
}

func TestNode_PersistedSwitchoverWinsOverConfig(t *testing.T) {
	cfg := testConfig(t, 11, "10=passthrough:///n10")

	n, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	n.States().SetState(10, state.Offline, state.Good)
	n.Stop()

	// cfg still lists 10 as the primary of group 1
	n2, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer n2.Stop()

	g, ok := n2.Groups().Get(1)
	require.True(t, ok)
	assert.Equal(t, buddygroup.Group{ID: 1, Primary: 11, Secondary: 10}, g)
}

func TestNode_FormerPrimaryRejoinsAsSecondary(t *testing.T) {
	listeners := map[string]*bufconn.Listener{
		"n10": bufconn.Listen(1 << 20),
		"n11": bufconn.Listen(1 << 20),
	}
	dial := grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		return listeners[addr].DialContext(ctx)
	})

	// 11 took over while 10 was down
	s, err := New(testConfig(t, 11, "10="+primaryAddr), zerolog.Nop(), dial)
	require.NoError(t, err)
	s.States().SetState(10, state.Offline, state.Good)
	go func() { _ = s.Serve(listeners["n11"]) }()
	t.Cleanup(s.Stop)

	p, err := New(testConfig(t, 10, "11="+secondaryAddr), zerolog.Nop(), dial)
	require.NoError(t, err)
	g, _ := p.Groups().Get(1)
	require.Equal(t, state.TargetID(10), g.Primary)
	go func() { _ = p.Serve(listeners["n10"]) }()
	t.Cleanup(p.Stop)

	require.Eventually(t, func() bool {
		st, _ := p.States().GetState(10)
		return st.Consistency == state.NeedsResync
	}, 5*time.Second, 10*time.Millisecond)

	g, _ = p.Groups().Get(1)
	assert.Equal(t, buddygroup.Group{ID: 1, Primary: 11, Secondary: 10}, g)

	g, _ = s.Groups().Get(1)
	assert.Equal(t, state.TargetID(11), g.Primary, "the running primary keeps its role")
}
