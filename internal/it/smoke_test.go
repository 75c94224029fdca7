package it

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buddymirror/internal/buddygroup"
	"buddymirror/internal/metastore"
	"buddymirror/internal/mirror"
	"buddymirror/internal/transport"
	"buddymirror/internal/wire"
)

func binaryPath(t *testing.T) string {
	t.Helper()
	path := os.Getenv("BUDDYMIRROR_BIN")
	if path == "" {
		path = "./buddymirrord"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Skip("Binary not found, skipping integration test. Build with: go build -o internal/it/buddymirrord ./cmd/buddymirrord")
	}
	return path
}

// startPair starts targets 10 (primary) and 11 (secondary) of group 1.
func startPair(t *testing.T, ctx context.Context, basePort int) (*Cluster, *Node, *Node) {
	t.Helper()
	cluster, err := NewCluster(binaryPath(t), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(cluster.Stop)

	cluster.AddGroup(1, 10, 11)
	primary := cluster.Define(10, basePort)
	secondary := cluster.Define(11, basePort+1)

	require.NoError(t, cluster.Start(ctx, secondary, ""))
	require.NoError(t, cluster.Start(ctx, primary, secondary.Root))

	waitFor(t, ctx, cluster, primary, func(s transport.TargetStateInfo) bool {
		return s.Target == 11 && s.Reachability == "ONLINE"
	})
	return cluster, primary, secondary
}

func waitFor(t *testing.T, ctx context.Context, c *Cluster, n *Node, match func(transport.TargetStateInfo) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := c.Call(ctx, n, wire.KindGetStates, 0, nil)
		if err != nil || resp.Err() != nil {
			return false
		}
		var reply transport.GetStatesReply
		if resp.Decode(&reply) != nil {
			return false
		}
		for _, s := range reply.States {
			if match(s) {
				return true
			}
		}
		return false
	}, 15*time.Second, 100*time.Millisecond)
}

func mkdir(t *testing.T, ctx context.Context, c *Cluster, n *Node, name string) *metastore.Inode {
	t.Helper()
	resp, err := c.Call(ctx, n, wire.KindMkdir, 1, mirror.MkdirRequest{ParentID: metastore.RootID, Name: name, Mode: 0o755})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	var made mirror.EntryReply
	require.NoError(t, resp.Decode(&made))
	require.NotNil(t, made.Entry)
	return made.Entry
}

func stat(t *testing.T, ctx context.Context, c *Cluster, n *Node, id string) (*metastore.Inode, error) {
	t.Helper()
	resp, err := c.Call(ctx, n, wire.KindStat, 1, mirror.StatRequest{EntryID: id})
	require.NoError(t, err)
	if err := resp.Err(); err != nil {
		return nil, err
	}
	var reply mirror.EntryReply
	require.NoError(t, resp.Decode(&reply))
	return reply.Entry, nil
}

func TestSmoke_MkdirIsMirrored(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	cluster, primary, secondary := startPair(t, ctx, 60171)

	made := mkdir(t, ctx, cluster, primary, "docs")

	got, err := stat(t, ctx, cluster, secondary, made.ID)
	require.NoError(t, err)
	assert.Equal(t, made.ID, got.ID)
	assert.True(t, made.CTime.Equal(got.CTime), "secondary must reuse the primary's timestamp")
}

func TestResync_SecondaryCatchesUpAfterRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	cluster, primary, secondary := startPair(t, ctx, 60173)

	require.NoError(t, cluster.Kill(secondary))
	waitFor(t, ctx, cluster, primary, func(s transport.TargetStateInfo) bool {
		return s.Target == 11 && s.Reachability != "ONLINE"
	})

	made := mkdir(t, ctx, cluster, primary, "while-down")
	waitFor(t, ctx, cluster, primary, func(s transport.TargetStateInfo) bool {
		return s.Target == 11 && s.Consistency == "NEEDS-RESYNC"
	})

	require.NoError(t, cluster.Start(ctx, secondary, ""))
	_, err := stat(t, ctx, cluster, secondary, made.ID)
	require.Error(t, err)

	resp, err := cluster.Call(ctx, primary, wire.KindStartResync, 0, transport.StartResyncRequest{})
	require.NoError(t, err)
	require.NoError(t, resp.Err())

	waitFor(t, ctx, cluster, primary, func(s transport.TargetStateInfo) bool {
		return s.Target == 11 && s.Consistency == "GOOD"
	})
	waitFor(t, ctx, cluster, secondary, func(s transport.TargetStateInfo) bool {
		return s.Target == 11 && s.Consistency == "GOOD"
	})

	got, err := stat(t, ctx, cluster, secondary, made.ID)
	require.NoError(t, err)
	assert.Equal(t, made.ID, got.ID)

	// forwarding resumes once the buddy is good again
	after := mkdir(t, ctx, cluster, primary, "after-resync")
	_, err = stat(t, ctx, cluster, secondary, after.ID)
	assert.NoError(t, err)
}

func TestSwitchover_SecondaryTakesOver(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	cluster, primary, secondary := startPair(t, ctx, 60175)

	require.NoError(t, cluster.Kill(primary))

	require.Eventually(t, func() bool {
		resp, err := cluster.Call(ctx, secondary, wire.KindListGroups, 0, nil)
		if err != nil || resp.Err() != nil {
			return false
		}
		var reply transport.ListGroupsReply
		if resp.Decode(&reply) != nil || len(reply.Groups) != 1 {
			return false
		}
		return reply.Groups[0] == buddygroup.Group{ID: 1, Primary: 11, Secondary: 10}
	}, 15*time.Second, 100*time.Millisecond)
}
