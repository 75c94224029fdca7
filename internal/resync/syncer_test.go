package resync

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buddymirror/internal/entrylock"
	"buddymirror/internal/hashdir"
	"buddymirror/internal/metastore"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// snapshot maps every path below root to its content; directories map to
// "/".
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		if rel == "." || metastore.IsTempName(d.Name()) {
			return nil
		}
		if d.IsDir() {
			out[rel] = "/"
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func populate(t *testing.T, s *metastore.Store) {
	t.Helper()
	_, err := s.Mkdir(metastore.RootID, "docs", "d1", 0o755, t0)
	require.NoError(t, err)
	_, err = s.Mkdir("d1", "old", "d2", 0o755, t0)
	require.NoError(t, err)
	_, err = s.CreateFile("d1", "readme", "f1", 0o644, t0)
	require.NoError(t, err)
	_, err = s.CreateFile(metastore.RootID, "top", "f2", 0o600, t0)
	require.NoError(t, err)
}

func fullSync(t *testing.T, src hashdir.Layout, s BulkSyncer) {
	t.Helper()
	g := NewGatherSlave(src, zerolog.Nop())
	require.NoError(t, g.Run(context.Background(), func(ctx context.Context, c hashdir.Candidate) error {
		return s.Sync(ctx, c)
	}))
	require.Zero(t, g.Stats().Errors)
}

func TestCopySyncer_FullSyncConverges(t *testing.T) {
	src, err := metastore.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	populate(t, src)

	dstRoot := t.TempDir()
	dst := hashdir.Layout{Root: dstRoot}
	fullSync(t, src.Layout(), NewCopySyncer(src.Layout(), dst, entrylock.NewStore()))

	assert.Equal(t, snapshot(t, src.Layout().Root), snapshot(t, dstRoot))

	replica, err := metastore.Open(dstRoot, zerolog.Nop())
	require.NoError(t, err)
	ino, err := replica.Lookup("d1", "readme")
	require.NoError(t, err)
	assert.Equal(t, "f1", ino.ID)
	assert.Equal(t, t0, ino.CTime)
}

func TestCopySyncer_RemovesStaleEntries(t *testing.T) {
	src, err := metastore.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	populate(t, src)

	dst, err := metastore.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	populate(t, dst)
	// the buddy has state the primary never had
	_, err = dst.Mkdir(metastore.RootID, "ghost", "g1", 0o755, t0)
	require.NoError(t, err)
	_, err = dst.CreateFile("g1", "inner", "g2", 0o644, t0)
	require.NoError(t, err)

	// and the primary changed since
	_, err = src.Rmdir("d1", "old", t0.Add(time.Second))
	require.NoError(t, err)

	s := NewCopySyncer(src.Layout(), dst.Layout(), nil)
	fullSync(t, src.Layout(), s)
	// the mod candidate of a removed directory is a no-op by now
	require.NoError(t, s.Sync(context.Background(), hashdir.ContentCandidate("d2")))

	assert.Equal(t, snapshot(t, src.Layout().Root), snapshot(t, dst.Layout().Root))
	_, err = os.Stat(dst.Layout().ContentDir("g1"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestCopySyncer_VanishedContentDirRemovedOnBuddy(t *testing.T) {
	src := newLayout(t)
	dst := newLayout(t, "d9")

	s := NewCopySyncer(src, dst, nil)
	require.NoError(t, s.Sync(context.Background(), hashdir.ContentCandidate("d9")))

	_, err := os.Stat(dst.ContentDir("d9"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestCopySyncer_SkipsTempFiles(t *testing.T) {
	src := newLayout(t, "d1")
	dst := newLayout(t)
	tmp := filepath.Join(src.ContentDir("d1"), ".~tmp.123")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o644))

	s := NewCopySyncer(src, dst, nil)
	require.NoError(t, s.Sync(context.Background(), hashdir.ContentCandidate("d1")))

	_, err := os.Stat(filepath.Join(dst.ContentDir("d1"), ".~tmp.123"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
	data, err := os.ReadFile(dst.DentryPath("d1", "entry"))
	require.NoError(t, err)
	assert.Equal(t, "d1", string(data))
}

func TestCopySyncer_HoldsBucketLock(t *testing.T) {
	src := newLayout(t, "d1")
	dst := newLayout(t)
	locks := entrylock.NewStore()

	c := hashdir.ContentCandidate("d1")
	h, err := locks.Acquire(entrylock.HashDirKey(hashdir.DentryBucketCandidate("d1").Path), false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- NewCopySyncer(src, dst, locks).Sync(context.Background(), c)
	}()

	select {
	case <-done:
		t.Fatal("sync ran while a mutation held the bucket")
	case <-time.After(50 * time.Millisecond):
	}
	h.Release()
	require.NoError(t, <-done)
}

func TestCopySyncer_CanceledContext(t *testing.T) {
	src := newLayout(t)
	dst := newLayout(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewCopySyncer(src, dst, nil).Sync(ctx, hashdir.InodeCandidate("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
