package hashdir

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucket_Determinism(t *testing.T) {
	keys := []string{"root", "a1b2", "1-5F3A-7", "entry-999"}
	for _, k := range keys {
		assert.Equal(t, Bucket(k), Bucket(k), "bucket of %s", k)
		assert.Len(t, Bucket(k), 2)
	}
}

func TestBucket_Distribution(t *testing.T) {
	seen := make(map[string]int)
	for i := 0; i < 10000; i++ {
		seen[Bucket(fmt.Sprintf("entry-%d", i))]++
	}

	// Every bucket should receive some entries
	assert.Len(t, seen, NumBuckets)
	for b, n := range seen {
		assert.Greater(t, n, 20, "bucket %s too empty", b)
	}
}

func TestLayout_Paths(t *testing.T) {
	l := Layout{Root: "/meta"}
	b := Bucket("dir1")

	assert.Equal(t, filepath.Join("/meta", "inodes", Bucket("f"), "f"), l.InodePath("f"))
	assert.Equal(t, filepath.Join("/meta", "dentries", b, "dir1"), l.ContentDir("dir1"))
	assert.Equal(t, filepath.Join("/meta", "dentries", b, "dir1", "x"), l.DentryPath("dir1", "x"))

	c := ContentCandidate("dir1")
	assert.Equal(t, ContentDir, c.Type)
	assert.Equal(t, l.ContentDir("dir1"), l.Abs(c))
	assert.Equal(t, l.InodeBucketDir("f"), l.Abs(InodeCandidate("f")))

	d := DentryBucketCandidate("dir1")
	assert.Equal(t, DentryBucket, d.Type)
	assert.Equal(t, filepath.Dir(l.ContentDir("dir1")), l.Abs(d))
}

func TestLayout_Mkdirs(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	require.NoError(t, l.Mkdirs(func(p string) error { return os.MkdirAll(p, 0755) }))

	for _, root := range []string{l.InodesDir(), l.DentriesDir()} {
		entries, err := os.ReadDir(root)
		require.NoError(t, err)
		assert.Len(t, entries, NumBuckets)
	}
}

func TestDirType_String(t *testing.T) {
	assert.Equal(t, "inode-bucket", InodeBucket.String())
	assert.Equal(t, "dentry-bucket", DentryBucket.String())
	assert.Equal(t, "content-dir", ContentDir.String())
}
