package resync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"buddymirror/internal/entrylock"
	"buddymirror/internal/hashdir"
	"buddymirror/internal/metastore"
)

// BulkSyncer makes the buddy's copy of one candidate identical to the local
// one. It must be safe for concurrent use by several sync slaves.
type BulkSyncer interface {
	Sync(ctx context.Context, c hashdir.Candidate) error
}

// CopySyncer syncs between two layouts on the local filesystem. Each
// candidate is copied while holding its hash bucket lock exclusively, which
// keeps it consistent with mutations running on the source.
type CopySyncer struct {
	src   hashdir.Layout
	dst   hashdir.Layout
	locks *entrylock.Store
}

// NewCopySyncer returns a syncer copying from src to dst. locks may be nil
// when src is not being modified.
func NewCopySyncer(src, dst hashdir.Layout, locks *entrylock.Store) *CopySyncer {
	return &CopySyncer{src: src, dst: dst, locks: locks}
}

// Sync implements BulkSyncer.
func (s *CopySyncer) Sync(ctx context.Context, c hashdir.Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.locks != nil {
		h, err := s.locks.Acquire(entrylock.HashDirKey(bucketOf(c)), true)
		if err != nil {
			return err
		}
		defer h.Release()
	}

	src, dst := s.src.Abs(c), s.dst.Abs(c)
	switch c.Type {
	case hashdir.InodeBucket:
		return syncFiles(src, dst)
	case hashdir.DentryBucket:
		return syncSubdirs(src, dst)
	case hashdir.ContentDir:
		if _, err := os.Lstat(src); errors.Is(err, fs.ErrNotExist) {
			if err := os.RemoveAll(dst); err != nil {
				return fmt.Errorf("remove %s: %w", c.Path, err)
			}
			return nil
		}
		return syncFiles(src, dst)
	default:
		return fmt.Errorf("unknown candidate type %d for %s", c.Type, c.Path)
	}
}

// bucketOf returns the first-level bucket a candidate lives in.
func bucketOf(c hashdir.Candidate) string {
	if c.Type == hashdir.ContentDir {
		return filepath.Dir(c.Path)
	}
	return c.Path
}

// syncFiles mirrors the regular files of src into dst and removes files of
// dst that src lacks. Subdirectories are left alone.
func syncFiles(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	want, err := listNames(src, false)
	if err != nil {
		return err
	}
	have, err := listNames(dst, false)
	if err != nil {
		return err
	}

	for name := range want {
		data, err := os.ReadFile(filepath.Join(src, name))
		if errors.Is(err, fs.ErrNotExist) {
			delete(want, name)
			continue
		}
		if err != nil {
			return err
		}
		if _, ok := have[name]; ok {
			cur, err := os.ReadFile(filepath.Join(dst, name))
			if err == nil && bytes.Equal(cur, data) {
				continue
			}
		}
		if err := metastore.WriteFileAtomic(filepath.Join(dst, name), data); err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
	}

	for name := range have {
		if _, ok := want[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(dst, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// syncSubdirs creates dst and removes its subdirectories that src lacks.
// The contents of surviving subdirectories are separate candidates.
func syncSubdirs(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	want, err := listNames(src, true)
	if err != nil {
		return err
	}
	have, err := listNames(dst, true)
	if err != nil {
		return err
	}
	for name := range want {
		if err := os.MkdirAll(filepath.Join(dst, name), 0o755); err != nil {
			return err
		}
	}
	for name := range have {
		if _, ok := want[name]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dst, name)); err != nil {
			return err
		}
	}
	return nil
}

// listNames returns the names of dir's directories (dirs) or regular files,
// ignoring in-flight temporary files.
func listNames(dir string, dirs bool) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() != dirs || metastore.IsTempName(e.Name()) {
			continue
		}
		out[e.Name()] = struct{}{}
	}
	return out, nil
}
