package resync

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/zerolog"

	"buddymirror/internal/hashdir"
)

// ErrStopped is returned by GatherSlave.Run after Stop.
var ErrStopped = errors.New("gather stopped")

// GatherStats counts the outcome of one crawl.
type GatherStats struct {
	Candidates uint64
	Errors     uint64
}

// EmitFunc receives one candidate. A non-nil error aborts the crawl.
type EmitFunc func(ctx context.Context, c hashdir.Candidate) error

// GatherSlave crawls the inodes and dentries roots of a layout and emits
// one candidate per first-level bucket, plus one per content directory
// below each dentries bucket.
type GatherSlave struct {
	layout hashdir.Layout
	logger zerolog.Logger

	// lstat and readDir are replaceable in tests.
	lstat   func(string) (fs.FileInfo, error)
	readDir func(string) ([]fs.DirEntry, error)

	stop       atomic.Bool
	candidates atomic.Uint64
	errs       atomic.Uint64
}

// NewGatherSlave returns a crawler over layout.
func NewGatherSlave(layout hashdir.Layout, logger zerolog.Logger) *GatherSlave {
	return &GatherSlave{
		layout:  layout,
		logger:  logger.With().Str("component", "gather").Logger(),
		lstat:   os.Lstat,
		readDir: os.ReadDir,
	}
}

// Stop asks a running crawl to end at the next directory entry.
func (g *GatherSlave) Stop() {
	g.stop.Store(true)
}

// Stats returns the counters of the current or last crawl.
func (g *GatherSlave) Stats() GatherStats {
	return GatherStats{Candidates: g.candidates.Load(), Errors: g.errs.Load()}
}

func (g *GatherSlave) stopped(ctx context.Context) bool {
	return g.stop.Load() || ctx.Err() != nil
}

// Run crawls both roots. Counters and the stop flag are reset first, so a
// crawl that was stopped cleanly can simply be run again.
//
// Anomalies (unreadable roots, non-directories, buckets vanishing) are
// counted in Stats().Errors and the crawl goes on. The only tolerated
// anomaly is a content directory that disappears between listing and stat,
// which is an ordinary concurrent rmdir.
func (g *GatherSlave) Run(ctx context.Context, emit EmitFunc) error {
	g.stop.Store(false)
	g.candidates.Store(0)
	g.errs.Store(0)

	roots := []struct {
		name string
		typ  hashdir.DirType
	}{
		{hashdir.InodesDirName, hashdir.InodeBucket},
		{hashdir.DentriesDirName, hashdir.DentryBucket},
	}
	for _, root := range roots {
		if err := g.crawlRoot(ctx, root.name, root.typ, emit); err != nil {
			return err
		}
	}

	st := g.Stats()
	g.logger.Info().Uint64("candidates", st.Candidates).Uint64("errors", st.Errors).Msg("Gather finished")
	return nil
}

func (g *GatherSlave) crawlRoot(ctx context.Context, name string, typ hashdir.DirType, emit EmitFunc) error {
	entries, err := g.readDir(filepath.Join(g.layout.Root, name))
	if err != nil {
		g.logger.Error().Err(err).Str("root", name).Msg("Cannot list crawl root")
		g.errs.Add(1)
		return nil
	}

	for _, e := range entries {
		if g.stopped(ctx) {
			return g.stopErr(ctx)
		}
		rel := filepath.Join(name, e.Name())
		fi, err := g.lstat(filepath.Join(g.layout.Root, rel))
		if err != nil {
			// A bucket is never removed, so a vanished one is an error.
			g.logger.Error().Err(err).Str("path", rel).Msg("Cannot stat bucket")
			g.errs.Add(1)
			continue
		}
		if !fi.IsDir() {
			g.logger.Error().Str("path", rel).Msg("Unexpected non-directory in crawl root")
			g.errs.Add(1)
			continue
		}
		if err := g.emit(ctx, emit, hashdir.Candidate{Path: rel, Type: typ}); err != nil {
			return err
		}
		if typ == hashdir.DentryBucket {
			if err := g.crawlBucket(ctx, rel, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *GatherSlave) crawlBucket(ctx context.Context, bucket string, emit EmitFunc) error {
	entries, err := g.readDir(filepath.Join(g.layout.Root, bucket))
	if err != nil {
		g.logger.Error().Err(err).Str("path", bucket).Msg("Cannot list dentry bucket")
		g.errs.Add(1)
		return nil
	}

	for _, e := range entries {
		if g.stopped(ctx) {
			return g.stopErr(ctx)
		}
		rel := filepath.Join(bucket, e.Name())
		fi, err := g.lstat(filepath.Join(g.layout.Root, rel))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			g.logger.Error().Err(err).Str("path", rel).Msg("Cannot stat content directory")
			g.errs.Add(1)
			continue
		}
		if !fi.IsDir() {
			g.logger.Error().Str("path", rel).Msg("Unexpected non-directory in dentry bucket")
			g.errs.Add(1)
			continue
		}
		if err := g.emit(ctx, emit, hashdir.Candidate{Path: rel, Type: hashdir.ContentDir}); err != nil {
			return err
		}
	}
	return nil
}

func (g *GatherSlave) emit(ctx context.Context, emit EmitFunc, c hashdir.Candidate) error {
	if err := emit(ctx, c); err != nil {
		return err
	}
	g.candidates.Add(1)
	return nil
}

func (g *GatherSlave) stopErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrStopped
}
