package metastore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"buddymirror/internal/errcode"
	"buddymirror/internal/hashdir"
)

// RootID is the entry ID of the root directory.
const RootID = "root"

// tmpPrefix marks in-flight writes. Names with this prefix are reserved.
const tmpPrefix = ".~tmp."

// IsTempName reports whether name is an in-flight write.
func IsTempName(name string) bool { return strings.HasPrefix(name, tmpPrefix) }

// EntryType distinguishes files from directories.
type EntryType int

const (
	TypeFile EntryType = iota + 1
	TypeDir
)

// String returns the string representation of EntryType.
func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	default:
		return "unknown"
	}
}

// Inode is the metadata of one entry.
type Inode struct {
	ID       string    `json:"id"`
	Type     EntryType `json:"type"`
	ParentID string    `json:"parent_id"`
	Name     string    `json:"name"`
	Mode     uint32    `json:"mode"`
	Size     int64     `json:"size"`
	CTime    time.Time `json:"ctime"`
	MTime    time.Time `json:"mtime"`
}

func (ino *Inode) copy() *Inode {
	c := *ino
	return &c
}

// DirEntry is one name in a directory listing.
type DirEntry struct {
	Name string    `json:"name"`
	ID   string    `json:"id"`
	Type EntryType `json:"type"`
}

// Attr is a partial attribute update; nil fields are left unchanged.
type Attr struct {
	Mode  *uint32    `json:"mode,omitempty"`
	Size  *int64     `json:"size,omitempty"`
	MTime *time.Time `json:"mtime,omitempty"`
}

// MirrorFlags describe the mirrored topology as seen by this replica.
type MirrorFlags struct {
	RootMirrored  bool
	BuddyMirrored bool
}

// Store is the on-disk metadata of one replica. Callers serialize access to
// individual entries through entry locks; the store itself only guards its
// inode cache.
type Store struct {
	layout hashdir.Layout
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*Inode
	flags MirrorFlags
}

// Open prepares root for use, creating the bucket layout and the root
// directory if missing.
func Open(root string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		layout: hashdir.Layout{Root: root},
		logger: logger.With().Str("component", "metastore").Logger(),
		cache:  make(map[string]*Inode),
	}
	if err := s.layout.Mkdirs(func(p string) error { return os.MkdirAll(p, 0o755) }); err != nil {
		return nil, fmt.Errorf("create layout: %w", err)
	}

	if _, err := s.loadInode(RootID); errors.Is(err, errcode.ErrNotFound) {
		now := time.Now().UTC()
		rootIno := &Inode{ID: RootID, Type: TypeDir, Mode: 0o755, CTime: now, MTime: now}
		if err := s.writeInode(rootIno); err != nil {
			return nil, fmt.Errorf("create root inode: %w", err)
		}
		if err := os.MkdirAll(s.layout.ContentDir(RootID), 0o755); err != nil {
			return nil, fmt.Errorf("create root content dir: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load root inode: %w", err)
	}
	return s, nil
}

// Layout returns the on-disk layout.
func (s *Store) Layout() hashdir.Layout { return s.layout }

// ValidName rejects names that cannot be stored as a dentry.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") ||
		strings.HasPrefix(name, tmpPrefix) {
		return errcode.ErrInval.WithMessagef("invalid name %q", name)
	}
	return nil
}

// ValidID rejects entry IDs that cannot be stored as a file name.
func ValidID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\x00") ||
		strings.HasPrefix(id, tmpPrefix) {
		return errcode.ErrInval.WithMessagef("invalid entry ID %q", id)
	}
	return nil
}

// Stat returns a copy of the inode of id.
func (s *Store) Stat(id string) (*Inode, error) {
	ino, err := s.loadInode(id)
	if err != nil {
		return nil, err
	}
	return ino.copy(), nil
}

// Lookup resolves name inside parentID.
func (s *Store) Lookup(parentID, name string) (*Inode, error) {
	d, err := s.readDentry(parentID, name)
	if err != nil {
		return nil, err
	}
	return s.Stat(d.ID)
}

// ListDir returns the entries of dirID sorted by name.
func (s *Store) ListDir(dirID string) ([]DirEntry, error) {
	if _, err := s.dirInode(dirID); err != nil {
		return nil, err
	}
	files, err := os.ReadDir(s.layout.ContentDir(dirID))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dirID, err)
	}

	out := make([]DirEntry, 0, len(files))
	for _, f := range files {
		if f.IsDir() || IsTempName(f.Name()) {
			continue
		}
		d, err := s.readDentry(dirID, f.Name())
		if err != nil {
			// removed concurrently
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Mkdir creates directory name in parentID with the given ID and timestamp.
func (s *Store) Mkdir(parentID, name, id string, mode uint32, now time.Time) (*Inode, error) {
	return s.create(parentID, name, &Inode{ID: id, Type: TypeDir, Mode: mode, CTime: now, MTime: now}, now)
}

// CreateFile creates file name in parentID with the given ID and timestamp.
func (s *Store) CreateFile(parentID, name, id string, mode uint32, now time.Time) (*Inode, error) {
	return s.create(parentID, name, &Inode{ID: id, Type: TypeFile, Mode: mode, CTime: now, MTime: now}, now)
}

func (s *Store) create(parentID, name string, ino *Inode, now time.Time) (*Inode, error) {
	parent, err := s.dirInode(parentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.readDentry(parentID, name); err == nil {
		return nil, errcode.ErrExists.WithMessagef("%s/%s", parentID, name)
	} else if !errors.Is(err, errcode.ErrNotFound) {
		return nil, err
	}
	if _, err := s.loadInode(ino.ID); err == nil {
		return nil, errcode.ErrExists.WithMessagef("entry %s", ino.ID)
	}

	ino.ParentID = parentID
	ino.Name = name
	if err := s.writeInode(ino); err != nil {
		return nil, err
	}
	if ino.Type == TypeDir {
		if err := os.MkdirAll(s.layout.ContentDir(ino.ID), 0o755); err != nil {
			s.removeInode(ino.ID)
			return nil, fmt.Errorf("create content dir: %w", err)
		}
	}
	if err := s.writeDentry(parentID, DirEntry{Name: name, ID: ino.ID, Type: ino.Type}); err != nil {
		if ino.Type == TypeDir {
			os.Remove(s.layout.ContentDir(ino.ID))
		}
		s.removeInode(ino.ID)
		return nil, err
	}

	s.touch(parent, now)
	s.logger.Debug().Str("parent", parentID).Str("name", name).Str("id", ino.ID).Str("type", ino.Type.String()).Msg("Created entry")
	return ino.copy(), nil
}

// Unlink removes file name from parentID.
func (s *Store) Unlink(parentID, name string, now time.Time) (*Inode, error) {
	parent, err := s.dirInode(parentID)
	if err != nil {
		return nil, err
	}
	ino, err := s.Lookup(parentID, name)
	if err != nil {
		return nil, err
	}
	if ino.Type == TypeDir {
		return nil, errcode.ErrIsDir.WithMessagef("%s/%s", parentID, name)
	}

	if err := s.removeDentry(parentID, name); err != nil {
		return nil, err
	}
	s.removeInode(ino.ID)
	s.touch(parent, now)
	return ino, nil
}

// Rmdir removes the empty directory name from parentID.
func (s *Store) Rmdir(parentID, name string, now time.Time) (*Inode, error) {
	parent, err := s.dirInode(parentID)
	if err != nil {
		return nil, err
	}
	ino, err := s.Lookup(parentID, name)
	if err != nil {
		return nil, err
	}
	if ino.Type != TypeDir {
		return nil, errcode.ErrNotDir.WithMessagef("%s/%s", parentID, name)
	}

	contentDir := s.layout.ContentDir(ino.ID)
	if err := os.Remove(contentDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		if errcode.CodeOf(err) == errcode.NotEmpty || errors.Is(err, fs.ErrExist) {
			return nil, errcode.ErrNotEmpty.WithMessagef("%s/%s", parentID, name)
		}
		return nil, fmt.Errorf("remove content dir: %w", err)
	}
	if err := s.removeDentry(parentID, name); err != nil {
		return nil, err
	}
	s.removeInode(ino.ID)
	s.touch(parent, now)
	return ino, nil
}

// Rename moves oldName to newName inside one directory. An existing file at
// newName is replaced when the source is a file too.
func (s *Store) Rename(parentID, oldName, newName string, now time.Time) (*Inode, error) {
	parent, err := s.dirInode(parentID)
	if err != nil {
		return nil, err
	}
	src, err := s.Lookup(parentID, oldName)
	if err != nil {
		return nil, err
	}
	if oldName == newName {
		return src, nil
	}

	var replaced *Inode
	if dst, err := s.Lookup(parentID, newName); err == nil {
		if dst.Type == TypeDir || src.Type == TypeDir {
			return nil, errcode.ErrExists.WithMessagef("%s/%s", parentID, newName)
		}
		replaced = dst
	} else if !errors.Is(err, errcode.ErrNotFound) {
		return nil, err
	}

	src.Name = newName
	src.CTime = now
	if err := s.writeInode(src); err != nil {
		return nil, err
	}
	if err := s.writeDentry(parentID, DirEntry{Name: newName, ID: src.ID, Type: src.Type}); err != nil {
		return nil, err
	}
	if err := s.removeDentry(parentID, oldName); err != nil {
		return nil, err
	}
	if replaced != nil {
		s.removeInode(replaced.ID)
	}
	s.touch(parent, now)
	return src.copy(), nil
}

// SetAttr applies attr to id.
func (s *Store) SetAttr(id string, attr Attr, now time.Time) (*Inode, error) {
	ino, err := s.Stat(id)
	if err != nil {
		return nil, err
	}
	if attr.Mode != nil {
		ino.Mode = *attr.Mode
	}
	if attr.Size != nil {
		if ino.Type == TypeDir {
			return nil, errcode.ErrIsDir.WithMessagef("entry %s", id)
		}
		if *attr.Size < 0 {
			return nil, errcode.ErrInval.WithMessagef("negative size %d", *attr.Size)
		}
		ino.Size = *attr.Size
	}
	if attr.MTime != nil {
		ino.MTime = attr.MTime.UTC()
	}
	ino.CTime = now
	if err := s.writeInode(ino); err != nil {
		return nil, err
	}
	return ino.copy(), nil
}

// InvalidateCache drops every cached inode and returns how many were cached.
func (s *Store) InvalidateCache() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.cache)
	s.cache = make(map[string]*Inode)
	return n
}

// CacheLen returns the number of cached inodes.
func (s *Store) CacheLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// SetMirrorFlags overwrites the topology flags.
func (s *Store) SetMirrorFlags(f MirrorFlags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = f
}

// MirrorFlags returns the topology flags.
func (s *Store) MirrorFlags() MirrorFlags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags
}

func (s *Store) dirInode(id string) (*Inode, error) {
	ino, err := s.loadInode(id)
	if err != nil {
		return nil, err
	}
	if ino.Type != TypeDir {
		return nil, errcode.ErrNotDir.WithMessagef("entry %s", id)
	}
	return ino.copy(), nil
}

func (s *Store) touch(dir *Inode, now time.Time) {
	dir.MTime = now
	dir.CTime = now
	if err := s.writeInode(dir); err != nil {
		s.logger.Warn().Err(err).Str("id", dir.ID).Msg("Failed to update directory timestamps")
	}
}

// loadInode returns the cached inode, reading it from disk on a miss. The
// result must not be modified by callers.
func (s *Store) loadInode(id string) (*Inode, error) {
	s.mu.RLock()
	ino, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return ino, nil
	}

	data, err := os.ReadFile(s.layout.InodePath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errcode.ErrNotFound.WithMessagef("entry %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read inode %s: %w", id, err)
	}
	ino = &Inode{}
	if err := json.Unmarshal(data, ino); err != nil {
		return nil, fmt.Errorf("decode inode %s: %w", id, err)
	}

	s.mu.Lock()
	s.cache[id] = ino
	s.mu.Unlock()
	return ino, nil
}

func (s *Store) writeInode(ino *Inode) error {
	data, err := json.Marshal(ino)
	if err != nil {
		return fmt.Errorf("encode inode %s: %w", ino.ID, err)
	}
	if err := WriteFileAtomic(s.layout.InodePath(ino.ID), data); err != nil {
		return fmt.Errorf("write inode %s: %w", ino.ID, err)
	}

	s.mu.Lock()
	s.cache[ino.ID] = ino.copy()
	s.mu.Unlock()
	return nil
}

func (s *Store) removeInode(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()

	if err := os.Remove(s.layout.InodePath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn().Err(err).Str("id", id).Msg("Failed to remove inode")
	}
}

func (s *Store) readDentry(parentID, name string) (*DirEntry, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.layout.DentryPath(parentID, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errcode.ErrNotFound.WithMessagef("%s/%s", parentID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read dentry %s/%s: %w", parentID, name, err)
	}
	d := &DirEntry{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("decode dentry %s/%s: %w", parentID, name, err)
	}
	return d, nil
}

func (s *Store) writeDentry(parentID string, d DirEntry) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode dentry: %w", err)
	}
	if err := WriteFileAtomic(s.layout.DentryPath(parentID, d.Name), data); err != nil {
		return fmt.Errorf("write dentry %s/%s: %w", parentID, d.Name, err)
	}
	return nil
}

func (s *Store) removeDentry(parentID, name string) error {
	err := os.Remove(s.layout.DentryPath(parentID, name))
	if errors.Is(err, fs.ErrNotExist) {
		return errcode.ErrNotFound.WithMessagef("%s/%s", parentID, name)
	}
	if err != nil {
		return fmt.Errorf("remove dentry %s/%s: %w", parentID, name, err)
	}
	return nil
}

// WriteFileAtomic writes data to path through a temporary sibling and renames it into place.
func WriteFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
