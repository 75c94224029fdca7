// Package entrylock provides in-process mutual exclusion keyed by hash
// bucket, directory ID, (parent, name) pair, or file ID.
//
// When one operation needs several keys it must take them in the global
// order defined by Key.Less: all hash-bucket locks first, then directory
// locks, then parent/name locks, then file locks, each class ordered by ID.
// AcquireAll does this for callers. Fairness is not guaranteed.
package entrylock

import (
	"sort"
	"sync"

	"buddymirror/internal/errcode"
)

// Class is a lock domain. The numeric order is the acquisition order.
type Class int

const (
	ClassHashDir Class = iota
	ClassDirID
	ClassParentName
	ClassFileID
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassHashDir:
		return "hashdir"
	case ClassDirID:
		return "dir"
	case ClassParentName:
		return "parent-name"
	case ClassFileID:
		return "file"
	default:
		return "unknown"
	}
}

// Key names one lockable object.
type Key struct {
	Class Class
	ID    string
	Name  string // only for ClassParentName
}

// HashDirKey locks one hash bucket.
func HashDirKey(bucket string) Key { return Key{Class: ClassHashDir, ID: bucket} }

// DirKey locks a directory entry.
func DirKey(dirID string) Key { return Key{Class: ClassDirID, ID: dirID} }

// ParentNameKey serializes create/rename/unlink races on one name.
func ParentNameKey(parentID, name string) Key {
	return Key{Class: ClassParentName, ID: parentID, Name: name}
}

// FileKey locks a file entry.
func FileKey(fileID string) Key { return Key{Class: ClassFileID, ID: fileID} }

// Less reports whether k must be acquired before other.
func (k Key) Less(other Key) bool {
	if k.Class != other.Class {
		return k.Class < other.Class
	}
	if k.ID != other.ID {
		return k.ID < other.ID
	}
	return k.Name < other.Name
}

func (k Key) String() string {
	if k.Class == ClassParentName {
		return k.Class.String() + ":" + k.ID + "/" + k.Name
	}
	return k.Class.String() + ":" + k.ID
}

type lockEntry struct {
	readers int
	writer  bool
	waiters int
	cond    *sync.Cond
}

// Store is a map of per-key reader/writer locks. Entries exist only while
// held or waited on.
type Store struct {
	mu     sync.Mutex
	locks  map[Key]*lockEntry
	closed bool
}

// NewStore creates an empty lock store.
func NewStore() *Store {
	return &Store{locks: make(map[Key]*lockEntry)}
}

// Acquire blocks until key can be held in the requested mode. Multiple shared
// holders may coexist; an exclusive holder excludes everyone else. After
// Close, Acquire fails with Shutdown and current waiters unwind.
func (s *Store) Acquire(key Key, exclusive bool) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.locks[key]
	if e == nil {
		e = &lockEntry{cond: sync.NewCond(&s.mu)}
		s.locks[key] = e
	}

	for {
		if s.closed {
			s.dropIfIdle(key, e)
			return nil, errcode.ErrShutdown.WithMessagef("lock %s", key)
		}
		if exclusive && !e.writer && e.readers == 0 {
			e.writer = true
			break
		}
		if !exclusive && !e.writer {
			e.readers++
			break
		}
		e.waiters++
		e.cond.Wait()
		e.waiters--
	}

	return &Handle{store: s, key: key, exclusive: exclusive}, nil
}

func (s *Store) release(key Key, exclusive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.locks[key]
	if e == nil {
		return
	}
	if exclusive {
		e.writer = false
	} else if e.readers > 0 {
		e.readers--
	}
	if e.waiters > 0 {
		e.cond.Broadcast()
	}
	s.dropIfIdle(key, e)
}

// dropIfIdle must be called with s.mu held.
func (s *Store) dropIfIdle(key Key, e *lockEntry) {
	if !e.writer && e.readers == 0 && e.waiters == 0 {
		delete(s.locks, key)
	}
}

// Close wakes all waiters with a Shutdown error and rejects new acquisitions.
// Held locks stay valid until released.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, e := range s.locks {
		e.cond.Broadcast()
	}
}

// Len returns the number of keys currently held or waited on.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

// Handle is one held lock. Release is idempotent.
type Handle struct {
	store     *Store
	key       Key
	exclusive bool
	once      sync.Once
}

// Key returns the locked key.
func (h *Handle) Key() Key { return h.key }

// Exclusive reports whether the lock is held exclusively.
func (h *Handle) Exclusive() bool { return h.exclusive }

// Release gives the lock back. Safe to call more than once and on nil.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() { h.store.release(h.key, h.exclusive) })
}

// Request is one key of a multi-key acquisition.
type Request struct {
	Key       Key
	Exclusive bool
}

// Shared requests key in shared mode.
func Shared(key Key) Request { return Request{Key: key} }

// Exclusive requests key in exclusive mode.
func Exclusive(key Key) Request { return Request{Key: key, Exclusive: true} }

// Set is the lock state of one operation. The zero value holds nothing.
type Set struct {
	handles []*Handle
}

// AcquireAll takes all requested keys in global order. Duplicate keys are
// merged, with exclusive winning. On error every key already taken is
// released again.
func (s *Store) AcquireAll(reqs ...Request) (*Set, error) {
	merged := make(map[Key]bool, len(reqs))
	for _, r := range reqs {
		merged[r.Key] = merged[r.Key] || r.Exclusive
	}
	keys := make([]Key, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	set := &Set{handles: make([]*Handle, 0, len(keys))}
	for _, k := range keys {
		h, err := s.Acquire(k, merged[k])
		if err != nil {
			set.Release()
			return nil, err
		}
		set.handles = append(set.handles, h)
	}
	return set, nil
}

// Keys returns the held keys in acquisition order.
func (ls *Set) Keys() []Key {
	if ls == nil {
		return nil
	}
	keys := make([]Key, len(ls.handles))
	for i, h := range ls.handles {
		keys[i] = h.key
	}
	return keys
}

// Release releases all held keys in reverse acquisition order. Safe on nil.
func (ls *Set) Release() {
	if ls == nil {
		return
	}
	for i := len(ls.handles) - 1; i >= 0; i-- {
		ls.handles[i].Release()
	}
	ls.handles = nil
}
