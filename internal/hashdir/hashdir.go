package hashdir

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
)

const (
	// NumBuckets is the number of first-level hash buckets under each root.
	NumBuckets = 128

	// InodesDirName and DentriesDirName are the two crawl roots.
	InodesDirName   = "inodes"
	DentriesDirName = "dentries"
)

// DirType tags a sync candidate with the part of the layout it came from.
type DirType int

const (
	InodeBucket DirType = iota
	DentryBucket
	ContentDir
)

// String returns the string representation of DirType.
func (t DirType) String() string {
	switch t {
	case InodeBucket:
		return "inode-bucket"
	case DentryBucket:
		return "dentry-bucket"
	case ContentDir:
		return "content-dir"
	default:
		return "unknown"
	}
}

// Candidate is one unit of resync work: a bucket or content directory
// relative to the layout root.
type Candidate struct {
	Path string
	Type DirType
}

// Bucket returns the hash bucket name for an entry ID.
func Bucket(entryID string) string {
	return fmt.Sprintf("%02X", hashString(entryID)%NumBuckets)
}

// hashString computes a 32-bit FNV-1a hash of the string.
func hashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// Layout resolves entry IDs to paths below a replica root.
type Layout struct {
	Root string
}

// InodesDir returns the inode tree root.
func (l Layout) InodesDir() string { return filepath.Join(l.Root, InodesDirName) }

// DentriesDir returns the dentry tree root.
func (l Layout) DentriesDir() string { return filepath.Join(l.Root, DentriesDirName) }

// InodeBucketDir returns the bucket directory holding entryID's inode.
func (l Layout) InodeBucketDir(entryID string) string {
	return filepath.Join(l.InodesDir(), Bucket(entryID))
}

// InodePath returns the inode file of entryID.
func (l Layout) InodePath(entryID string) string {
	return filepath.Join(l.InodeBucketDir(entryID), entryID)
}

// ContentDir returns the directory holding the dentries of dirID.
func (l Layout) ContentDir(dirID string) string {
	return filepath.Join(l.DentriesDir(), Bucket(dirID), dirID)
}

// DentryPath returns the dentry file for name inside parentID.
func (l Layout) DentryPath(parentID, name string) string {
	return filepath.Join(l.ContentDir(parentID), name)
}

// InodeCandidate returns the inode bucket candidate covering entryID.
func InodeCandidate(entryID string) Candidate {
	return Candidate{Path: filepath.Join(InodesDirName, Bucket(entryID)), Type: InodeBucket}
}

// DentryBucketCandidate returns the dentry bucket candidate covering the
// content directory of dirID.
func DentryBucketCandidate(dirID string) Candidate {
	return Candidate{Path: filepath.Join(DentriesDirName, Bucket(dirID)), Type: DentryBucket}
}

// ContentCandidate returns the content directory candidate of dirID.
func ContentCandidate(dirID string) Candidate {
	return Candidate{Path: filepath.Join(DentriesDirName, Bucket(dirID), dirID), Type: ContentDir}
}

// Abs returns the absolute path of c below the layout root.
func (l Layout) Abs(c Candidate) string {
	return filepath.Join(l.Root, c.Path)
}

// Mkdirs creates both roots and every first-level bucket.
func (l Layout) Mkdirs(mkdir func(path string) error) error {
	for _, root := range []string{l.InodesDir(), l.DentriesDir()} {
		for i := 0; i < NumBuckets; i++ {
			if err := mkdir(filepath.Join(root, fmt.Sprintf("%02X", i))); err != nil {
				return err
			}
		}
	}
	return nil
}
