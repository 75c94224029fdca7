// Package metastore is the metadata replica that mirrored operations mutate.
//
// Inodes live in inodes/<bucket>/<entryID> and directory entries in
// dentries/<bucket>/<dirID>/<name>, where bucket is derived from the entry
// or directory ID by package hashdir. All mutating calls take the timestamp
// to apply, so a secondary replaying a forwarded operation ends up with the
// same state as the primary.
package metastore
