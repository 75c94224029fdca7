// Package hashdir implements the two-level hash-bucket layout of a metadata
// replica. Entry IDs are hashed into a fixed number of first-level buckets
// under two roots: "inodes" holds one file per entry, "dentries" holds one
// content directory per directory entry.
package hashdir
