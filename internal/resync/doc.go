// Package resync brings a secondary that fell behind back in line with its
// primary.
//
// A Job runs on the primary. It tells the buddy a resync is starting, crawls
// the local hash-bucket layout with a GatherSlave, and hands every candidate
// to a pool of sync slaves driving a BulkSyncer. Modifications made by
// clients while the job runs are not forwarded; they are collected into the
// job's mod-sync set and synced after the bulk pass with the workers parked.
// The outcome moves the buddy to Good or Bad.
//
// The Coordinator owns the running job and implements the resync-start and
// resync-finish handlers a target executes when it is the one being
// resynced.
package resync
