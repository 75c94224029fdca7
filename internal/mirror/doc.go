// Package mirror implements the mirrored request protocol of a buddy group.
//
// A request is executed once on the replica that receives it, under the
// entry locks its kind defines. If it changed observable state and the
// local target is the primary of the request's group, a copy carrying the
// values the primary computed (entry IDs, timestamps) is forwarded to the
// secondary, provided the secondary is Good. The client always receives the
// primary's result. Forwarding failures and diverging secondary results only
// move the secondary to NeedsResync.
//
// Copies received from a primary carry wire.FlagBuddyMirrorSecond and are
// never forwarded again.
package mirror
