// Package state holds the per-target reachability/consistency state machine.
//
// Reachability and consistency are independent axes:
//   - Reachability: Online -> ProbablyOffline -> Offline on missed reports,
//     back to Online from any state on a heartbeat.
//   - Consistency: Good -> NeedsResync -> Good (resync success) or Bad
//     (unrecoverable failure); Bad -> Good only by operator action.
package state
