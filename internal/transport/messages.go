package transport

import (
	"buddymirror/internal/buddygroup"
	"buddymirror/internal/resync"
	"buddymirror/internal/state"
)

// Admin payloads. Metadata operation payloads live in package mirror.

// HeartbeatRequest announces that Target is alive.
type HeartbeatRequest struct {
	Target state.TargetID `json:"target"`
}

// TargetStateInfo is one row of a state listing.
type TargetStateInfo struct {
	Target       state.TargetID `json:"target"`
	Reachability string         `json:"reachability"`
	Consistency  string         `json:"consistency"`
}

// GetStatesReply lists every known target.
type GetStatesReply struct {
	States []TargetStateInfo `json:"states"`
}

// SetStateRequest overwrites the state of Target. Empty fields keep their
// current value.
type SetStateRequest struct {
	Target       state.TargetID `json:"target"`
	Reachability string         `json:"reachability,omitempty"`
	Consistency  string         `json:"consistency,omitempty"`
}

// ResyncStartedRequest tells Target it is about to be resynced.
type ResyncStartedRequest struct {
	Target state.TargetID `json:"target"`
}

// ResyncFinishedRequest reports the outcome of a resync of Target.
type ResyncFinishedRequest struct {
	Target  state.TargetID `json:"target"`
	Success bool           `json:"success"`
}

// StartResyncRequest asks a primary to resync its buddy. Abort interrupts a
// running job instead.
type StartResyncRequest struct {
	Abort bool `json:"abort,omitempty"`
}

// StartResyncReply describes the started, running or last job.
type StartResyncReply struct {
	Job *resync.JobStats `json:"job,omitempty"`
}

// ListGroupsReply lists the buddy groups.
type ListGroupsReply struct {
	Groups []buddygroup.Group `json:"groups"`
}
