package state

import "fmt"

// TargetID identifies a storage or metadata target.
type TargetID uint16

// Reachability is the network-liveness classification of a target.
type Reachability int

const (
	Online Reachability = iota
	ProbablyOffline
	Offline
)

// String returns the string representation of Reachability.
func (r Reachability) String() string {
	switch r {
	case Online:
		return "ONLINE"
	case ProbablyOffline:
		return "PROBABLY-OFFLINE"
	case Offline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// Consistency is the data-correctness classification of a target.
type Consistency int

const (
	Good Consistency = iota
	NeedsResync
	Bad
)

// String returns the string representation of Consistency.
func (c Consistency) String() string {
	switch c {
	case Good:
		return "GOOD"
	case NeedsResync:
		return "NEEDS-RESYNC"
	case Bad:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

// ParseReachability parses the String form of a Reachability.
func ParseReachability(s string) (Reachability, error) {
	for _, r := range []Reachability{Online, ProbablyOffline, Offline} {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown reachability state %q", s)
}

// ParseConsistency parses the String form of a Consistency.
func ParseConsistency(s string) (Consistency, error) {
	for _, c := range []Consistency{Good, NeedsResync, Bad} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown consistency state %q", s)
}

// CombinedState pairs the two independent state axes of a target.
type CombinedState struct {
	Reachability Reachability
	Consistency  Consistency
}

func (s CombinedState) String() string {
	return s.Reachability.String() + "/" + s.Consistency.String()
}

// CanForwardTo reports whether new mirrored writes may be sent to a target
// in this state.
func (s CombinedState) CanForwardTo() bool {
	return s.Reachability == Online && s.Consistency == Good
}
