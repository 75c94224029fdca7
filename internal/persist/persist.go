// Package persist stores the buddy group table and target consistency states
// across restarts. Reachability is never persisted: it is re-learned from
// heartbeats after startup.
package persist

import (
	"fmt"

	"github.com/rs/zerolog"

	"buddymirror/internal/buddygroup"
	"buddymirror/internal/state"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendYAML   = "yaml"
)

// Store is a persistence backend for mapping data.
type Store interface {
	buddygroup.Persister

	LoadConsistency() (map[state.TargetID]state.Consistency, error)
	SaveConsistency(states map[state.TargetID]state.Consistency) error
	Close() error
}

// Open opens the backend named by backend at path.
func Open(backend, path string, logger zerolog.Logger) (Store, error) {
	switch backend {
	case BackendSQLite:
		return NewSQLiteStore(path, logger)
	case BackendYAML:
		return NewYAMLStore(path, logger)
	default:
		return nil, fmt.Errorf("unknown mapping backend %q", backend)
	}
}

// ConsistencyOf extracts the persisted part of a state snapshot.
func ConsistencyOf(snapshot map[state.TargetID]state.CombinedState) map[state.TargetID]state.Consistency {
	out := make(map[state.TargetID]state.Consistency, len(snapshot))
	for id, st := range snapshot {
		out[id] = st.Consistency
	}
	return out
}
