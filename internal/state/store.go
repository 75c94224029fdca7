package state

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"buddymirror/internal/errcode"
)

type targetInfo struct {
	state    CombinedState
	lastSeen time.Time // last heartbeat or online report
}

// ChangeFunc observes a state change. It is invoked outside the store lock.
type ChangeFunc func(id TargetID, old, new CombinedState)

// Store is the authoritative map of target -> CombinedState. Concurrent
// writers resolve by last-write-wins; the store performs no retries and
// does not enforce forwarding policy.
type Store struct {
	mu     sync.RWMutex
	states map[TargetID]*targetInfo
	now    func() time.Time
	logger zerolog.Logger

	onChange      ChangeFunc
	onNeedsResync func(TargetID)

	local    TargetID
	hasLocal bool
}

// NewStore creates an empty target state store.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		states: make(map[TargetID]*targetInfo),
		now:    time.Now,
		logger: logger.With().Str("component", "target_states").Logger(),
	}
}

// SetOnChange sets a callback invoked after every effective state change.
func (s *Store) SetOnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// SetLocal marks id as the target served by this process. Its
// reachability is never downgraded by CheckTimeouts since it reports to
// nobody but itself.
func (s *Store) SetLocal(id TargetID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = id
	s.hasLocal = true
}

// SetOnNeedsResync sets a callback invoked when a target enters NeedsResync
// through TransitionToNeedsResync.
func (s *Store) SetOnNeedsResync(fn func(TargetID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNeedsResync = fn
}

// GetState returns the state of id and whether id is known.
func (s *Store) GetState(id TargetID) (CombinedState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.states[id]
	if !ok {
		return CombinedState{}, false
	}
	return info.state, true
}

// SetState unconditionally overwrites the state of id, registering it if
// unknown. Used by recovery and administrative callers.
func (s *Store) SetState(id TargetID, r Reachability, c Consistency) {
	next := CombinedState{Reachability: r, Consistency: c}

	s.mu.Lock()
	info, ok := s.states[id]
	if !ok {
		info = &targetInfo{state: next}
		s.states[id] = info
	}
	old := info.state
	info.state = next
	if r == Online {
		info.lastSeen = s.now()
	}
	cb := s.onChange
	s.mu.Unlock()

	if (!ok || old != next) && cb != nil {
		cb(id, old, next)
	}
}

// Heartbeat marks id Online from any reachability state.
func (s *Store) Heartbeat(id TargetID) error {
	s.mu.Lock()
	info, ok := s.states[id]
	if !ok {
		s.mu.Unlock()
		return errcode.ErrUnknownTarget.WithMessagef("target %d", id)
	}
	old := info.state
	info.state.Reachability = Online
	info.lastSeen = s.now()
	next := info.state
	cb := s.onChange
	s.mu.Unlock()

	if old != next {
		s.logger.Info().Uint16("target", uint16(id)).Str("from", old.Reachability.String()).Msg("Target is coming online")
		if cb != nil {
			cb(id, old, next)
		}
	}
	return nil
}

// TransitionToNeedsResync moves id to NeedsResync from Good or Bad. A target
// already in NeedsResync is left alone and changed is false, so repeated
// failures within one episode notify only once.
func (s *Store) TransitionToNeedsResync(id TargetID) (changed bool, err error) {
	s.mu.Lock()
	info, ok := s.states[id]
	if !ok {
		s.mu.Unlock()
		return false, errcode.ErrUnknownTarget.WithMessagef("target %d", id)
	}
	old := info.state
	if old.Consistency == NeedsResync {
		s.mu.Unlock()
		return false, nil
	}
	info.state.Consistency = NeedsResync
	next := info.state
	cb, notify := s.onChange, s.onNeedsResync
	s.mu.Unlock()

	s.logger.Warn().Uint16("target", uint16(id)).Str("from", old.Consistency.String()).Msg("Target needs resync")
	if cb != nil {
		cb(id, old, next)
	}
	if notify != nil {
		notify(id)
	}
	return true, nil
}

// FinishResync ends a resync of id: Good on success, Bad otherwise.
func (s *Store) FinishResync(id TargetID, success bool) error {
	to := Bad
	if success {
		to = Good
	}
	return s.ChangeConsistency(id, NeedsResync, to)
}

// ForceGood is the operator path that returns a Bad target to Good after
// manual repair.
func (s *Store) ForceGood(id TargetID) error {
	cur, ok := s.GetState(id)
	if !ok {
		return errcode.ErrUnknownTarget.WithMessagef("target %d", id)
	}
	if cur.Consistency == Good {
		return nil
	}
	if cur.Consistency != Bad {
		return errcode.ErrInval.WithMessagef("target %d is %s, not BAD", id, cur.Consistency)
	}
	return s.ChangeConsistency(id, Bad, Good)
}

// ChangeConsistency sets the consistency of id to to only if it is currently
// from. Returns Again if the current state does not match.
func (s *Store) ChangeConsistency(id TargetID, from, to Consistency) error {
	s.mu.Lock()
	info, ok := s.states[id]
	if !ok {
		s.mu.Unlock()
		return errcode.ErrUnknownTarget.WithMessagef("target %d", id)
	}
	if info.state.Consistency != from {
		cur := info.state.Consistency
		s.mu.Unlock()
		return errcode.ErrAgain.WithMessagef("target %d is %s, expected %s", id, cur, from)
	}
	old := info.state
	info.state.Consistency = to
	next := info.state
	cb := s.onChange
	s.mu.Unlock()

	if old != next {
		s.logger.Info().Uint16("target", uint16(id)).Str("from", from.String()).Str("to", to.String()).Msg("Consistency changed")
		if cb != nil {
			cb(id, old, next)
		}
	}
	return nil
}

// CheckTimeouts downgrades reachability of targets that have not reported
// for longer than the given timeouts: Online -> ProbablyOffline after
// pofflineTimeout, ProbablyOffline -> Offline after offlineTimeout. It
// returns the targets that changed. The local target is skipped.
func (s *Store) CheckTimeouts(pofflineTimeout, offlineTimeout time.Duration) []TargetID {
	type change struct {
		id       TargetID
		old, new CombinedState
	}
	var changes []change

	now := s.now()
	s.mu.Lock()
	for id, info := range s.states {
		if s.hasLocal && id == s.local {
			continue
		}
		elapsed := now.Sub(info.lastSeen)
		old := info.state

		switch {
		case old.Reachability == Online && elapsed > pofflineTimeout:
			info.state.Reachability = ProbablyOffline
		case old.Reachability == ProbablyOffline && elapsed > offlineTimeout:
			info.state.Reachability = Offline
		default:
			continue
		}
		changes = append(changes, change{id: id, old: old, new: info.state})
	}
	cb := s.onChange
	s.mu.Unlock()

	ids := make([]TargetID, 0, len(changes))
	for _, c := range changes {
		s.logger.Warn().Uint16("target", uint16(c.id)).Str("state", c.new.Reachability.String()).Msg("No state report received")
		if cb != nil {
			cb(c.id, c.old, c.new)
		}
		ids = append(ids, c.id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns a copy of all states.
func (s *Store) Snapshot() map[TargetID]CombinedState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[TargetID]CombinedState, len(s.states))
	for id, info := range s.states {
		out[id] = info.state
	}
	return out
}

// IDs returns all known target IDs in ascending order.
func (s *Store) IDs() []TargetID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]TargetID, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
