package buddygroup

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"buddymirror/internal/errcode"
	"buddymirror/internal/state"
)

// GroupID identifies a buddy group. Zero is not a valid group ID.
type GroupID uint16

// Group is one primary/secondary pair.
type Group struct {
	ID        GroupID        `json:"id" yaml:"id"`
	Primary   state.TargetID `json:"primary" yaml:"primary"`
	Secondary state.TargetID `json:"secondary" yaml:"secondary"`
}

// Buddy returns the other member of the group, or false if target is not a
// member.
func (g Group) Buddy(target state.TargetID) (state.TargetID, bool) {
	switch target {
	case g.Primary:
		return g.Secondary, true
	case g.Secondary:
		return g.Primary, true
	}
	return 0, false
}

// Persister stores the group table. Implementations live in package persist.
type Persister interface {
	LoadGroups() ([]Group, error)
	SaveGroups(groups []Group) error
}

// Mapper is the group table. It reads target states from a state.Store but
// never writes them.
type Mapper struct {
	mu       sync.RWMutex
	groups   map[GroupID]Group
	byTarget map[state.TargetID]GroupID

	states    *state.Store
	persister Persister
	logger    zerolog.Logger
}

// NewMapper creates an empty mapper backed by states.
func NewMapper(states *state.Store, logger zerolog.Logger) *Mapper {
	return &Mapper{
		groups:   make(map[GroupID]Group),
		byTarget: make(map[state.TargetID]GroupID),
		states:   states,
		logger:   logger.With().Str("component", "buddy_groups").Logger(),
	}
}

// SetPersister attaches a persistence backend. Every later mutation is
// written through it.
func (m *Mapper) SetPersister(p Persister) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persister = p
}

// Load replaces the table with the persisted groups.
func (m *Mapper) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.persister == nil {
		return nil
	}
	groups, err := m.persister.LoadGroups()
	if err != nil {
		return fmt.Errorf("load buddy groups: %w", err)
	}

	m.groups = make(map[GroupID]Group, len(groups))
	m.byTarget = make(map[state.TargetID]GroupID, 2*len(groups))
	for _, g := range groups {
		if err := m.checkLocked(g, false); err != nil {
			return fmt.Errorf("load buddy group %d: %w", g.ID, err)
		}
		m.insertLocked(g)
	}
	m.logger.Info().Int("groups", len(groups)).Msg("Loaded buddy groups")
	return nil
}

// MapGroup adds g to the table. An existing group with the same ID is only
// replaced if allowUpdate is set.
//
// Errors: Inval if the ID is zero or primary == secondary, InUse if either
// target already belongs to another group, Exists if the group exists and
// allowUpdate is false.
func (m *Mapper) MapGroup(g Group, allowUpdate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(g, allowUpdate); err != nil {
		return err
	}

	prev, existed := m.groups[g.ID]
	if existed {
		delete(m.byTarget, prev.Primary)
		delete(m.byTarget, prev.Secondary)
	}
	m.insertLocked(g)

	if err := m.saveLocked(); err != nil {
		// roll back so memory matches the persisted table
		delete(m.byTarget, g.Primary)
		delete(m.byTarget, g.Secondary)
		delete(m.groups, g.ID)
		if existed {
			m.insertLocked(prev)
		}
		return err
	}

	m.logger.Info().
		Uint16("group", uint16(g.ID)).
		Uint16("primary", uint16(g.Primary)).
		Uint16("secondary", uint16(g.Secondary)).
		Msg("Mapped buddy group")
	return nil
}

func (m *Mapper) checkLocked(g Group, allowUpdate bool) error {
	if g.ID == 0 {
		return errcode.ErrInval.WithMessage("group ID 0 is reserved")
	}
	if g.Primary == g.Secondary {
		return errcode.ErrInval.WithMessagef("group %d: primary and secondary are both target %d", g.ID, g.Primary)
	}
	if _, exists := m.groups[g.ID]; exists && !allowUpdate {
		return errcode.ErrExists.WithMessagef("group %d", g.ID)
	}
	for _, t := range []state.TargetID{g.Primary, g.Secondary} {
		if other, ok := m.byTarget[t]; ok && other != g.ID {
			return errcode.ErrInUse.WithMessagef("target %d already in group %d", t, other)
		}
	}
	return nil
}

func (m *Mapper) insertLocked(g Group) {
	m.groups[g.ID] = g
	m.byTarget[g.Primary] = g.ID
	m.byTarget[g.Secondary] = g.ID
}

func (m *Mapper) saveLocked() error {
	if m.persister == nil {
		return nil
	}
	if err := m.persister.SaveGroups(m.listLocked()); err != nil {
		m.logger.Error().Err(err).Msg("Failed to persist buddy groups")
		return fmt.Errorf("save buddy groups: %w", err)
	}
	return nil
}

// Get returns the group with the given ID.
func (m *Mapper) Get(id GroupID) (Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	return g, ok
}

// GroupOf returns the group target belongs to and whether it is the primary.
func (m *Mapper) GroupOf(target state.TargetID) (id GroupID, isPrimary bool, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok = m.byTarget[target]
	if !ok {
		return 0, false, false
	}
	return id, m.groups[id].Primary == target, true
}

// BuddyOf returns the other target in target's group.
func (m *Mapper) BuddyOf(target state.TargetID) (state.TargetID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTarget[target]
	if !ok {
		return 0, false
	}
	return m.groups[id].Buddy(target)
}

// IsPrimary reports whether target is currently the primary of its group.
func (m *Mapper) IsPrimary(target state.TargetID) bool {
	_, isPrimary, ok := m.GroupOf(target)
	return ok && isPrimary
}

// ForwardTarget returns the secondary of group id together with its current
// state. ok is false unless the secondary's consistency is Good; only such
// targets may receive new mirrored writes. Reachability is reported but not
// judged here.
func (m *Mapper) ForwardTarget(id GroupID) (target state.TargetID, st state.CombinedState, ok bool) {
	g, found := m.Get(id)
	if !found {
		return 0, state.CombinedState{}, false
	}
	st, known := m.states.GetState(g.Secondary)
	if !known || st.Consistency != state.Good {
		return g.Secondary, st, false
	}
	return g.Secondary, st, true
}

// Switchover swaps the roles of group id.
func (m *Mapper) Switchover(id GroupID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return errcode.ErrUnknownGroup.WithMessagef("group %d", id)
	}
	swapped := Group{ID: id, Primary: g.Secondary, Secondary: g.Primary}
	m.groups[id] = swapped
	if err := m.saveLocked(); err != nil {
		m.groups[id] = g
		return err
	}

	m.logger.Warn().
		Uint16("group", uint16(id)).
		Uint16("new_primary", uint16(swapped.Primary)).
		Msg("Buddy group switchover")
	return nil
}

// CheckSwitchover is a state.ChangeFunc. When a secondary reports Online and
// Good while its primary is Offline, the roles are swapped. Returns whether a
// switchover happened.
func (m *Mapper) CheckSwitchover(target state.TargetID, _, next state.CombinedState) bool {
	if next.Reachability != state.Online || next.Consistency != state.Good {
		return false
	}
	id, isPrimary, ok := m.GroupOf(target)
	if !ok || isPrimary {
		return false
	}
	g, _ := m.Get(id)
	primary, known := m.states.GetState(g.Primary)
	if !known || primary.Reachability != state.Offline {
		return false
	}
	if err := m.Switchover(id); err != nil {
		m.logger.Error().Err(err).Uint16("group", uint16(id)).Msg("Switchover failed")
		return false
	}
	return true
}

// List returns all groups ordered by ID.
func (m *Mapper) List() []Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked()
}

func (m *Mapper) listLocked() []Group {
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
