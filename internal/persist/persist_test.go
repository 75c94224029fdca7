package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buddymirror/internal/buddygroup"
	"buddymirror/internal/state"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	stores := make(map[string]Store)
	for backend, file := range map[string]string{
		BackendSQLite: "mapping.db",
		BackendYAML:   "mapping.yaml",
	} {
		s, err := Open(backend, filepath.Join(dir, file), zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		stores[backend] = s
	}
	return stores
}

func TestStore_GroupsRoundTrip(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			groups, err := s.LoadGroups()
			require.NoError(t, err)
			assert.Empty(t, groups)

			want := []buddygroup.Group{
				{ID: 1, Primary: 10, Secondary: 11},
				{ID: 2, Primary: 20, Secondary: 21},
			}
			require.NoError(t, s.SaveGroups(want))
			got, err := s.LoadGroups()
			require.NoError(t, err)
			assert.Equal(t, want, got)

			// full replacement, not append
			require.NoError(t, s.SaveGroups(want[1:]))
			got, err = s.LoadGroups()
			require.NoError(t, err)
			assert.Equal(t, want[1:], got)
		})
	}
}

func TestStore_ConsistencyRoundTrip(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			want := map[state.TargetID]state.Consistency{
				10: state.Good,
				11: state.NeedsResync,
				12: state.Bad,
			}
			require.NoError(t, s.SaveConsistency(want))

			got, err := s.LoadConsistency()
			require.NoError(t, err)
			assert.Equal(t, want, got)

			// groups and states do not clobber each other
			require.NoError(t, s.SaveGroups([]buddygroup.Group{{ID: 1, Primary: 10, Secondary: 11}}))
			got, err = s.LoadConsistency()
			require.NoError(t, err)
			assert.Len(t, got, 3)
		})
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.db")
	s, err := NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.SaveGroups([]buddygroup.Group{{ID: 7, Primary: 1, Secondary: 2}}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	groups, err := s.LoadGroups()
	require.NoError(t, err)
	assert.Equal(t, []buddygroup.Group{{ID: 7, Primary: 1, Secondary: 2}}, groups)
}

func TestYAMLStore_RejectsUnknownConsistency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets:\n  3: SHINY\n"), 0o644))

	s, err := NewYAMLStore(path, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.LoadConsistency()
	assert.Error(t, err)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("etcd", "x", zerolog.Nop())
	assert.Error(t, err)
}

func TestConsistencyOf(t *testing.T) {
	got := ConsistencyOf(map[state.TargetID]state.CombinedState{
		1: {Reachability: state.Offline, Consistency: state.Bad},
	})
	assert.Equal(t, map[state.TargetID]state.Consistency{1: state.Bad}, got)
}

func TestMapper_WithSQLitePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.db")
	s, err := NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	states := state.NewStore(zerolog.Nop())
	m := buddygroup.NewMapper(states, zerolog.Nop())
	m.SetPersister(s)
	require.NoError(t, m.MapGroup(buddygroup.Group{ID: 1, Primary: 10, Secondary: 11}, false))

	reloaded := buddygroup.NewMapper(states, zerolog.Nop())
	reloaded.SetPersister(s)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, m.List(), reloaded.List())
}
