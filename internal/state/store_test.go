package state

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buddymirror/internal/errcode"
)

func newTestStore() *Store {
	return NewStore(zerolog.Nop())
}

func TestStore_SetGetState(t *testing.T) {
	s := newTestStore()

	_, ok := s.GetState(10)
	assert.False(t, ok)

	s.SetState(10, Offline, Bad)
	got, ok := s.GetState(10)
	require.True(t, ok)
	assert.Equal(t, CombinedState{Reachability: Offline, Consistency: Bad}, got)
}

func TestStore_TransitionToNeedsResync(t *testing.T) {
	tests := []struct {
		name        string
		from        Consistency
		wantChanged bool
	}{
		{name: "from good", from: Good, wantChanged: true},
		{name: "from bad (repair retry)", from: Bad, wantChanged: true},
		{name: "already needs resync", from: NeedsResync, wantChanged: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore()
			s.SetState(11, Online, tt.from)

			notified := 0
			s.SetOnNeedsResync(func(id TargetID) {
				assert.Equal(t, TargetID(11), id)
				notified++
			})

			changed, err := s.TransitionToNeedsResync(11)
			require.NoError(t, err)
			assert.Equal(t, tt.wantChanged, changed)

			got, _ := s.GetState(11)
			assert.Equal(t, NeedsResync, got.Consistency)
			assert.Equal(t, Online, got.Reachability, "reachability axis must not move")
			if tt.wantChanged {
				assert.Equal(t, 1, notified)
			} else {
				assert.Equal(t, 0, notified)
			}
		})
	}
}

func TestStore_TransitionUnknownTarget(t *testing.T) {
	s := newTestStore()
	_, err := s.TransitionToNeedsResync(99)
	assert.ErrorIs(t, err, errcode.ErrUnknownTarget)
}

func TestStore_FinishResync(t *testing.T) {
	s := newTestStore()
	s.SetState(1, Online, NeedsResync)
	s.SetState(2, Online, NeedsResync)
	s.SetState(3, Online, Good)

	require.NoError(t, s.FinishResync(1, true))
	require.NoError(t, s.FinishResync(2, false))
	assert.ErrorIs(t, s.FinishResync(3, true), errcode.ErrAgain)

	st1, _ := s.GetState(1)
	st2, _ := s.GetState(2)
	assert.Equal(t, Good, st1.Consistency)
	assert.Equal(t, Bad, st2.Consistency)
}

func TestStore_ForceGood(t *testing.T) {
	s := newTestStore()
	s.SetState(1, Online, Bad)
	s.SetState(2, Online, NeedsResync)

	require.NoError(t, s.ForceGood(1))
	st, _ := s.GetState(1)
	assert.Equal(t, Good, st.Consistency)

	// Already good is a no-op
	require.NoError(t, s.ForceGood(1))

	assert.ErrorIs(t, s.ForceGood(2), errcode.ErrInval)
	assert.ErrorIs(t, s.ForceGood(3), errcode.ErrUnknownTarget)
}

func TestStore_ChangeConsistencyMismatch(t *testing.T) {
	s := newTestStore()
	s.SetState(1, Online, Good)

	err := s.ChangeConsistency(1, NeedsResync, Good)
	assert.ErrorIs(t, err, errcode.ErrAgain)
}

func TestStore_HeartbeatFromAnyState(t *testing.T) {
	for _, r := range []Reachability{Online, ProbablyOffline, Offline} {
		t.Run(r.String(), func(t *testing.T) {
			s := newTestStore()
			s.SetState(5, r, NeedsResync)
			require.NoError(t, s.Heartbeat(5))

			got, _ := s.GetState(5)
			assert.Equal(t, CombinedState{Reachability: Online, Consistency: NeedsResync}, got)
		})
	}

	s := newTestStore()
	assert.ErrorIs(t, s.Heartbeat(1), errcode.ErrUnknownTarget)
}

func TestStore_CheckTimeouts(t *testing.T) {
	s := newTestStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.SetState(1, Online, Good)
	s.SetState(2, Online, Good)

	// Target 2 keeps reporting, target 1 goes silent
	now = now.Add(2 * time.Second)
	require.NoError(t, s.Heartbeat(2))

	changed := s.CheckTimeouts(time.Second, 3*time.Second)
	assert.Equal(t, []TargetID{1}, changed)
	st, _ := s.GetState(1)
	assert.Equal(t, ProbablyOffline, st.Reachability)

	now = now.Add(2 * time.Second) // 4s since target 1 was seen
	changed = s.CheckTimeouts(time.Second, 3*time.Second)
	assert.Contains(t, changed, TargetID(1))
	st, _ = s.GetState(1)
	assert.Equal(t, Offline, st.Reachability)
	assert.Equal(t, Good, st.Consistency, "consistency axis must not move")

	require.NoError(t, s.Heartbeat(1))
	st, _ = s.GetState(1)
	assert.Equal(t, Online, st.Reachability)
}

func TestStore_CheckTimeoutsSkipsLocal(t *testing.T) {
	s := newTestStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.SetLocal(1)
	s.SetState(1, Online, Good)
	s.SetState(2, Online, Good)

	now = now.Add(time.Minute)
	assert.Equal(t, []TargetID{2}, s.CheckTimeouts(time.Second, 3*time.Second))
	assert.Equal(t, []TargetID{2}, s.CheckTimeouts(time.Second, 3*time.Second))

	st, _ := s.GetState(1)
	assert.Equal(t, Online, st.Reachability)
	st, _ = s.GetState(2)
	assert.Equal(t, Offline, st.Reachability)
}

func TestStore_OnChange(t *testing.T) {
	s := newTestStore()
	var seen []CombinedState
	s.SetOnChange(func(id TargetID, old, new CombinedState) {
		seen = append(seen, new)
	})

	s.SetState(1, Online, Good)
	s.SetState(1, Online, Good) // no change
	_, _ = s.TransitionToNeedsResync(1)

	require.Len(t, seen, 2)
	assert.Equal(t, NeedsResync, seen[1].Consistency)
}

func TestMonitor_DowngradesSilentTargets(t *testing.T) {
	s := newTestStore()
	s.SetState(1, Online, Good)

	m := NewMonitor(s, 10*time.Millisecond, 30*time.Millisecond, 60*time.Millisecond)
	m.Start()
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		st, _ := s.GetState(1)
		if st.Reachability == Offline {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("target never went offline, state %s", st)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestParseStates(t *testing.T) {
	r, err := ParseReachability("PROBABLY-OFFLINE")
	require.NoError(t, err)
	assert.Equal(t, ProbablyOffline, r)

	c, err := ParseConsistency("NEEDS-RESYNC")
	require.NoError(t, err)
	assert.Equal(t, NeedsResync, c)

	_, err = ParseConsistency("meh")
	assert.Error(t, err)

	assert.True(t, CombinedState{Online, Good}.CanForwardTo())
	assert.False(t, CombinedState{ProbablyOffline, Good}.CanForwardTo())
	assert.False(t, CombinedState{Online, NeedsResync}.CanForwardTo())
}
