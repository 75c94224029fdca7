package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buddymirror/internal/state"
)

func TestProber_MarksAnsweringPeersOnline(t *testing.T) {
	states := state.NewStore(zerolog.Nop())
	states.SetState(11, state.Offline, state.Good)
	states.SetState(12, state.ProbablyOffline, state.Good)

	send := func(_ context.Context, target state.TargetID) error {
		if target == 12 {
			return errors.New("unreachable")
		}
		return nil
	}
	p := NewProber(states, func() []state.TargetID { return []state.TargetID{11, 12, 13} }, send, time.Second, zerolog.Nop())

	assert.Equal(t, 1, p.ProbeOnce(context.Background()))

	st, _ := states.GetState(11)
	assert.Equal(t, state.Online, st.Reachability)
	st, _ = states.GetState(12)
	assert.Equal(t, state.ProbablyOffline, st.Reachability)
	_, known := states.GetState(13)
	assert.False(t, known)
}

func TestProber_Loop(t *testing.T) {
	states := state.NewStore(zerolog.Nop())
	states.SetState(11, state.Offline, state.Good)

	var sent atomic.Int32
	send := func(context.Context, state.TargetID) error {
		sent.Add(1)
		return nil
	}
	p := NewProber(states, func() []state.TargetID { return []state.TargetID{11} }, send, 10*time.Millisecond, zerolog.Nop())
	p.Start()
	require.Eventually(t, func() bool { return sent.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	p.Stop()

	st, _ := states.GetState(11)
	assert.Equal(t, state.Online, st.Reachability)

	n := sent.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, sent.Load())
}
