package state

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Many concurrent failure reports within one episode must notify exactly once.
func TestProperty_NeedsResyncOncePerEpisode(t *testing.T) {
	s := newTestStore()
	s.SetState(11, Online, Good)

	var notified atomic.Int32
	s.SetOnNeedsResync(func(TargetID) { notified.Add(1) })

	for episode := 1; episode <= 3; episode++ {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.TransitionToNeedsResync(11)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(episode), notified.Load())

		// Resync repairs the target, opening a new episode
		require.NoError(t, s.FinishResync(11, true))
	}
}

// Concurrent SetState calls leave one of the written values, never a mix.
func TestProperty_LastWriteWins(t *testing.T) {
	s := newTestStore()
	written := []CombinedState{
		{Online, Good}, {Offline, Bad}, {ProbablyOffline, NeedsResync},
	}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := written[rand.Intn(len(written))]
			s.SetState(1, w.Reachability, w.Consistency)
		}(i)
	}
	wg.Wait()

	got, ok := s.GetState(1)
	require.True(t, ok)
	assert.Contains(t, written, got)
}
