package state

import (
	"context"
	"sync"
	"time"
)

// Monitor drives reachability downgrades from a ticker.
type Monitor struct {
	store           *Store
	interval        time.Duration
	pofflineTimeout time.Duration
	offlineTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. Zero durations fall back to defaults.
func NewMonitor(store *Store, interval, pofflineTimeout, offlineTimeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if pofflineTimeout <= 0 {
		pofflineTimeout = 30 * time.Second
	}
	if offlineTimeout <= 0 {
		offlineTimeout = 2 * pofflineTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		store:           store,
		interval:        interval,
		pofflineTimeout: pofflineTimeout,
		offlineTimeout:  offlineTimeout,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start launches the timeout checker.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.store.CheckTimeouts(m.pofflineTimeout, m.offlineTimeout)
			}
		}
	}()
}

// Stop stops the checker and waits for it to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}
