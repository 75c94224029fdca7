// Package heartbeat keeps target reachability fresh. Every interval the
// local target announces itself to all peers, and each peer that answers is
// marked Online locally. Silence is handled by state.Monitor.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"buddymirror/internal/state"
)

// SendFunc delivers one heartbeat to target.
type SendFunc func(ctx context.Context, target state.TargetID) error

// Prober sends periodic heartbeats.
type Prober struct {
	states   *state.Store
	targets  func() []state.TargetID
	send     SendFunc
	interval time.Duration
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber creates a prober. targets returns the peers to contact.
func NewProber(states *state.Store, targets func() []state.TargetID, send SendFunc, interval time.Duration, logger zerolog.Logger) *Prober {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Prober{
		states:   states,
		targets:  targets,
		send:     send,
		interval: interval,
		logger:   logger.With().Str("component", "heartbeat").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the probe loop.
func (p *Prober) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.ProbeOnce(p.ctx)
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.ProbeOnce(p.ctx)
			}
		}
	}()
}

// Stop stops the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.cancel()
	p.wg.Wait()
}

// ProbeOnce contacts every peer concurrently and returns how many answered.
func (p *Prober) ProbeOnce(ctx context.Context) int {
	var (
		mu       sync.Mutex
		answered int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range p.targets() {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, p.interval)
			defer cancel()

			if err := p.send(cctx, target); err != nil {
				p.logger.Debug().Err(err).Uint16("peer", uint16(target)).Msg("Heartbeat failed")
				return nil
			}
			if err := p.states.Heartbeat(target); err != nil {
				p.logger.Warn().Err(err).Uint16("peer", uint16(target)).Msg("Heartbeat from untracked target")
				return nil
			}
			mu.Lock()
			answered++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return answered
}
