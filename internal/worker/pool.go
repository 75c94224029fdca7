// Package worker runs requests on a fixed set of workers. Each worker takes
// work from its personal queue first and from the shared queue otherwise,
// one task at a time to completion.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"buddymirror/internal/errcode"
)

// Task is one unit of work. ctx carries the executing worker's ID.
type Task func(ctx context.Context)

type workerIDKey struct{}

// WorkerID returns the ID of the worker running the task that owns ctx.
func WorkerID(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(workerIDKey{}).(int)
	return id, ok
}

// Bind returns ctx carrying the worker ID of workerCtx, so a request-scoped
// context can stand in for the task context.
func Bind(ctx, workerCtx context.Context) context.Context {
	if id, ok := WorkerID(workerCtx); ok {
		return context.WithValue(ctx, workerIDKey{}, id)
	}
	return ctx
}

// Pool is a fixed-size worker pool.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	shared   []Task
	personal [][]Task
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewPool creates a pool with n workers. Call Start to run them.
func NewPool(n int, logger zerolog.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		personal: make([][]Task, n),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With().Str("component", "workers").Logger(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.personal) }

// Start launches the workers.
func (p *Pool) Start() {
	for i := range p.personal {
		p.wg.Add(1)
		go p.run(i)
	}
	p.logger.Info().Int("workers", len(p.personal)).Msg("Worker pool started")
}

// Stop rejects new tasks, wakes idle workers and waits for running tasks to
// finish. Queued tasks are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.shared = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Submit queues t on the shared queue.
func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return errcode.ErrShutdown.WithMessage("worker pool stopped")
	}
	p.shared = append(p.shared, t)
	p.cond.Signal()
	return nil
}

// SubmitPersonal queues t for one specific worker. Personal tasks run before
// any shared task.
func (p *Pool) SubmitPersonal(workerID int, t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return errcode.ErrShutdown.WithMessage("worker pool stopped")
	}
	if workerID < 0 || workerID >= len(p.personal) {
		return errcode.ErrInval.WithMessagef("no worker %d", workerID)
	}
	p.personal[workerID] = append(p.personal[workerID], t)
	// Signal may wake the wrong worker
	p.cond.Broadcast()
	return nil
}

func (p *Pool) next(id int) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.stopped {
			return nil, false
		}
		if q := p.personal[id]; len(q) > 0 {
			t := q[0]
			p.personal[id] = q[1:]
			return t, true
		}
		if len(p.shared) > 0 {
			t := p.shared[0]
			p.shared = p.shared[1:]
			return t, true
		}
		p.cond.Wait()
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	ctx := context.WithValue(p.ctx, workerIDKey{}, id)

	for {
		t, ok := p.next(id)
		if !ok {
			return
		}
		p.exec(ctx, id, t)
	}
}

func (p *Pool) exec(ctx context.Context, id int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Int("worker", id).Interface("panic", r).Msg("Task panicked")
		}
	}()
	t(ctx)
}

// Quiesce parks every worker except the one running ctx's task (if any) on
// a barrier and returns once all of them are parked. At that point no
// worker is executing a task that started before Quiesce was called. The
// workers stay parked until release is called.
//
// If ctx ends before all workers arrive, the barrier is released and an
// error is returned.
func (p *Pool) Quiesce(ctx context.Context) (release func(), err error) {
	self, inWorker := WorkerID(ctx)

	gate := make(chan struct{})
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }

	reached := make(chan int, len(p.personal))
	waiting := 0
	start := time.Now()
	for id := range p.personal {
		if inWorker && id == self {
			continue
		}
		err := p.SubmitPersonal(id, func(context.Context) {
			reached <- id
			<-gate
		})
		if err != nil {
			release()
			return nil, err
		}
		waiting++
	}

	for waiting > 0 {
		select {
		case <-reached:
			waiting--
		case <-ctx.Done():
			release()
			p.logger.Error().Int("missing", waiting).Msg("Workers did not reach barrier")
			return nil, fmt.Errorf("quiesce workers: %d not at barrier: %w", waiting, ctx.Err())
		}
	}

	p.logger.Info().Dur("took", time.Since(start)).Msg("All workers at barrier")
	return release, nil
}
