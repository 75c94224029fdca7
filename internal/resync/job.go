package resync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"buddymirror/internal/hashdir"
	"buddymirror/internal/state"
)

// JobState is the lifecycle of a resync job.
type JobState int32

const (
	NotStarted JobState = iota
	Running
	Success
	Errors
	Interrupted
	Failure
)

// String returns the string representation of JobState.
func (s JobState) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Running:
		return "RUNNING"
	case Success:
		return "SUCCESS"
	case Errors:
		return "ERRORS"
	case Interrupted:
		return "INTERRUPTED"
	case Failure:
		return "FAILURE"
	default:
		return fmt.Sprintf("JobState(%d)", int32(s))
	}
}

// Finished reports whether s is a terminal state.
func (s JobState) Finished() bool {
	return s >= Success
}

// BuddyConsistency is the consistency the buddy ends up with after a job
// in state s.
func (s JobState) BuddyConsistency() state.Consistency {
	if s == Success {
		return state.Good
	}
	return state.Bad
}

// JobStats is a snapshot of a job.
type JobStats struct {
	Buddy        state.TargetID `json:"buddy"`
	State        string         `json:"state"`
	Started      time.Time      `json:"started"`
	Ended        time.Time      `json:"ended,omitempty"`
	Gathered     uint64         `json:"gathered"`
	GatherErrors uint64         `json:"gather_errors"`
	Synced       uint64         `json:"synced"`
	SyncErrors   uint64         `json:"sync_errors"`
	ModSynced    uint64         `json:"mod_synced"`
	ModErrors    uint64         `json:"mod_errors"`
}

// Job resyncs one buddy. It is created and driven by a Coordinator.
type Job struct {
	buddy   state.TargetID
	syncer  BulkSyncer
	gather  *GatherSlave
	slaves  int
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu       sync.Mutex
	state    JobState
	started  time.Time
	ended    time.Time
	tracking bool
	mods     map[hashdir.Candidate]struct{}

	synced    atomic.Uint64
	syncErrs  atomic.Uint64
	modSynced atomic.Uint64
	modErrs   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newJob(buddy state.TargetID, layout hashdir.Layout, syncer BulkSyncer, slaves int, limiter *rate.Limiter, logger zerolog.Logger) *Job {
	if slaves <= 0 {
		slaves = 1
	}
	log := logger.With().Uint16("buddy", uint16(buddy)).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		buddy:   buddy,
		syncer:  syncer,
		gather:  NewGatherSlave(layout, log),
		slaves:  slaves,
		limiter: limiter,
		logger:  log,
		mods:    make(map[hashdir.Candidate]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Buddy returns the target being resynced.
func (j *Job) Buddy() state.TargetID { return j.buddy }

// State returns the current job state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx ends and returns the final
// state.
func (j *Job) Wait(ctx context.Context) (JobState, error) {
	select {
	case <-j.done:
		return j.State(), nil
	case <-ctx.Done():
		return j.State(), ctx.Err()
	}
}

// Abort interrupts a job that has not finished. The buddy ends up Bad.
func (j *Job) Abort() {
	j.mu.Lock()
	if j.state == NotStarted || j.state == Running {
		j.state = Interrupted
	}
	j.mu.Unlock()
	j.gather.Stop()
	j.cancel()
}

// Stats returns a snapshot of the job counters.
func (j *Job) Stats() JobStats {
	j.mu.Lock()
	st := JobStats{Buddy: j.buddy, State: j.state.String(), Started: j.started, Ended: j.ended}
	j.mu.Unlock()

	g := j.gather.Stats()
	st.Gathered = g.Candidates
	st.GatherErrors = g.Errors
	st.Synced = j.synced.Load()
	st.SyncErrors = j.syncErrs.Load()
	st.ModSynced = j.modSynced.Load()
	st.ModErrors = j.modErrs.Load()
	return st
}

// AddModifications records candidates touched by a client request while
// the job runs. It reports false once the job no longer tracks changes, in
// which case the caller forwards as usual.
func (j *Job) AddModifications(cs []hashdir.Candidate) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.tracking {
		return false
	}
	for _, c := range cs {
		j.mods[c] = struct{}{}
	}
	return true
}

// begin moves the job to Running and starts tracking modifications. It
// fails if the job was aborted first.
func (j *Job) begin(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != NotStarted {
		return false
	}
	j.state = Running
	j.started = now
	j.tracking = true
	return true
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// end stops tracking and settles the final state from the error counters.
func (j *Job) end(now time.Time) JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tracking = false
	j.ended = now
	if j.state == Running || j.state == Interrupted {
		if j.errorCount() > 0 {
			j.state = Errors
		} else if j.state == Running {
			j.state = Success
		}
	}
	return j.state
}

func (j *Job) errorCount() uint64 {
	return j.gather.Stats().Errors + j.syncErrs.Load() + j.modErrs.Load()
}

// bulkSync runs the gather slave and the sync slaves until every gathered
// candidate has been synced.
func (j *Job) bulkSync() error {
	g, ctx := errgroup.WithContext(j.ctx)
	work := make(chan hashdir.Candidate, j.slaves*4)

	g.Go(func() error {
		defer close(work)
		return j.gather.Run(ctx, func(ctx context.Context, c hashdir.Candidate) error {
			select {
			case work <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	for i := 0; i < j.slaves; i++ {
		g.Go(func() error {
			for c := range work {
				if j.limiter != nil {
					if err := j.limiter.Wait(ctx); err != nil {
						return err
					}
				}
				if err := j.syncer.Sync(ctx, c); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					j.syncErrs.Add(1)
					j.logger.Error().Err(err).Str("candidate", c.Path).Msg("Bulk sync failed")
					continue
				}
				j.synced.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled) {
		return ErrStopped
	}
	return err
}

// takeMods empties the mod-sync set.
func (j *Job) takeMods() []hashdir.Candidate {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]hashdir.Candidate, 0, len(j.mods))
	for c := range j.mods {
		out = append(out, c)
	}
	j.mods = make(map[hashdir.Candidate]struct{})
	return out
}

// modSync syncs the recorded modifications until the set is empty.
func (j *Job) modSync(ctx context.Context) {
	for {
		cs := j.takeMods()
		if len(cs) == 0 {
			return
		}
		for _, c := range cs {
			if err := j.syncer.Sync(ctx, c); err != nil {
				j.modErrs.Add(1)
				j.logger.Error().Err(err).Str("candidate", c.Path).Msg("Mod sync failed")
				continue
			}
			j.modSynced.Add(1)
		}
	}
}
