package resync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"buddymirror/internal/buddygroup"
	"buddymirror/internal/errcode"
	"buddymirror/internal/hashdir"
	"buddymirror/internal/metastore"
	"buddymirror/internal/session"
	"buddymirror/internal/state"
)

// Notifier tells the buddy about resync progress.
type Notifier interface {
	ResyncStarted(ctx context.Context, buddy state.TargetID) error
	ResyncFinished(ctx context.Context, buddy state.TargetID, success bool) error
}

// Quiescer parks the request workers. worker.Pool implements it.
type Quiescer interface {
	Quiesce(ctx context.Context) (release func(), err error)
}

// Config holds resync settings.
type Config struct {
	Self state.TargetID
	// Slaves is the number of concurrent bulk sync slaves.
	Slaves int
	// CandidatesPerSecond throttles the bulk sync slaves. Zero disables
	// throttling.
	CandidatesPerSecond float64
	// QuiesceTimeout bounds the wait for workers to reach the barrier.
	QuiesceTimeout time.Duration
	// NotifyTimeout bounds each call to the buddy.
	NotifyTimeout time.Duration
	// AutoStart starts a job as soon as the buddy needs a resync.
	AutoStart bool
}

func (c *Config) defaults() {
	if c.Slaves <= 0 {
		c.Slaves = 4
	}
	if c.QuiesceTimeout <= 0 {
		c.QuiesceTimeout = 30 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 10 * time.Second
	}
}

// Coordinator runs resync jobs for the local target's buddy and handles the
// resync lifecycle messages received when the local target is the one
// being resynced.
type Coordinator struct {
	cfg      Config
	store    *metastore.Store
	states   *state.Store
	groups   *buddygroup.Mapper
	sessions *session.Store
	workers  Quiescer
	logger   zerolog.Logger

	mu       sync.Mutex
	syncer   BulkSyncer
	notifier Notifier
	current  *Job
	last     *Job
	now      func() time.Time
}

// NewCoordinator wires a coordinator. sessions may be nil.
func NewCoordinator(cfg Config, store *metastore.Store, states *state.Store, groups *buddygroup.Mapper,
	sessions *session.Store, workers Quiescer, logger zerolog.Logger,
) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		states:   states,
		groups:   groups,
		sessions: sessions,
		workers:  workers,
		logger:   logger.With().Str("component", "resync").Uint16("target", uint16(cfg.Self)).Logger(),
		now:      time.Now,
	}
}

// SetSyncer sets the bulk syncer used by new jobs.
func (c *Coordinator) SetSyncer(s BulkSyncer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncer = s
}

// SetNotifier sets how the buddy is reached.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

// ResyncStarted prepares the local target to be overwritten by its
// primary: every worker but the caller is parked, cached inodes and client
// sessions are dropped and the mirror flags are set, then the workers are
// released.
//
// If the workers do not reach the barrier within the quiesce timeout the
// barrier is released and an error is returned; the target keeps needing a
// resync.
func (c *Coordinator) ResyncStarted(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, c.cfg.QuiesceTimeout)
	defer cancel()

	release, err := c.workers.Quiesce(qctx)
	if err != nil {
		return errcode.ErrAgain.WithMessagef("resync start: %v", err)
	}
	defer release()

	inodes := c.store.InvalidateCache()
	sessions := 0
	if c.sessions != nil {
		sessions = c.sessions.Clear()
	}
	c.store.SetMirrorFlags(metastore.MirrorFlags{RootMirrored: true, BuddyMirrored: true})

	c.logger.Info().Int("inodes", inodes).Int("sessions", sessions).Msg("Prepared for incoming resync")
	return nil
}

// ResyncFinished records the outcome of a resync of target: Good on
// success, Bad otherwise. When target is the local one the inode cache is
// dropped again since its files were replaced underneath it.
func (c *Coordinator) ResyncFinished(target state.TargetID, success bool) error {
	if target == c.cfg.Self {
		c.store.InvalidateCache()
	}
	if err := c.states.FinishResync(target, success); err != nil {
		return err
	}
	c.logger.Info().Uint16("resynced", uint16(target)).Bool("success", success).Msg("Resync finished")
	return nil
}

// AddModifications hands candidates to the running job. It reports whether
// a job is running; while it is, nothing is forwarded to the buddy.
func (c *Coordinator) AddModifications(cs []hashdir.Candidate) bool {
	c.mu.Lock()
	j := c.current
	c.mu.Unlock()
	if j == nil {
		return false
	}
	return j.AddModifications(cs)
}

// RunningJob returns the job in progress.
func (c *Coordinator) RunningJob() (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.current != nil
}

// LastJob returns the most recent job, running or finished.
func (c *Coordinator) LastJob() (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.last != nil
}

// StartResync starts resyncing the local target's buddy. The local target
// must be the primary of its group and the buddy must need a resync. The
// job runs in the background.
func (c *Coordinator) StartResync() (*Job, error) {
	gid, isPrimary, ok := c.groups.GroupOf(c.cfg.Self)
	if !ok {
		return nil, errcode.ErrUnknownGroup.WithMessagef("target %d is not in a buddy group", c.cfg.Self)
	}
	if !isPrimary {
		return nil, errcode.ErrInval.WithMessagef("target %d is not the primary of group %d", c.cfg.Self, gid)
	}
	buddy, _ := c.groups.BuddyOf(c.cfg.Self)
	st, ok := c.states.GetState(buddy)
	if !ok {
		return nil, errcode.ErrUnknownTarget.WithMessagef("target %d", buddy)
	}
	if st.Consistency != state.NeedsResync {
		return nil, errcode.ErrInval.WithMessagef("buddy %d is %s", buddy, st.Consistency)
	}

	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil, errcode.ErrInUse.WithMessagef("resync of %d already running", c.current.buddy)
	}
	if c.syncer == nil || c.notifier == nil {
		c.mu.Unlock()
		return nil, errcode.ErrInval.WithMessage("resync not configured")
	}
	var limiter *rate.Limiter
	if c.cfg.CandidatesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.CandidatesPerSecond), c.cfg.Slaves)
	}
	j := newJob(buddy, c.store.Layout(), c.syncer, c.cfg.Slaves, limiter, c.logger)
	notifier := c.notifier
	c.current = j
	c.last = j
	c.mu.Unlock()

	c.logger.Info().Uint16("buddy", uint16(buddy)).Uint16("group", uint16(gid)).Msg("Starting resync")
	go c.run(j, notifier)
	return j, nil
}

// OnNeedsResync starts a job when target is the local target's buddy and
// automatic resync is enabled. It is meant for state.Store.SetOnNeedsResync.
func (c *Coordinator) OnNeedsResync(target state.TargetID) {
	if !c.cfg.AutoStart {
		return
	}
	buddy, ok := c.groups.BuddyOf(c.cfg.Self)
	if !ok || buddy != target || !c.groups.IsPrimary(c.cfg.Self) {
		return
	}
	if _, err := c.StartResync(); err != nil {
		c.logger.Warn().Err(err).Uint16("buddy", uint16(target)).Msg("Automatic resync not started")
	}
}

// Abort interrupts the running job, if any.
func (c *Coordinator) Abort() bool {
	j, ok := c.RunningJob()
	if !ok {
		return false
	}
	j.Abort()
	return true
}

// Close aborts the running job and waits for it to finish.
func (c *Coordinator) Close(ctx context.Context) error {
	j, ok := c.RunningJob()
	if !ok {
		return nil
	}
	j.Abort()
	_, err := j.Wait(ctx)
	return err
}

func (c *Coordinator) run(j *Job, notifier Notifier) {
	defer func() {
		c.mu.Lock()
		if c.current == j {
			c.current = nil
		}
		c.mu.Unlock()
		j.cancel()
		close(j.done)
	}()

	if !c.startJob(j, notifier) {
		if final := j.State(); final == Interrupted {
			c.finishJob(j, notifier, final)
		}
		return
	}

	bulkErr := j.bulkSync()
	if bulkErr != nil {
		j.logger.Warn().Err(bulkErr).Msg("Bulk sync ended early")
	}
	if j.State() == Running {
		j.modSync(j.ctx)
	}

	// Park the workers for the final mod-sync pass so nothing slips in
	// between the last drain and the end of tracking.
	parked := false
	if j.State() == Running {
		qctx, cancel := context.WithTimeout(j.ctx, c.cfg.QuiesceTimeout)
		release, err := c.workers.Quiesce(qctx)
		cancel()
		if err != nil {
			j.logger.Error().Err(err).Msg("Cannot park workers for final mod sync")
			j.modErrs.Add(1)
		} else {
			parked = true
			defer release()
		}
	}
	if parked {
		j.modSync(j.ctx)
	} else {
		j.takeMods()
	}

	final := j.end(c.now())
	c.finishJob(j, notifier, final)
}

// startJob parks the workers, tells the buddy and starts tracking
// modifications. Requests that were already past their forward decision
// finish before tracking begins.
func (c *Coordinator) startJob(j *Job, notifier Notifier) bool {
	qctx, cancel := context.WithTimeout(j.ctx, c.cfg.QuiesceTimeout)
	release, err := c.workers.Quiesce(qctx)
	cancel()
	if err != nil {
		j.logger.Error().Err(err).Msg("Cannot park workers, resync not started")
		if j.State() != Interrupted {
			j.setState(Failure)
		}
		j.end(c.now())
		return false
	}
	defer release()

	nctx, ncancel := context.WithTimeout(j.ctx, c.cfg.NotifyTimeout)
	err = notifier.ResyncStarted(nctx, j.buddy)
	ncancel()
	if err != nil {
		j.logger.Error().Err(err).Msg("Unable to notify buddy, resync not started")
		if j.State() != Interrupted {
			j.setState(Failure)
		}
		j.end(c.now())
		return false
	}

	if !j.begin(c.now()) {
		j.logger.Warn().Msg("Resync aborted before it started")
		j.end(c.now())
		return false
	}
	return true
}

// finishJob moves the buddy to Good or Bad locally and on the buddy.
func (c *Coordinator) finishJob(j *Job, notifier Notifier, final JobState) {
	success := final == Success
	if err := c.states.FinishResync(j.buddy, success); err != nil {
		j.logger.Error().Err(err).Msg("Cannot record resync outcome")
	}

	nctx, cancel := context.WithTimeout(context.Background(), c.cfg.NotifyTimeout)
	defer cancel()
	if err := notifier.ResyncFinished(nctx, j.buddy, success); err != nil {
		j.logger.Error().Err(err).Msg("Unable to inform buddy about resync outcome")
	}

	st := j.Stats()
	j.logger.Info().
		Str("state", final.String()).
		Str("buddy_state", final.BuddyConsistency().String()).
		Uint64("gathered", st.Gathered).
		Uint64("synced", st.Synced).
		Uint64("mod_synced", st.ModSynced).
		Uint64("errors", st.GatherErrors+st.SyncErrors+st.ModErrors).
		Dur("took", st.Ended.Sub(st.Started)).
		Msg("Resync job finished")
}
