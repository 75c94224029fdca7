package mirror

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"buddymirror/internal/buddygroup"
	"buddymirror/internal/entrylock"
	"buddymirror/internal/errcode"
	"buddymirror/internal/hashdir"
	"buddymirror/internal/session"
	"buddymirror/internal/state"
	"buddymirror/internal/wire"
)

// Forwarder delivers forwarded copies to a secondary target.
type Forwarder interface {
	SendToSecondary(ctx context.Context, target state.TargetID, req *wire.Envelope) (*wire.Envelope, error)
}

// ResyncTracker is consulted before forwarding. While a resync of the buddy
// is running nothing is forwarded; the touched candidates are handed to the
// running job instead.
type ResyncTracker interface {
	// AddModifications records candidates and reports whether a resync is
	// running.
	AddModifications(candidates []hashdir.Candidate) bool
}

// Config holds dispatcher settings.
type Config struct {
	// Self is the local target.
	Self state.TargetID
	// ForwardTimeout bounds one round-trip to the secondary.
	ForwardTimeout time.Duration
}

// Dispatcher runs the mirrored request protocol:
// Received -> Locked -> ExecutedLocally -> forward or skip -> ResponseSent.
type Dispatcher struct {
	cfg       Config
	env       *Env
	locks     *entrylock.Store
	groups    *buddygroup.Mapper
	states    *state.Store
	sessions  *session.Store
	forwarder Forwarder
	resync    ResyncTracker
	logger    zerolog.Logger
}

// NewDispatcher wires a dispatcher. sessions and resync may be nil.
func NewDispatcher(cfg Config, env *Env, locks *entrylock.Store, groups *buddygroup.Mapper,
	states *state.Store, sessions *session.Store, forwarder Forwarder, logger zerolog.Logger,
) *Dispatcher {
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 5 * time.Second
	}
	return &Dispatcher{
		cfg:       cfg,
		env:       env,
		locks:     locks,
		groups:    groups,
		states:    states,
		sessions:  sessions,
		forwarder: forwarder,
		logger:    logger.With().Str("component", "dispatch").Uint16("target", uint16(cfg.Self)).Logger(),
	}
}

// SetResyncTracker attaches the resync coordinator.
func (d *Dispatcher) SetResyncTracker(t ResyncTracker) {
	d.resync = t
}

// Process handles one request and returns the reply for the caller. The
// reply always carries the local result; forwarding problems never reach
// the client.
func (d *Dispatcher) Process(ctx context.Context, req *wire.Envelope) *wire.Envelope {
	op, err := Decode(d.env, req)
	if err != nil {
		return d.reply(req, failed(err))
	}
	if err := op.Validate(); err != nil {
		return d.reply(req, failed(err))
	}

	isSecondary := req.Flags.Has(wire.FlagBuddyMirrorSecond)
	if isSecondary {
		if err := d.admitForwarded(req); err != nil {
			return d.reply(req, failed(err))
		}
	}

	hasSeq := req.Flags.Has(wire.FlagHasSequenceNumber) && d.sessions != nil
	finished := false
	if hasSeq {
		d.sessions.Ack(req.ClientID, req.SeqDone)
		cached, err := d.sessions.Begin(req.ClientID, req.Seq)
		if err != nil {
			return d.reply(req, failed(err))
		}
		if cached != nil {
			return cached
		}
		// a panicking operation must not leave seq claimed forever
		defer func() {
			if !finished {
				d.sessions.Abandon(req.ClientID, req.Seq)
			}
		}()
	}

	resp := d.run(ctx, op, req, isSecondary)
	out := d.reply(req, resp)
	if hasSeq {
		d.sessions.Finish(req.ClientID, req.Seq, out)
		finished = true
	}
	return out
}

func (d *Dispatcher) run(ctx context.Context, op Operation, req *wire.Envelope, isSecondary bool) Response {
	if op.IsMirrored() {
		set, err := op.Lock(d.locks)
		if err != nil {
			return failed(err)
		}
		defer set.Release()
	}

	resp := op.ExecuteLocally(ctx, isSecondary)
	d.logger.Debug().
		Str("kind", op.Kind().String()).
		Str("request", req.RequestID).
		Bool("secondary", isSecondary).
		Str("code", resp.Code.String()).
		Msg("Executed locally")

	if op.IsMirrored() && resp.Changed && !isSecondary {
		d.forward(ctx, op, req, resp)
	}
	return resp
}

// admitForwarded enforces that a Bad target accepts nothing and a target
// needing resync accepts only resync traffic.
func (d *Dispatcher) admitForwarded(req *wire.Envelope) error {
	st, ok := d.states.GetState(d.cfg.Self)
	if !ok {
		return nil
	}
	switch {
	case st.Consistency == state.Bad:
		return errcode.ErrTargetBad.WithMessagef("target %d", d.cfg.Self)
	case st.Consistency == state.NeedsResync && !req.Flags.Has(wire.FlagResync):
		return errcode.ErrNeedsResync.WithMessagef("target %d", d.cfg.Self)
	}
	return nil
}

// forward replays op on the secondary of req's group if this target is that
// group's primary and the secondary is Good. Any failure moves the
// secondary to NeedsResync.
func (d *Dispatcher) forward(ctx context.Context, op Operation, req *wire.Envelope, resp Response) {
	gid := buddygroup.GroupID(req.GroupID)
	if gid == 0 {
		return
	}
	g, ok := d.groups.Get(gid)
	if !ok || g.Primary != d.cfg.Self {
		return
	}

	if d.resync != nil && d.resync.AddModifications(resp.Modified) {
		d.logger.Debug().Uint16("group", uint16(gid)).Msg("Resync running, modification recorded instead of forwarded")
		return
	}

	target, st, ok := d.groups.ForwardTarget(gid)
	if !ok {
		d.logger.Debug().Uint16("secondary", uint16(target)).Str("state", st.String()).Msg("Secondary not good, skipping forward")
		return
	}
	log := d.logger.With().
		Str("kind", op.Kind().String()).
		Str("request", req.RequestID).
		Uint16("secondary", uint16(target)).
		Logger()

	if st.Reachability != state.Online {
		log.Warn().Str("reachability", st.Reachability.String()).Msg("Secondary unreachable, not forwarding")
		d.markNeedsResync(target)
		return
	}

	fwd := &wire.Envelope{
		Kind:      req.Kind,
		Flags:     wire.FlagBuddyMirrorSecond | (req.Flags & wire.FlagHasSequenceNumber),
		RequestID: req.RequestID,
		GroupID:   req.GroupID,
		ClientID:  req.ClientID,
		Seq:       req.Seq,
		SeqDone:   req.SeqDone,
	}

	fctx, cancel := context.WithTimeout(ctx, d.cfg.ForwardTimeout)
	defer cancel()

	reply, err := op.ForwardToSecondary(fctx, fwd, func(ctx context.Context, e *wire.Envelope) (*wire.Envelope, error) {
		return d.forwarder.SendToSecondary(ctx, target, e)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Forwarding to secondary failed")
		d.markNeedsResync(target)
		return
	}

	secondary := op.ProcessSecondaryResponse(reply)
	if secondary != resp.Code {
		log.Warn().
			Str("primary_code", resp.Code.String()).
			Str("secondary_code", secondary.String()).
			Str("secondary_message", reply.Message).
			Msg("Secondary result diverges from primary")
		d.markNeedsResync(target)
	}
}

func (d *Dispatcher) markNeedsResync(target state.TargetID) {
	if _, err := d.states.TransitionToNeedsResync(target); err != nil {
		d.logger.Error().Err(err).Uint16("secondary", uint16(target)).Msg("Failed to mark secondary as needing resync")
	}
}

func (d *Dispatcher) reply(req *wire.Envelope, resp Response) *wire.Envelope {
	var body any
	if resp.Code == errcode.Success {
		body = resp.Body
	}
	out, err := req.Reply(resp.Code, body)
	if err != nil {
		d.logger.Error().Err(err).Str("kind", req.Kind.String()).Msg("Failed to encode reply")
		out, _ = req.Reply(errcode.Internal, nil)
		out.Message = err.Error()
		return out
	}
	out.Message = resp.Message
	return out
}
