package node

import (
	"context"
	"sort"

	"buddymirror/internal/errcode"
	"buddymirror/internal/state"
	"buddymirror/internal/transport"
	"buddymirror/internal/wire"
)

func decodeAdmin[T any](req *wire.Envelope) (T, error) {
	var v T
	if err := req.Decode(&v); err != nil {
		return v, errcode.ErrInval.WithMessage(err.Error())
	}
	return v, nil
}

func (n *Node) handleHeartbeat(_ context.Context, req *wire.Envelope) *wire.Envelope {
	hb, err := decodeAdmin[transport.HeartbeatRequest](req)
	if err != nil {
		return transport.ErrorReply(req, err)
	}
	if err := n.states.Heartbeat(hb.Target); err != nil {
		return transport.ErrorReply(req, err)
	}
	return transport.Reply(req, nil)
}

func (n *Node) handleGetStates(_ context.Context, req *wire.Envelope) *wire.Envelope {
	snap := n.states.Snapshot()
	out := transport.GetStatesReply{States: make([]transport.TargetStateInfo, 0, len(snap))}
	for id, st := range snap {
		out.States = append(out.States, transport.TargetStateInfo{
			Target:       id,
			Reachability: st.Reachability.String(),
			Consistency:  st.Consistency.String(),
		})
	}
	sort.Slice(out.States, func(i, j int) bool { return out.States[i].Target < out.States[j].Target })
	return transport.Reply(req, out)
}

func (n *Node) handleSetState(_ context.Context, req *wire.Envelope) *wire.Envelope {
	in, err := decodeAdmin[transport.SetStateRequest](req)
	if err != nil {
		return transport.ErrorReply(req, err)
	}
	cur, ok := n.states.GetState(in.Target)
	if !ok {
		cur = state.CombinedState{Reachability: state.ProbablyOffline, Consistency: state.Good}
	}
	if in.Reachability != "" {
		if cur.Reachability, err = state.ParseReachability(in.Reachability); err != nil {
			return transport.ErrorReply(req, errcode.ErrInval.WithMessage(err.Error()))
		}
	}
	if in.Consistency != "" {
		if cur.Consistency, err = state.ParseConsistency(in.Consistency); err != nil {
			return transport.ErrorReply(req, errcode.ErrInval.WithMessage(err.Error()))
		}
	}
	n.states.SetState(in.Target, cur.Reachability, cur.Consistency)
	return transport.Reply(req, nil)
}

// handleResyncStarted runs on the target about to be overwritten by its
// primary.
func (n *Node) handleResyncStarted(ctx context.Context, req *wire.Envelope) *wire.Envelope {
	in, err := decodeAdmin[transport.ResyncStartedRequest](req)
	if err != nil {
		return transport.ErrorReply(req, err)
	}
	if in.Target != n.self {
		return transport.ErrorReply(req, errcode.ErrUnknownTarget.WithMessagef("target %d is not served here", in.Target))
	}
	if _, err := n.states.TransitionToNeedsResync(n.self); err != nil {
		return transport.ErrorReply(req, err)
	}
	if err := n.resync.ResyncStarted(ctx); err != nil {
		return transport.ErrorReply(req, err)
	}
	return transport.Reply(req, nil)
}

func (n *Node) handleResyncFinished(_ context.Context, req *wire.Envelope) *wire.Envelope {
	in, err := decodeAdmin[transport.ResyncFinishedRequest](req)
	if err != nil {
		return transport.ErrorReply(req, err)
	}
	if err := n.resync.ResyncFinished(in.Target, in.Success); err != nil {
		return transport.ErrorReply(req, err)
	}
	return transport.Reply(req, nil)
}

func (n *Node) handleStartResync(_ context.Context, req *wire.Envelope) *wire.Envelope {
	in, err := decodeAdmin[transport.StartResyncRequest](req)
	if err != nil {
		return transport.ErrorReply(req, err)
	}

	if in.Abort {
		if !n.resync.Abort() {
			return transport.ErrorReply(req, errcode.ErrInval.WithMessage("no resync running"))
		}
		j, _ := n.resync.LastJob()
		st := j.Stats()
		return transport.Reply(req, transport.StartResyncReply{Job: &st})
	}

	j, err := n.resync.StartResync()
	if err != nil {
		return transport.ErrorReply(req, err)
	}
	st := j.Stats()
	return transport.Reply(req, transport.StartResyncReply{Job: &st})
}

func (n *Node) handleListGroups(_ context.Context, req *wire.Envelope) *wire.Envelope {
	return transport.Reply(req, transport.ListGroupsReply{Groups: n.groups.List()})
}
