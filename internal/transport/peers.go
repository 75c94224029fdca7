package transport

import (
	"context"
	"sort"
	"sync"

	"buddymirror/internal/buddygroup"
	"buddymirror/internal/errcode"
	"buddymirror/internal/state"
	"buddymirror/internal/wire"
)

// Registry maps targets to the address of the node serving them.
type Registry struct {
	mu    sync.RWMutex
	addrs map[state.TargetID]string
}

// NewRegistry creates a registry from addrs.
func NewRegistry(addrs map[state.TargetID]string) *Registry {
	r := &Registry{addrs: make(map[state.TargetID]string, len(addrs))}
	for id, addr := range addrs {
		r.addrs[id] = addr
	}
	return r
}

// Set adds or replaces the address of id.
func (r *Registry) Set(id state.TargetID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs[id] = addr
}

// Addr returns the address of id.
func (r *Registry) Addr(id state.TargetID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.addrs[id]
	return addr, ok
}

// Targets returns every registered target in ascending order.
func (r *Registry) Targets() []state.TargetID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]state.TargetID, 0, len(r.addrs))
	for id := range r.addrs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Peers sends envelopes to targets by ID. It is the network side of
// mirror.Forwarder and resync.Notifier.
type Peers struct {
	self     state.TargetID
	registry *Registry
	clients  *ClientManager
}

// NewPeers creates a Peers sending on behalf of self.
func NewPeers(self state.TargetID, registry *Registry, clients *ClientManager) *Peers {
	return &Peers{self: self, registry: registry, clients: clients}
}

// Send delivers req to target and returns its reply.
func (p *Peers) Send(ctx context.Context, target state.TargetID, req *wire.Envelope) (*wire.Envelope, error) {
	addr, ok := p.registry.Addr(target)
	if !ok {
		return nil, errcode.ErrUnknownTarget.WithMessagef("no address for target %d", target)
	}
	return p.clients.Call(ctx, addr, req)
}

// SendToSecondary implements mirror.Forwarder.
func (p *Peers) SendToSecondary(ctx context.Context, target state.TargetID, req *wire.Envelope) (*wire.Envelope, error) {
	return p.Send(ctx, target, req)
}

// Heartbeat tells target that the local target is alive.
func (p *Peers) Heartbeat(ctx context.Context, target state.TargetID) error {
	return p.call(ctx, target, wire.KindHeartbeat, 0, HeartbeatRequest{Target: p.self})
}

// ListGroups asks target for its view of the buddy groups.
func (p *Peers) ListGroups(ctx context.Context, target state.TargetID) ([]buddygroup.Group, error) {
	req, err := wire.New(wire.KindListGroups, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.Send(ctx, target, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	var reply ListGroupsReply
	if err := resp.Decode(&reply); err != nil {
		return nil, err
	}
	return reply.Groups, nil
}

// ResyncStarted implements resync.Notifier.
func (p *Peers) ResyncStarted(ctx context.Context, buddy state.TargetID) error {
	return p.call(ctx, buddy, wire.KindResyncStarted, wire.FlagResync, ResyncStartedRequest{Target: buddy})
}

// ResyncFinished implements resync.Notifier.
func (p *Peers) ResyncFinished(ctx context.Context, buddy state.TargetID, success bool) error {
	return p.call(ctx, buddy, wire.KindResyncFinished, wire.FlagResync, ResyncFinishedRequest{Target: buddy, Success: success})
}

func (p *Peers) call(ctx context.Context, target state.TargetID, kind wire.Kind, flags wire.Flag, payload any) error {
	req, err := wire.New(kind, payload)
	if err != nil {
		return err
	}
	req.Flags = flags
	resp, err := p.Send(ctx, target, req)
	if err != nil {
		return err
	}
	return resp.Err()
}
