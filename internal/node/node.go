// Package node assembles a metadata target: local store, mirrored request
// dispatch, target states, buddy groups, resync and the gRPC endpoint.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"buddymirror/internal/buddygroup"
	"buddymirror/internal/config"
	"buddymirror/internal/entrylock"
	"buddymirror/internal/hashdir"
	"buddymirror/internal/heartbeat"
	"buddymirror/internal/metastore"
	"buddymirror/internal/mirror"
	"buddymirror/internal/persist"
	"buddymirror/internal/resync"
	"buddymirror/internal/session"
	"buddymirror/internal/state"
	"buddymirror/internal/transport"
	"buddymirror/internal/wire"
	"buddymirror/internal/worker"
)

// Node represents a single metadata target.
type Node struct {
	cfg    *config.Config
	self   state.TargetID
	logger zerolog.Logger

	store      *metastore.Store
	mapping    persist.Store
	states     *state.Store
	groups     *buddygroup.Mapper
	locks      *entrylock.Store
	sessions   *session.Store
	pool       *worker.Pool
	dispatcher *mirror.Dispatcher
	resync     *resync.Coordinator

	registry *transport.Registry
	clients  *transport.ClientManager
	peers    *transport.Peers
	server   *transport.Server
	monitor  *state.Monitor
	prober   *heartbeat.Prober

	grpcServer *grpc.Server
}

// New builds a node from cfg. dialOpts are added to every outgoing
// connection.
func New(cfg *config.Config, logger zerolog.Logger, dialOpts ...grpc.DialOption) (*Node, error) {
	self := cfg.Self()
	logger = logger.With().Uint16("self", uint16(self)).Logger()

	addrs, err := cfg.PeerAddrs()
	if err != nil {
		return nil, err
	}

	store, err := metastore.Open(cfg.Store.Root, logger)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	mapping, err := persist.Open(cfg.Store.MappingBackend, cfg.Store.MappingPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open mapping store: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		self:     self,
		logger:   logger,
		store:    store,
		mapping:  mapping,
		states:   state.NewStore(logger),
		locks:    entrylock.NewStore(),
		sessions: session.NewStore(logger),
		pool:     worker.NewPool(cfg.Node.Workers, logger),
		registry: transport.NewRegistry(addrs),
		clients:  transport.NewClientManager(logger, dialOpts...),
	}

	n.states.SetLocal(self)
	if err := n.loadStates(addrs); err != nil {
		mapping.Close()
		return nil, err
	}

	n.groups = buddygroup.NewMapper(n.states, logger)
	n.groups.SetPersister(mapping)
	if err := n.groups.Load(); err != nil {
		mapping.Close()
		return nil, fmt.Errorf("load buddy groups: %w", err)
	}
	// the persisted table carries switchovers and wins over the config
	for _, g := range cfg.Groups {
		if _, ok := n.groups.Get(g.ID); ok {
			continue
		}
		if err := n.groups.MapGroup(g, false); err != nil {
			mapping.Close()
			return nil, fmt.Errorf("map group %d: %w", g.ID, err)
		}
	}

	n.peers = transport.NewPeers(self, n.registry, n.clients)
	n.dispatcher = mirror.NewDispatcher(
		mirror.Config{Self: self, ForwardTimeout: cfg.Mirror.ForwardTimeout},
		mirror.NewEnv(store), n.locks, n.groups, n.states, n.sessions, n.peers, logger,
	)

	n.resync = resync.NewCoordinator(resync.Config{
		Self:                self,
		Slaves:              cfg.Resync.Slaves,
		CandidatesPerSecond: cfg.Resync.CandidatesPerSecond,
		QuiesceTimeout:      cfg.Resync.QuiesceTimeout,
		NotifyTimeout:       cfg.Mirror.ForwardTimeout,
		AutoStart:           cfg.Resync.AutoStart,
	}, store, n.states, n.groups, n.sessions, n.pool, logger)
	n.resync.SetNotifier(n.peers)
	if cfg.Resync.BuddyRoot != "" {
		buddy := hashdir.Layout{Root: cfg.Resync.BuddyRoot}
		n.resync.SetSyncer(resync.NewCopySyncer(store.Layout(), buddy, n.locks))
	}
	n.dispatcher.SetResyncTracker(n.resync)

	n.states.SetOnChange(n.onStateChange)
	n.states.SetOnNeedsResync(n.resync.OnNeedsResync)

	n.server = transport.NewServer(n.pool, logger)
	n.registerHandlers()

	n.monitor = state.NewMonitor(n.states, cfg.States.CheckInterval, cfg.States.ProbablyOfflineTimeout, cfg.States.OfflineTimeout)
	n.prober = heartbeat.NewProber(n.states, n.registry.Targets, n.peers.Heartbeat, cfg.States.HeartbeatInterval, logger)
	return n, nil
}

// loadStates seeds the state store: the local target is Online, peers start
// ProbablyOffline until they answer a heartbeat. Consistency comes from the
// mapping store and defaults to Good.
func (n *Node) loadStates(peers map[state.TargetID]string) error {
	saved, err := n.mapping.LoadConsistency()
	if err != nil {
		return fmt.Errorf("load target states: %w", err)
	}
	consistency := func(id state.TargetID) state.Consistency {
		if c, ok := saved[id]; ok {
			return c
		}
		return state.Good
	}

	n.states.SetState(n.self, state.Online, consistency(n.self))
	for id := range peers {
		n.states.SetState(id, state.ProbablyOffline, consistency(id))
	}
	return nil
}

func (n *Node) registerHandlers() {
	for _, kind := range []wire.Kind{
		wire.KindMkdir, wire.KindCreateFile, wire.KindUnlink, wire.KindRmdir,
		wire.KindRename, wire.KindSetAttr, wire.KindStat, wire.KindListDir,
	} {
		n.server.Handle(kind, n.dispatcher.Process)
	}
	n.server.Handle(wire.KindHeartbeat, n.handleHeartbeat)
	n.server.Handle(wire.KindGetStates, n.handleGetStates)
	n.server.Handle(wire.KindSetState, n.handleSetState)
	n.server.Handle(wire.KindResyncStarted, n.handleResyncStarted)
	n.server.Handle(wire.KindResyncFinished, n.handleResyncFinished)
	n.server.Handle(wire.KindStartResync, n.handleStartResync)
	n.server.Handle(wire.KindListGroups, n.handleListGroups)
}

// onStateChange persists consistency changes and switches group roles when
// a primary is lost while its secondary is healthy.
func (n *Node) onStateChange(id state.TargetID, old, next state.CombinedState) {
	n.groups.CheckSwitchover(id, old, next)
	if next.Reachability == state.Offline {
		if buddy, ok := n.groups.BuddyOf(id); ok {
			if st, ok := n.states.GetState(buddy); ok {
				n.groups.CheckSwitchover(buddy, st, st)
			}
		}
	}

	if old.Consistency != next.Consistency {
		if err := n.mapping.SaveConsistency(persist.ConsistencyOf(n.states.Snapshot())); err != nil {
			n.logger.Error().Err(err).Msg("Failed to persist target states")
		}
	}
}

// adoptBuddyView asks the buddy of every group the local target leads for
// its view of that group. A buddy that took over while the local target was
// away is believed: the local target steps down to secondary and needs a
// resync. Unreachable buddies are ignored.
func (n *Node) adoptBuddyView(ctx context.Context) {
	for _, g := range n.groups.List() {
		if g.Primary != n.self {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, n.cfg.Mirror.ForwardTimeout)
		theirs, err := n.peers.ListGroups(cctx, g.Secondary)
		cancel()
		if err != nil {
			n.logger.Debug().Err(err).Uint16("group", uint16(g.ID)).Msg("Buddy did not report groups")
			continue
		}
		for _, other := range theirs {
			if other.ID != g.ID || other.Primary != g.Secondary || other.Secondary != n.self {
				continue
			}
			if err := n.groups.Switchover(g.ID); err != nil {
				n.logger.Error().Err(err).Uint16("group", uint16(g.ID)).Msg("Cannot adopt buddy's view")
				break
			}
			if _, err := n.states.TransitionToNeedsResync(n.self); err != nil {
				n.logger.Error().Err(err).Msg("Cannot mark local target for resync")
			}
			n.logger.Warn().
				Uint16("group", uint16(g.ID)).
				Uint16("primary", uint16(other.Primary)).
				Msg("Buddy took over while away, continuing as secondary")
		}
	}
}

// Self returns the local target.
func (n *Node) Self() state.TargetID { return n.self }

// States returns the target state store.
func (n *Node) States() *state.Store { return n.states }

// Groups returns the buddy group mapper.
func (n *Node) Groups() *buddygroup.Mapper { return n.groups }

// Store returns the local metadata store.
func (n *Node) Store() *metastore.Store { return n.store }

// Resync returns the resync coordinator.
func (n *Node) Resync() *resync.Coordinator { return n.resync }

// Serve starts the background loops and serves gRPC on lis until Stop.
func (n *Node) Serve(lis net.Listener) error {
	n.pool.Start()
	n.adoptBuddyView(context.Background())
	n.monitor.Start()
	n.prober.Start()

	n.grpcServer = grpc.NewServer()
	transport.RegisterMirrorServer(n.grpcServer, n.server)

	n.logger.Info().Str("addr", lis.Addr().String()).Msg("Starting node")
	if err := n.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Start listens on the configured address and serves until Stop.
func (n *Node) Start() error {
	lis, err := net.Listen("tcp", n.cfg.Node.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.Node.ListenAddr, err)
	}
	return n.Serve(lis)
}

// Stop gracefully stops the node.
func (n *Node) Stop() {
	n.logger.Info().Msg("Stopping node")
	if n.grpcServer != nil {
		n.grpcServer.GracefulStop()
	}
	n.prober.Stop()
	n.monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.resync.Close(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("Resync job did not stop in time")
	}

	n.locks.Close()
	n.pool.Stop()
	n.clients.Close()
	if err := n.mapping.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("Closing mapping store")
	}
}
