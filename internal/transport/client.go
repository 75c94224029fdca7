package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"buddymirror/internal/errcode"
	"buddymirror/internal/wire"
)

// ClientManager keeps one gRPC connection per peer address.
type ClientManager struct {
	mu     sync.RWMutex
	conns  map[string]*grpc.ClientConn
	opts   []grpc.DialOption
	logger zerolog.Logger
}

// NewClientManager creates a client manager. opts are added to every
// connection after the default insecure credentials.
func NewClientManager(logger zerolog.Logger, opts ...grpc.DialOption) *ClientManager {
	return &ClientManager{
		conns:  make(map[string]*grpc.ClientConn),
		opts:   append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
		logger: logger.With().Str("component", "clients").Logger(),
	}
}

// conn returns the connection for addr, creating it if needed. Connecting
// happens lazily on the first call.
func (cm *ClientManager) conn(addr string) (*grpc.ClientConn, error) {
	cm.mu.RLock()
	cc, ok := cm.conns[addr]
	cm.mu.RUnlock()
	if ok {
		return cc, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if cc, ok := cm.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr, cm.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	cm.conns[addr] = cc
	cm.logger.Debug().Str("addr", addr).Msg("Created client connection")
	return cc, nil
}

// Call sends req to addr and returns the peer's reply. Transport failures
// are reported as Communication errors; the reply's own code is left for
// the caller to inspect.
func (cm *ClientManager) Call(ctx context.Context, addr string, req *wire.Envelope) (*wire.Envelope, error) {
	cc, err := cm.conn(addr)
	if err != nil {
		return nil, errcode.ErrCommunication.WithMessage(err.Error())
	}
	out := new(wire.Envelope)
	if err := cc.Invoke(ctx, callMethod, req, out, grpc.CallContentSubtype(wire.CodecName)); err != nil {
		return nil, errcode.ErrCommunication.WithMessagef("call %s at %s: %v", req.Kind, addr, err)
	}
	return out, nil
}

// Close closes every connection.
func (cm *ClientManager) Close() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for addr, cc := range cm.conns {
		if err := cc.Close(); err != nil {
			cm.logger.Warn().Err(err).Str("addr", addr).Msg("Closing client connection")
		}
	}
	cm.conns = make(map[string]*grpc.ClientConn)
}
