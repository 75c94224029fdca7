package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/status"

	"buddymirror/internal/errcode"
	"buddymirror/internal/wire"
	"buddymirror/internal/worker"
)

// HandlerFunc serves one envelope kind. ctx carries the worker ID of the
// task running it.
type HandlerFunc func(ctx context.Context, req *wire.Envelope) *wire.Envelope

// Server implements MirrorServer by routing envelopes to per-kind handlers
// on a worker pool.
type Server struct {
	pool   *worker.Pool
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[wire.Kind]HandlerFunc
}

// NewServer creates a server running handlers on pool.
func NewServer(pool *worker.Pool, logger zerolog.Logger) *Server {
	return &Server{
		pool:     pool,
		logger:   logger.With().Str("component", "transport").Logger(),
		handlers: make(map[wire.Kind]HandlerFunc),
	}
}

// Handle registers fn for kind, replacing any earlier handler.
func (s *Server) Handle(kind wire.Kind, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = fn
}

// Call implements MirrorServer. Application errors travel in the reply's
// code; a gRPC error is only returned when the caller gave up.
func (s *Server) Call(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	s.mu.RLock()
	fn, ok := s.handlers[req.Kind]
	s.mu.RUnlock()
	if !ok {
		return ErrorReply(req, errcode.ErrInval.WithMessagef("unsupported request kind %s", req.Kind)), nil
	}

	done := make(chan *wire.Envelope, 1)
	err := s.pool.Submit(func(wctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Str("kind", req.Kind.String()).Interface("panic", r).Msg("Handler panicked")
				done <- ErrorReply(req, errcode.ErrInternal.WithMessagef("handler panic: %v", r))
			}
		}()
		if ctx.Err() != nil {
			done <- ErrorReply(req, errcode.ErrAgain.WithMessage("caller gone"))
			return
		}
		done <- fn(worker.Bind(ctx, wctx), req)
	})
	if err != nil {
		return ErrorReply(req, err), nil
	}

	select {
	case resp := <-done:
		return resp, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// ErrorReply builds a reply to req carrying err's code and message.
func ErrorReply(req *wire.Envelope, err error) *wire.Envelope {
	resp, _ := req.Reply(errcode.CodeOf(err), nil)
	resp.Message = err.Error()
	return resp
}

// Reply builds a successful reply to req carrying v, or an Internal error
// reply if v cannot be encoded.
func Reply(req *wire.Envelope, v any) *wire.Envelope {
	resp, err := req.Reply(errcode.Success, v)
	if err != nil {
		return ErrorReply(req, errcode.ErrInternal.WithMessage(err.Error()))
	}
	return resp
}
