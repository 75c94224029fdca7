package mirror

import (
	"context"
	"time"

	"github.com/google/uuid"

	"buddymirror/internal/entrylock"
	"buddymirror/internal/errcode"
	"buddymirror/internal/hashdir"
	"buddymirror/internal/metastore"
	"buddymirror/internal/wire"
)

// Env is the local state operations execute against.
type Env struct {
	Store *metastore.Store
	Now   func() time.Time
	NewID func() string
}

// NewEnv returns an Env with wall-clock time and random UUID entry IDs.
func NewEnv(store *metastore.Store) *Env {
	return &Env{
		Store: store,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
	}
}

// Response is the local outcome of one operation.
type Response struct {
	Code    errcode.Code
	Message string
	// Changed reports whether the operation changed observable state. Only
	// changed results are forwarded.
	Changed bool
	Body    any
	// Modified lists the resync candidates the operation touched.
	Modified []hashdir.Candidate
}

func failed(err error) Response {
	return Response{Code: errcode.CodeOf(err), Message: err.Error()}
}

// SendFunc delivers a forwarded copy to the secondary and returns its reply.
type SendFunc func(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error)

// Operation is one request kind taking part in the mirrored dispatch
// protocol.
type Operation interface {
	Kind() wire.Kind
	// Validate rejects malformed requests before any lock is taken.
	Validate() error
	// IsMirrored reports whether the kind participates in replication.
	IsMirrored() bool
	// Lock takes every entry lock the operation needs, in global order.
	Lock(locks *entrylock.Store) (*entrylock.Set, error)
	ExecuteLocally(ctx context.Context, isSecondary bool) Response
	// ForwardToSecondary fills fwd with the effective parameters, including
	// values computed on the primary, and sends it.
	ForwardToSecondary(ctx context.Context, fwd *wire.Envelope, send SendFunc) (*wire.Envelope, error)
	// ProcessSecondaryResponse decodes the secondary's result.
	ProcessSecondaryResponse(resp *wire.Envelope) errcode.Code
}

type decodeFunc func(env *Env, e *wire.Envelope, forwarded bool) (Operation, error)

var registry = map[wire.Kind]decodeFunc{
	wire.KindMkdir:      decodeMkdir,
	wire.KindCreateFile: decodeCreateFile,
	wire.KindUnlink:     decodeUnlink,
	wire.KindRmdir:      decodeRmdir,
	wire.KindRename:     decodeRename,
	wire.KindSetAttr:    decodeSetAttr,
	wire.KindStat:       decodeStat,
	wire.KindListDir:    decodeListDir,
}

// Handles reports whether kind is a dispatched operation.
func Handles(kind wire.Kind) bool {
	_, ok := registry[kind]
	return ok
}

// Decode builds the operation carried by e. On a primary (forwarded is
// false) missing entry IDs and timestamps are assigned here so that the
// forwarded copy carries them verbatim.
func Decode(env *Env, e *wire.Envelope) (Operation, error) {
	fn, ok := registry[e.Kind]
	if !ok {
		return nil, errcode.ErrInval.WithMessagef("unsupported request kind %s", e.Kind)
	}
	op, err := fn(env, e, e.Flags.Has(wire.FlagBuddyMirrorSecond))
	if err != nil {
		return nil, errcode.ErrInval.WithMessage(err.Error())
	}
	return op, nil
}

func decodeRequest[T any](e *wire.Envelope) (T, error) {
	var v T
	err := e.Decode(&v)
	return v, err
}

// base carries the behavior shared by all operation kinds.
type base struct {
	env *Env
}

func (base) IsMirrored() bool { return true }

func (base) ProcessSecondaryResponse(resp *wire.Envelope) errcode.Code { return resp.Code }

func (b base) stamp(t *time.Time, forwarded bool) {
	if t.IsZero() && !forwarded {
		*t = b.env.Now()
	}
}

func (b base) assignID(id *string, forwarded bool) {
	if *id == "" && !forwarded {
		*id = b.env.NewID()
	}
}

func forwardPayload(ctx context.Context, fwd *wire.Envelope, payload any, send SendFunc) (*wire.Envelope, error) {
	if err := fwd.SetPayload(payload); err != nil {
		return nil, err
	}
	return send(ctx, fwd)
}

func requireTime(t time.Time) error {
	if t.IsZero() {
		return errcode.ErrInval.WithMessage("missing timestamp")
	}
	return nil
}

// bucketKey is the hash-bucket lock of candidate c.
func bucketKey(c hashdir.Candidate) entrylock.Key {
	return entrylock.HashDirKey(c.Path)
}
