package mirror

import (
	"context"
	"errors"
	"time"

	"buddymirror/internal/entrylock"
	"buddymirror/internal/errcode"
	"buddymirror/internal/hashdir"
	"buddymirror/internal/metastore"
	"buddymirror/internal/wire"
)

// Request payloads. Time and EntryID are filled in by the primary.

type MkdirRequest struct {
	ParentID string    `json:"parent_id"`
	Name     string    `json:"name"`
	Mode     uint32    `json:"mode"`
	EntryID  string    `json:"entry_id,omitempty"`
	Time     time.Time `json:"time"`
}

type CreateFileRequest struct {
	ParentID string    `json:"parent_id"`
	Name     string    `json:"name"`
	Mode     uint32    `json:"mode"`
	EntryID  string    `json:"entry_id,omitempty"`
	Time     time.Time `json:"time"`
}

type UnlinkRequest struct {
	ParentID string    `json:"parent_id"`
	Name     string    `json:"name"`
	Time     time.Time `json:"time"`
}

type RmdirRequest struct {
	ParentID string    `json:"parent_id"`
	Name     string    `json:"name"`
	Time     time.Time `json:"time"`
}

type RenameRequest struct {
	ParentID string    `json:"parent_id"`
	OldName  string    `json:"old_name"`
	NewName  string    `json:"new_name"`
	Time     time.Time `json:"time"`
}

type SetAttrRequest struct {
	EntryID string         `json:"entry_id"`
	Attr    metastore.Attr `json:"attr"`
	Time    time.Time      `json:"time"`
}

type StatRequest struct {
	EntryID string `json:"entry_id"`
}

type ListDirRequest struct {
	DirID string `json:"dir_id"`
}

// Reply payloads.

type EntryReply struct {
	Entry *metastore.Inode `json:"entry,omitempty"`
}

type ListDirReply struct {
	Entries []metastore.DirEntry `json:"entries"`
}

func entryResponse(ino *metastore.Inode, modified ...hashdir.Candidate) Response {
	return Response{Code: errcode.Success, Changed: true, Body: EntryReply{Entry: ino}, Modified: modified}
}

// lookupID resolves name in parent before locking. The result is only a
// hint; execution re-checks it under the locks.
func lookupID(store *metastore.Store, parentID, name string) string {
	ino, err := store.Lookup(parentID, name)
	if err != nil {
		return ""
	}
	return ino.ID
}

// recheck fails with Again if name was rebound between the unlocked lookup
// and lock acquisition.
func recheck(store *metastore.Store, parentID, name, lockedID string) error {
	cur := lookupID(store, parentID, name)
	if cur != lockedID {
		return errcode.ErrAgain.WithMessagef("%s/%s changed while locking", parentID, name)
	}
	return nil
}

// parentInode locks the inode of the directory an operation changes the
// timestamps of. Every writer of that inode holds FileKey exclusively, so
// namespace changes and SetAttr on the directory serialize in the same order
// on both replicas.
func parentInode(parentID string) []entrylock.Request {
	return []entrylock.Request{
		entrylock.Shared(bucketKey(hashdir.InodeCandidate(parentID))),
		entrylock.Exclusive(entrylock.FileKey(parentID)),
	}
}

// --- mkdir ---

type mkdirOp struct {
	base
	req MkdirRequest
}

func decodeMkdir(env *Env, e *wire.Envelope, forwarded bool) (Operation, error) {
	req, err := decodeRequest[MkdirRequest](e)
	if err != nil {
		return nil, err
	}
	op := &mkdirOp{base: base{env: env}, req: req}
	op.assignID(&op.req.EntryID, forwarded)
	op.stamp(&op.req.Time, forwarded)
	return op, nil
}

func (o *mkdirOp) Kind() wire.Kind { return wire.KindMkdir }

func (o *mkdirOp) Validate() error {
	return errors.Join(
		metastore.ValidID(o.req.ParentID),
		metastore.ValidName(o.req.Name),
		metastore.ValidID(o.req.EntryID),
		requireTime(o.req.Time),
	)
}

func (o *mkdirOp) Lock(locks *entrylock.Store) (*entrylock.Set, error) {
	reqs := append(parentInode(o.req.ParentID),
		entrylock.Shared(bucketKey(hashdir.DentryBucketCandidate(o.req.ParentID))),
		entrylock.Shared(bucketKey(hashdir.InodeCandidate(o.req.EntryID))),
		entrylock.Shared(bucketKey(hashdir.DentryBucketCandidate(o.req.EntryID))),
		entrylock.Shared(entrylock.DirKey(o.req.ParentID)),
		entrylock.Exclusive(entrylock.ParentNameKey(o.req.ParentID, o.req.Name)),
	)
	return locks.AcquireAll(reqs...)
}

func (o *mkdirOp) ExecuteLocally(_ context.Context, _ bool) Response {
	ino, err := o.env.Store.Mkdir(o.req.ParentID, o.req.Name, o.req.EntryID, o.req.Mode, o.req.Time)
	if err != nil {
		return failed(err)
	}
	return entryResponse(ino,
		hashdir.InodeCandidate(ino.ID),
		hashdir.InodeCandidate(o.req.ParentID),
		hashdir.ContentCandidate(o.req.ParentID),
		hashdir.ContentCandidate(ino.ID),
	)
}

func (o *mkdirOp) ForwardToSecondary(ctx context.Context, fwd *wire.Envelope, send SendFunc) (*wire.Envelope, error) {
	return forwardPayload(ctx, fwd, o.req, send)
}

// ProcessSecondaryResponse also treats a secondary that created the
// directory under a different ID as divergent.
func (o *mkdirOp) ProcessSecondaryResponse(resp *wire.Envelope) errcode.Code {
	return createdAs(resp, o.req.EntryID)
}

// createdAs decodes the secondary's result of a create. Success under an
// entry ID other than id counts as Internal.
func createdAs(resp *wire.Envelope, id string) errcode.Code {
	if resp.Code != errcode.Success {
		return resp.Code
	}
	var reply EntryReply
	if err := resp.Decode(&reply); err != nil || reply.Entry == nil || reply.Entry.ID != id {
		return errcode.Internal
	}
	return errcode.Success
}

// --- create ---

type createFileOp struct {
	base
	req CreateFileRequest
}

func decodeCreateFile(env *Env, e *wire.Envelope, forwarded bool) (Operation, error) {
	req, err := decodeRequest[CreateFileRequest](e)
	if err != nil {
		return nil, err
	}
	op := &createFileOp{base: base{env: env}, req: req}
	op.assignID(&op.req.EntryID, forwarded)
	op.stamp(&op.req.Time, forwarded)
	return op, nil
}

func (o *createFileOp) Kind() wire.Kind { return wire.KindCreateFile }

func (o *createFileOp) Validate() error {
	return errors.Join(
		metastore.ValidID(o.req.ParentID),
		metastore.ValidName(o.req.Name),
		metastore.ValidID(o.req.EntryID),
		requireTime(o.req.Time),
	)
}

func (o *createFileOp) Lock(locks *entrylock.Store) (*entrylock.Set, error) {
	reqs := append(parentInode(o.req.ParentID),
		entrylock.Shared(bucketKey(hashdir.DentryBucketCandidate(o.req.ParentID))),
		entrylock.Shared(bucketKey(hashdir.InodeCandidate(o.req.EntryID))),
		entrylock.Shared(entrylock.DirKey(o.req.ParentID)),
		entrylock.Exclusive(entrylock.ParentNameKey(o.req.ParentID, o.req.Name)),
	)
	return locks.AcquireAll(reqs...)
}

func (o *createFileOp) ExecuteLocally(_ context.Context, _ bool) Response {
	ino, err := o.env.Store.CreateFile(o.req.ParentID, o.req.Name, o.req.EntryID, o.req.Mode, o.req.Time)
	if err != nil {
		return failed(err)
	}
	return entryResponse(ino,
		hashdir.InodeCandidate(ino.ID),
		hashdir.InodeCandidate(o.req.ParentID),
		hashdir.ContentCandidate(o.req.ParentID),
	)
}

func (o *createFileOp) ForwardToSecondary(ctx context.Context, fwd *wire.Envelope, send SendFunc) (*wire.Envelope, error) {
	return forwardPayload(ctx, fwd, o.req, send)
}

func (o *createFileOp) ProcessSecondaryResponse(resp *wire.Envelope) errcode.Code {
	return createdAs(resp, o.req.EntryID)
}

// --- unlink ---

type unlinkOp struct {
	base
	req    UnlinkRequest
	target string // entry ID resolved before locking
}

func decodeUnlink(env *Env, e *wire.Envelope, forwarded bool) (Operation, error) {
	req, err := decodeRequest[UnlinkRequest](e)
	if err != nil {
		return nil, err
	}
	op := &unlinkOp{base: base{env: env}, req: req}
	op.stamp(&op.req.Time, forwarded)
	return op, nil
}

func (o *unlinkOp) Kind() wire.Kind { return wire.KindUnlink }

func (o *unlinkOp) Validate() error {
	return errors.Join(
		metastore.ValidID(o.req.ParentID),
		metastore.ValidName(o.req.Name),
		requireTime(o.req.Time),
	)
}

func (o *unlinkOp) Lock(locks *entrylock.Store) (*entrylock.Set, error) {
	o.target = lookupID(o.env.Store, o.req.ParentID, o.req.Name)
	reqs := append(parentInode(o.req.ParentID),
		entrylock.Shared(bucketKey(hashdir.DentryBucketCandidate(o.req.ParentID))),
		entrylock.Shared(entrylock.DirKey(o.req.ParentID)),
		entrylock.Exclusive(entrylock.ParentNameKey(o.req.ParentID, o.req.Name)),
	)
	if o.target != "" {
		reqs = append(reqs,
			entrylock.Shared(bucketKey(hashdir.InodeCandidate(o.target))),
			entrylock.Exclusive(entrylock.FileKey(o.target)),
		)
	}
	return locks.AcquireAll(reqs...)
}

func (o *unlinkOp) ExecuteLocally(_ context.Context, _ bool) Response {
	if err := recheck(o.env.Store, o.req.ParentID, o.req.Name, o.target); err != nil {
		return failed(err)
	}
	ino, err := o.env.Store.Unlink(o.req.ParentID, o.req.Name, o.req.Time)
	if err != nil {
		return failed(err)
	}
	return entryResponse(ino,
		hashdir.InodeCandidate(ino.ID),
		hashdir.InodeCandidate(o.req.ParentID),
		hashdir.ContentCandidate(o.req.ParentID),
	)
}

func (o *unlinkOp) ForwardToSecondary(ctx context.Context, fwd *wire.Envelope, send SendFunc) (*wire.Envelope, error) {
	return forwardPayload(ctx, fwd, o.req, send)
}

// --- rmdir ---

type rmdirOp struct {
	base
	req    RmdirRequest
	target string
}

func decodeRmdir(env *Env, e *wire.Envelope, forwarded bool) (Operation, error) {
	req, err := decodeRequest[RmdirRequest](e)
	if err != nil {
		return nil, err
	}
	op := &rmdirOp{base: base{env: env}, req: req}
	op.stamp(&op.req.Time, forwarded)
	return op, nil
}

func (o *rmdirOp) Kind() wire.Kind { return wire.KindRmdir }

func (o *rmdirOp) Validate() error {
	return errors.Join(
		metastore.ValidID(o.req.ParentID),
		metastore.ValidName(o.req.Name),
		requireTime(o.req.Time),
	)
}

func (o *rmdirOp) Lock(locks *entrylock.Store) (*entrylock.Set, error) {
	o.target = lookupID(o.env.Store, o.req.ParentID, o.req.Name)
	reqs := append(parentInode(o.req.ParentID),
		entrylock.Shared(bucketKey(hashdir.DentryBucketCandidate(o.req.ParentID))),
		entrylock.Shared(entrylock.DirKey(o.req.ParentID)),
		entrylock.Exclusive(entrylock.ParentNameKey(o.req.ParentID, o.req.Name)),
	)
	if o.target != "" {
		reqs = append(reqs,
			entrylock.Shared(bucketKey(hashdir.InodeCandidate(o.target))),
			entrylock.Shared(bucketKey(hashdir.DentryBucketCandidate(o.target))),
			entrylock.Exclusive(entrylock.DirKey(o.target)),
			entrylock.Exclusive(entrylock.FileKey(o.target)),
		)
	}
	return locks.AcquireAll(reqs...)
}

func (o *rmdirOp) ExecuteLocally(_ context.Context, _ bool) Response {
	if err := recheck(o.env.Store, o.req.ParentID, o.req.Name, o.target); err != nil {
		return failed(err)
	}
	ino, err := o.env.Store.Rmdir(o.req.ParentID, o.req.Name, o.req.Time)
	if err != nil {
		return failed(err)
	}
	return entryResponse(ino,
		hashdir.InodeCandidate(ino.ID),
		hashdir.InodeCandidate(o.req.ParentID),
		hashdir.ContentCandidate(o.req.ParentID),
		hashdir.ContentCandidate(ino.ID),
	)
}

func (o *rmdirOp) ForwardToSecondary(ctx context.Context, fwd *wire.Envelope, send SendFunc) (*wire.Envelope, error) {
	return forwardPayload(ctx, fwd, o.req, send)
}

// --- rename ---

type renameOp struct {
	base
	req      RenameRequest
	src, dst string
}

func decodeRename(env *Env, e *wire.Envelope, forwarded bool) (Operation, error) {
	req, err := decodeRequest[RenameRequest](e)
	if err != nil {
		return nil, err
	}
	op := &renameOp{base: base{env: env}, req: req}
	op.stamp(&op.req.Time, forwarded)
	return op, nil
}

func (o *renameOp) Kind() wire.Kind { return wire.KindRename }

func (o *renameOp) Validate() error {
	return errors.Join(
		metastore.ValidID(o.req.ParentID),
		metastore.ValidName(o.req.OldName),
		metastore.ValidName(o.req.NewName),
		requireTime(o.req.Time),
	)
}

func (o *renameOp) Lock(locks *entrylock.Store) (*entrylock.Set, error) {
	o.src = lookupID(o.env.Store, o.req.ParentID, o.req.OldName)
	o.dst = lookupID(o.env.Store, o.req.ParentID, o.req.NewName)

	reqs := append(parentInode(o.req.ParentID),
		entrylock.Shared(bucketKey(hashdir.DentryBucketCandidate(o.req.ParentID))),
		entrylock.Shared(entrylock.DirKey(o.req.ParentID)),
		entrylock.Exclusive(entrylock.ParentNameKey(o.req.ParentID, o.req.OldName)),
		entrylock.Exclusive(entrylock.ParentNameKey(o.req.ParentID, o.req.NewName)),
	)
	for _, id := range []string{o.src, o.dst} {
		if id != "" {
			reqs = append(reqs,
				entrylock.Shared(bucketKey(hashdir.InodeCandidate(id))),
				entrylock.Exclusive(entrylock.FileKey(id)),
			)
		}
	}
	return locks.AcquireAll(reqs...)
}

func (o *renameOp) ExecuteLocally(_ context.Context, _ bool) Response {
	err := errors.Join(
		recheck(o.env.Store, o.req.ParentID, o.req.OldName, o.src),
		recheck(o.env.Store, o.req.ParentID, o.req.NewName, o.dst),
	)
	if err != nil {
		return failed(errcode.ErrAgain.WithMessage(err.Error()))
	}
	ino, err := o.env.Store.Rename(o.req.ParentID, o.req.OldName, o.req.NewName, o.req.Time)
	if err != nil {
		return failed(err)
	}
	modified := []hashdir.Candidate{
		hashdir.ContentCandidate(o.req.ParentID),
		hashdir.InodeCandidate(o.req.ParentID),
		hashdir.InodeCandidate(ino.ID),
	}
	if o.dst != "" {
		modified = append(modified, hashdir.InodeCandidate(o.dst))
	}
	return entryResponse(ino, modified...)
}

func (o *renameOp) ForwardToSecondary(ctx context.Context, fwd *wire.Envelope, send SendFunc) (*wire.Envelope, error) {
	return forwardPayload(ctx, fwd, o.req, send)
}

// --- setattr ---

type setAttrOp struct {
	base
	req SetAttrRequest
}

func decodeSetAttr(env *Env, e *wire.Envelope, forwarded bool) (Operation, error) {
	req, err := decodeRequest[SetAttrRequest](e)
	if err != nil {
		return nil, err
	}
	op := &setAttrOp{base: base{env: env}, req: req}
	op.stamp(&op.req.Time, forwarded)
	return op, nil
}

func (o *setAttrOp) Kind() wire.Kind { return wire.KindSetAttr }

func (o *setAttrOp) Validate() error {
	return errors.Join(metastore.ValidID(o.req.EntryID), requireTime(o.req.Time))
}

func (o *setAttrOp) Lock(locks *entrylock.Store) (*entrylock.Set, error) {
	return locks.AcquireAll(
		entrylock.Shared(bucketKey(hashdir.InodeCandidate(o.req.EntryID))),
		entrylock.Exclusive(entrylock.FileKey(o.req.EntryID)),
	)
}

func (o *setAttrOp) ExecuteLocally(_ context.Context, _ bool) Response {
	ino, err := o.env.Store.SetAttr(o.req.EntryID, o.req.Attr, o.req.Time)
	if err != nil {
		return failed(err)
	}
	return entryResponse(ino, hashdir.InodeCandidate(ino.ID))
}

func (o *setAttrOp) ForwardToSecondary(ctx context.Context, fwd *wire.Envelope, send SendFunc) (*wire.Envelope, error) {
	return forwardPayload(ctx, fwd, o.req, send)
}

// --- read-only kinds: locked like mutations, never forwarded ---

type statOp struct {
	base
	req StatRequest
}

func decodeStat(env *Env, e *wire.Envelope, _ bool) (Operation, error) {
	req, err := decodeRequest[StatRequest](e)
	if err != nil {
		return nil, err
	}
	return &statOp{base: base{env: env}, req: req}, nil
}

func (o *statOp) Kind() wire.Kind  { return wire.KindStat }
func (o *statOp) Validate() error { return metastore.ValidID(o.req.EntryID) }

func (o *statOp) Lock(locks *entrylock.Store) (*entrylock.Set, error) {
	return locks.AcquireAll(entrylock.Shared(entrylock.FileKey(o.req.EntryID)))
}

func (o *statOp) ExecuteLocally(_ context.Context, _ bool) Response {
	ino, err := o.env.Store.Stat(o.req.EntryID)
	if err != nil {
		return failed(err)
	}
	return Response{Code: errcode.Success, Body: EntryReply{Entry: ino}}
}

func (o *statOp) ForwardToSecondary(context.Context, *wire.Envelope, SendFunc) (*wire.Envelope, error) {
	return nil, errcode.ErrInval.WithMessage("stat is never forwarded")
}

type listDirOp struct {
	base
	req ListDirRequest
}

func decodeListDir(env *Env, e *wire.Envelope, _ bool) (Operation, error) {
	req, err := decodeRequest[ListDirRequest](e)
	if err != nil {
		return nil, err
	}
	return &listDirOp{base: base{env: env}, req: req}, nil
}

func (o *listDirOp) Kind() wire.Kind  { return wire.KindListDir }
func (o *listDirOp) Validate() error { return metastore.ValidID(o.req.DirID) }

func (o *listDirOp) Lock(locks *entrylock.Store) (*entrylock.Set, error) {
	return locks.AcquireAll(entrylock.Shared(entrylock.DirKey(o.req.DirID)))
}

func (o *listDirOp) ExecuteLocally(_ context.Context, _ bool) Response {
	entries, err := o.env.Store.ListDir(o.req.DirID)
	if err != nil {
		return failed(err)
	}
	return Response{Code: errcode.Success, Body: ListDirReply{Entries: entries}}
}

func (o *listDirOp) ForwardToSecondary(context.Context, *wire.Envelope, SendFunc) (*wire.Envelope, error) {
	return nil, errcode.ErrInval.WithMessage("listdir is never forwarded")
}
