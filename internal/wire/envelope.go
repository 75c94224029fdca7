// Package wire defines the typed envelope exchanged between buddies and the
// binary codec the transport uses to carry it. The envelope is opaque to the
// transport: a message-kind discriminator, routing/session metadata, a result
// code, and a kind-specific payload.
package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"buddymirror/internal/errcode"
)

// Kind discriminates envelope payloads.
type Kind uint16

const (
	KindUnknown Kind = iota
	KindMkdir
	KindCreateFile
	KindUnlink
	KindRmdir
	KindRename
	KindSetAttr
	KindStat
	KindListDir
	KindHeartbeat
	KindGetStates
	KindSetState
	KindResyncStarted
	KindResyncFinished
	KindStartResync
	KindListGroups
)

var kindNames = map[Kind]string{
	KindMkdir:          "Mkdir",
	KindCreateFile:     "CreateFile",
	KindUnlink:         "Unlink",
	KindRmdir:          "Rmdir",
	KindRename:         "Rename",
	KindSetAttr:        "SetAttr",
	KindStat:           "Stat",
	KindListDir:        "ListDir",
	KindHeartbeat:      "Heartbeat",
	KindGetStates:      "GetStates",
	KindSetState:       "SetState",
	KindResyncStarted:  "ResyncStarted",
	KindResyncFinished: "ResyncFinished",
	KindStartResync:    "StartResync",
	KindListGroups:     "ListGroups",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// Flag is a bit set of envelope header flags.
type Flag uint32

const (
	// FlagBuddyMirrorSecond marks a copy forwarded by a primary to its
	// secondary. Such a copy is executed but never forwarded again.
	FlagBuddyMirrorSecond Flag = 1 << iota
	// FlagHasSequenceNumber marks a request carrying a client sequence number.
	FlagHasSequenceNumber
	// FlagResync marks traffic generated by a running resync.
	FlagResync
)

// Has reports whether all bits of f2 are set in f.
func (f Flag) Has(f2 Flag) bool { return f&f2 == f2 }

// Envelope is a single request or response.
type Envelope struct {
	Kind      Kind
	Flags     Flag
	Code      errcode.Code
	Message   string
	RequestID string
	GroupID   uint16
	ClientID  string
	Seq       uint64
	SeqDone   uint64
	Payload   []byte
}

// field numbers of the envelope encoding
const (
	fieldKind      protowire.Number = 1
	fieldFlags     protowire.Number = 2
	fieldCode      protowire.Number = 3
	fieldMessage   protowire.Number = 4
	fieldRequestID protowire.Number = 5
	fieldGroupID   protowire.Number = 6
	fieldClientID  protowire.Number = 7
	fieldSeq       protowire.Number = 8
	fieldSeqDone   protowire.Number = 9
	fieldPayload   protowire.Number = 10
)

// New builds a request envelope with payload v JSON-encoded.
func New(kind Kind, v any) (*Envelope, error) {
	env := &Envelope{Kind: kind}
	if err := env.SetPayload(v); err != nil {
		return nil, err
	}
	return env, nil
}

// Reply builds a response to e carrying code and payload v (which may be nil).
func (e *Envelope) Reply(code errcode.Code, v any) (*Envelope, error) {
	resp := &Envelope{
		Kind:      e.Kind,
		Code:      code,
		RequestID: e.RequestID,
		GroupID:   e.GroupID,
	}
	if v != nil {
		if err := resp.SetPayload(v); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// SetPayload JSON-encodes v into the payload.
func (e *Envelope) SetPayload(v any) error {
	if v == nil {
		e.Payload = nil
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Kind, err)
	}
	e.Payload = data
	return nil
}

// Decode JSON-decodes the payload into v. An empty payload leaves v untouched.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Err returns the envelope's result as an error (nil on Success).
func (e *Envelope) Err() error {
	if e.Code == errcode.Success {
		return nil
	}
	return &errcode.Error{Code: e.Code, Message: e.Message}
}

// Marshal encodes the envelope in protobuf wire format. Zero-valued fields
// are omitted.
func (e *Envelope) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldKind, uint64(e.Kind))
	b = appendVarint(b, fieldFlags, uint64(e.Flags))
	b = appendVarint(b, fieldCode, uint64(uint32(e.Code)))
	b = appendString(b, fieldMessage, e.Message)
	b = appendString(b, fieldRequestID, e.RequestID)
	b = appendVarint(b, fieldGroupID, uint64(e.GroupID))
	b = appendString(b, fieldClientID, e.ClientID)
	b = appendVarint(b, fieldSeq, e.Seq)
	b = appendVarint(b, fieldSeqDone, e.SeqDone)
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	return b
}

// Unmarshal decodes b into e. Unknown fields are skipped.
func (e *Envelope) Unmarshal(b []byte) error {
	*e = Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			e.setVarint(num, v)
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			e.setBytes(num, v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func (e *Envelope) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldKind:
		e.Kind = Kind(v)
	case fieldFlags:
		e.Flags = Flag(v)
	case fieldCode:
		e.Code = errcode.Code(int32(uint32(v)))
	case fieldGroupID:
		e.GroupID = uint16(v)
	case fieldSeq:
		e.Seq = v
	case fieldSeqDone:
		e.SeqDone = v
	}
}

func (e *Envelope) setBytes(num protowire.Number, v []byte) {
	switch num {
	case fieldMessage:
		e.Message = string(v)
	case fieldRequestID:
		e.RequestID = string(v)
	case fieldClientID:
		e.ClientID = string(v)
	case fieldPayload:
		e.Payload = append([]byte(nil), v...)
	}
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
