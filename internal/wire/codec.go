package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which envelopes travel.
const CodecName = "buddymirror-envelope"

// Codec marshals *Envelope values for gRPC.
type Codec struct{}

func init() {
	encoding.RegisterCodec(Codec{})
}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("wire codec: cannot marshal %T", v)
	}
	return env.Marshal(), nil
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	env, ok := v.(*Envelope)
	if !ok {
		return fmt.Errorf("wire codec: cannot unmarshal into %T", v)
	}
	return env.Unmarshal(data)
}

// Name implements encoding.Codec.
func (Codec) Name() string { return CodecName }
