package proto

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which the Raft messages are exchanged. Clients select it with
// grpc.CallContentSubtype(CodecName); servers pick the codec from the registry automatically.
const CodecName = "raftwire"

// Codec is a gRPC codec for the messages in this package.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("raftwire codec: cannot marshal %T", v)
	}
	return Marshal(m)
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("raftwire codec: cannot unmarshal into %T", v)
	}
	return Unmarshal(data, m)
}

func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}
