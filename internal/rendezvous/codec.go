// Package rendezvous implements the name/TDMA-slot registry capture servers
// register into and viewers query before falling back to a direct
// connection (§2, §4.4). It rides on gRPC for transport and framing, with a
// hand-written JSON codec in place of protoc-generated message types: there
// is no protobuf compiler available in this build environment, and a
// hand-authored .pb.go would only be a worse, unmaintainable reimplementation
// of what protoc-gen-go already does well.
package rendezvous

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec implements encoding.Codec (formerly encoding.Codec, grpc's
// wire-marshaling hook) against plain Go structs instead of generated
// protobuf messages.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rendezvous: unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
