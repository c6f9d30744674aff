package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodec replaces grpc's default protobuf codec with plain JSON
// encoding of the Go structs in messages.go. It registers itself under
// the name "proto" — the content-subtype grpc-go selects automatically
// when none is configured on the client or server — so no generated
// protobuf code is required anywhere in the call path.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal %T: %w", v, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("transport: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
