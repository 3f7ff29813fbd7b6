// Package rpc exposes a backend.Backend over gRPC and implements
// backend.Backend on top of that service. Requests and replies are protobuf
// well-known types: structured payloads travel as google.protobuf.Struct,
// blob chunks as BytesValue, and ids as StringValue.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/wppcache/internal/backend"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Metadata keys of an UploadBlob stream. The path key is binary so any file
// name survives the header encoding.
const (
	blobPathKey = "wppcache-blob-path-bin"
	blobSizeKey = "wppcache-blob-size"
)

// toStruct packs a message struct into a Struct through its JSON form, so
// Fields, Filters and times keep the shapes the backends normalize to.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %T: %v", backend.ErrInvalid, v, err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("%w: encode %T: %v", backend.ErrInvalid, v, err)
	}
	return out, nil
}

// fromStruct unpacks s into v, the reverse of toStruct.
func fromStruct(s *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: decode %T: %v", backend.ErrInvalid, v, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode %T: %v", backend.ErrInvalid, v, err)
	}
	return nil
}
