package grpcjson

import (
	"bytes"
	"encoding/json"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// Name is the content subtype of the codec (application/grpc+json).
const Name = "json"

// Codec is a JSON codec for gRPC unary calls. Numbers decode as
// json.Number into interface values so large integers survive.
type Codec struct{}

func (Codec) Name() string                  { return Name }
func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (Codec) Unmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

var once sync.Once

// Register registers the codec globally; safe to call multiple times.
func Register() { once.Do(func() { encoding.RegisterCodec(Codec{}) }) }

// DialOption makes every call of a client connection use the codec.
func DialOption() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{}))
}
