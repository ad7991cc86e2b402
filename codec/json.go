package codec

import (
	"encoding/json"

	"github.com/fxsml/gocal/topic"
)

// JSONCodec implements Codec using JSON encoding.
type JSONCodec[T any] struct {
	dt topic.DataTypeInfo
}

// JSON creates a JSON codec for T. The type name is the short Go type name.
func JSON[T any]() *JSONCodec[T] {
	return &JSONCodec[T]{dt: topic.DataTypeInfo{Encoding: "json", TypeName: ShortTypeName[T]()}}
}

// Encode marshals v to JSON bytes.
func (c *JSONCodec[T]) Encode(v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, encodeErr(c.dt, err)
	}
	return b, nil
}

// Decode unmarshals JSON bytes into a new T.
func (c *JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, decodeErr(c.dt, data, err)
	}
	return v, nil
}

// DataType returns encoding "json".
func (c *JSONCodec[T]) DataType() topic.DataTypeInfo {
	return c.dt
}

// ContentType returns "application/json".
func (c *JSONCodec[T]) ContentType() string {
	return "application/json"
}
