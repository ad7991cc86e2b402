package codec

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/fxsml/gocal/topic"
)

// CBORCodec implements Codec using CBOR (RFC 8949).
type CBORCodec[T any] struct {
	dt  topic.DataTypeInfo
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR creates a CBOR codec for T. Encoding uses core deterministic mode;
// decoding rejects duplicate map keys and bounds nesting and collection
// sizes, since input comes from untrusted peers.
func CBOR[T any]() *CBORCodec[T] {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: cbor encode options: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  64,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic("codec: cbor decode options: " + err.Error())
	}
	return &CBORCodec[T]{
		dt:  topic.DataTypeInfo{Encoding: "cbor", TypeName: ShortTypeName[T]()},
		enc: enc,
		dec: dec,
	}
}

func (c *CBORCodec[T]) Encode(v T) ([]byte, error) {
	b, err := c.enc.Marshal(v)
	if err != nil {
		return nil, encodeErr(c.dt, err)
	}
	return b, nil
}

func (c *CBORCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := c.dec.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, decodeErr(c.dt, data, err)
	}
	return v, nil
}

func (c *CBORCodec[T]) DataType() topic.DataTypeInfo {
	return c.dt
}

// ContentType returns "application/cbor".
func (c *CBORCodec[T]) ContentType() string {
	return "application/cbor"
}
