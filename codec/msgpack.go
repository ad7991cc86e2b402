package codec

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/fxsml/gocal/topic"
)

// MsgpackCodec implements Codec using MessagePack.
type MsgpackCodec[T any] struct {
	dt topic.DataTypeInfo
}

// Msgpack creates a MessagePack codec for T.
func Msgpack[T any]() *MsgpackCodec[T] {
	return &MsgpackCodec[T]{dt: topic.DataTypeInfo{Encoding: "msgpack", TypeName: ShortTypeName[T]()}}
}

func (c *MsgpackCodec[T]) Encode(v T) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, encodeErr(c.dt, err)
	}
	return b, nil
}

func (c *MsgpackCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := safely(func() error {
		return msgpack.Unmarshal(data, &v)
	})
	if err != nil {
		var zero T
		return zero, decodeErr(c.dt, data, err)
	}
	return v, nil
}

func (c *MsgpackCodec[T]) DataType() topic.DataTypeInfo {
	return c.dt
}

// ContentType returns "application/msgpack".
func (c *MsgpackCodec[T]) ContentType() string {
	return "application/msgpack"
}
