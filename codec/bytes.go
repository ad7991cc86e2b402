package codec

import "github.com/fxsml/gocal/topic"

var bytesType = topic.DataTypeInfo{Encoding: "raw", TypeName: "bytes"}

type bytesCodec struct{}

// Bytes returns a pass-through codec for raw binary payloads.
//
// Decode does not copy: the returned slice aliases the transport buffer and
// is only valid for the duration of the receive callback. Use
// bytes.Clone to retain it.
func Bytes() Codec[[]byte] {
	return bytesCodec{}
}

// Encode returns v itself; the publisher only reads it during the send.
func (bytesCodec) Encode(v []byte) ([]byte, error) {
	return v, nil
}

func (bytesCodec) Decode(data []byte) ([]byte, error) {
	return data, nil
}

func (bytesCodec) DataType() topic.DataTypeInfo {
	return bytesType
}
