package codec

import (
	"errors"
	"unicode/utf8"

	"github.com/fxsml/gocal/topic"
)

// ErrInvalidUTF8 is the cause reported by the string codec.
var ErrInvalidUTF8 = errors.New("invalid UTF-8")

var stringType = topic.DataTypeInfo{Encoding: "utf-8", TypeName: "string"}

type stringCodec struct{}

// String returns a codec for plain UTF-8 text. Both directions reject
// invalid UTF-8.
func String() Codec[string] {
	return stringCodec{}
}

func (stringCodec) Encode(v string) ([]byte, error) {
	if !utf8.ValidString(v) {
		return nil, encodeErr(stringType, ErrInvalidUTF8)
	}
	return []byte(v), nil
}

func (stringCodec) Decode(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", decodeErr(stringType, data, ErrInvalidUTF8)
	}
	return string(data), nil
}

func (stringCodec) DataType() topic.DataTypeInfo {
	return stringType
}
