// Package codec converts typed values to and from the raw byte buffers
// carried by a transport.
//
// A Codec is bound to one Go type at compile time:
//
//	pub, _ := gocal.NewPublisher(rt, "hello", codec.String())
//	sub, _ := gocal.NewSubscriber(rt, "pose", codec.JSON[Pose]())
//
// Decode is fed bytes from an untrusted peer. Implementations return a
// *DecodingError on malformed input and never panic.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxsml/gocal/topic"
)

var (
	// ErrEncoding is matched by every *EncodingError.
	ErrEncoding = errors.New("codec: encoding failed")
	// ErrDecoding is matched by every *DecodingError.
	ErrDecoding = errors.New("codec: decoding failed")
)

// Codec encodes and decodes values of type T.
type Codec[T any] interface {
	// Encode returns the wire representation of v. It never mutates v and
	// never returns a partially written buffer.
	Encode(v T) ([]byte, error)

	// Decode parses data. The returned value may alias data when the codec
	// documents zero-copy decoding.
	Decode(data []byte) (T, error)

	// DataType describes the encoding and logical type.
	DataType() topic.DataTypeInfo
}

// EncodingError reports a failed Encode.
type EncodingError struct {
	Type  string
	Cause error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("codec: encode %s: %v", e.Type, e.Cause)
}

func (e *EncodingError) Unwrap() []error {
	return []error{ErrEncoding, e.Cause}
}

// DecodingError reports a failed Decode.
type DecodingError struct {
	Type  string
	Size  int
	Cause error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("codec: decode %s (%d bytes): %v", e.Type, e.Size, e.Cause)
}

func (e *DecodingError) Unwrap() []error {
	return []error{ErrDecoding, e.Cause}
}

func encodeErr(dt topic.DataTypeInfo, err error) error {
	return &EncodingError{Type: dt.String(), Cause: err}
}

func decodeErr(dt topic.DataTypeInfo, data []byte, err error) error {
	return &DecodingError{Type: dt.String(), Size: len(data), Cause: err}
}

// ShortTypeName returns the unqualified name of T, dereferencing pointers.
// Generic instantiations keep their type arguments.
func ShortTypeName[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}

// safely converts panics raised by third-party decoders into errors.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
