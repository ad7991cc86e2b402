// Package frame encodes the envelope network transports put around a
// payload, and the topic registration records of the shm transport.
//
// Frame layout (little-endian):
//
//	uint16 magic      // 0x6763 "gc"
//	uint8  version    // 1
//	uint8  flags      // reserved, zero
//	int64  clock
//	int64  timestamp
//	uint64 bufferID
//	str8   publisherID
//	str16  topic name
//	str16  encoding
//	str16  type name
//	uint32 payload length
//	[]byte payload
//
// str8 and str16 are length-prefixed strings with a uint8 or uint16 length.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fxsml/gocal/topic"
)

const (
	magic   = 0x6763
	version = 1

	fixedSize = 2 + 1 + 1 + 8 + 8 + 8
)

var (
	// ErrMalformed is returned for frames that cannot be decoded.
	ErrMalformed = errors.New("frame: malformed")
	// ErrTooLarge is returned when a field exceeds its length prefix.
	ErrTooLarge = errors.New("frame: field too large")
)

// Header is the metadata carried in front of every payload.
type Header struct {
	PublisherID topic.ID
	Topic       topic.Topic
	Clock       int64
	Timestamp   int64
	BufferID    uint64
}

// HeaderSize returns the encoded size of h excluding the payload.
func HeaderSize(h Header) int {
	return fixedSize +
		1 + len(h.PublisherID) +
		2 + len(h.Topic.Name) +
		2 + len(h.Topic.DataType.Encoding) +
		2 + len(h.Topic.DataType.TypeName) +
		4
}

func validate(h Header, size int) error {
	switch {
	case len(h.PublisherID) > math.MaxUint8:
		return fmt.Errorf("%w: publisher id", ErrTooLarge)
	case len(h.Topic.Name) > math.MaxUint16,
		len(h.Topic.DataType.Encoding) > math.MaxUint16,
		len(h.Topic.DataType.TypeName) > math.MaxUint16:
		return fmt.Errorf("%w: topic", ErrTooLarge)
	case size < 0 || uint64(size) > math.MaxUint32:
		return fmt.Errorf("%w: payload of %d bytes", ErrTooLarge, size)
	}
	return nil
}

// Encode returns h followed by payload.
func Encode(h Header, payload []byte) ([]byte, error) {
	buf, body, err := Prepare(nil, h, len(payload))
	if err != nil {
		return nil, err
	}
	copy(body, payload)
	return buf, nil
}

// Prepare encodes h into buf, growing it when needed, and returns the frame
// and the payload region of exactly size bytes inside it. When buf already
// holds a frame with the same header size, the payload region keeps its
// previous content.
func Prepare(buf []byte, h Header, size int) (frame, payload []byte, err error) {
	if err := validate(h, size); err != nil {
		return nil, nil, err
	}
	hs := HeaderSize(h)
	total := hs + size
	if cap(buf) < total {
		grown := make([]byte, total)
		copy(grown, buf)
		buf = grown
	}
	buf = buf[:total]

	b := buf[:0]
	b = binary.LittleEndian.AppendUint16(b, magic)
	b = append(b, version, 0)
	b = binary.LittleEndian.AppendUint64(b, uint64(h.Clock))
	b = binary.LittleEndian.AppendUint64(b, uint64(h.Timestamp))
	b = binary.LittleEndian.AppendUint64(b, h.BufferID)
	b = append(b, byte(len(h.PublisherID)))
	b = append(b, h.PublisherID...)
	b = appendStr16(b, h.Topic.Name)
	b = appendStr16(b, h.Topic.DataType.Encoding)
	b = appendStr16(b, h.Topic.DataType.TypeName)
	b = binary.LittleEndian.AppendUint32(b, uint32(size))
	return buf, buf[hs:total], nil
}

// Decode parses a frame. The returned payload aliases data.
func Decode(data []byte) (Header, []byte, error) {
	var h Header
	r := reader{b: data}
	if r.u16() != magic {
		return h, nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if v := r.u8(); v != version {
		return h, nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, v)
	}
	r.u8()
	h.Clock = int64(r.u64())
	h.Timestamp = int64(r.u64())
	h.BufferID = r.u64()
	h.PublisherID = topic.ID(r.bytes(int(r.u8())))
	h.Topic.Name = string(r.bytes(int(r.u16())))
	h.Topic.DataType.Encoding = string(r.bytes(int(r.u16())))
	h.Topic.DataType.TypeName = string(r.bytes(int(r.u16())))
	payload := r.bytes(int(r.u32()))
	if r.err != nil {
		return Header{}, nil, r.err
	}
	if len(r.b) != 0 {
		return Header{}, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.b))
	}
	return h, payload, nil
}

func appendStr16(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

// reader consumes little-endian fields and records the first short read.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b) < n {
		r.err = fmt.Errorf("%w: short buffer", ErrMalformed)
		r.b = nil
		return nil
	}
	v := r.b[:n:n]
	r.b = r.b[n:]
	return v
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) bytes(n int) []byte {
	return r.take(n)
}
