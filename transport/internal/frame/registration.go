package frame

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fxsml/gocal/topic"
)

const registrationMagic = 0x6772

const (
	kindPublisher = 1 << iota
	kindGone
)

// Registration announces an endpoint. The shm transport stores it in the
// endpoint's registration file; network transports broadcast it on the
// presence subject of the topic.
type Registration struct {
	ID    topic.ID
	Topic topic.Topic
	// Publisher is true for publishers, false for subscribers.
	Publisher bool
	// Gone marks the last announcement of an endpoint.
	Gone bool
	// Buffers is the number of memfiles of a shm publisher.
	Buffers uint16
	// PID is the process ID of the endpoint owner.
	PID uint32
}

// EncodeRegistration serializes r including the topic descriptor.
func EncodeRegistration(r Registration) ([]byte, error) {
	if len(r.ID) > math.MaxUint8 ||
		len(r.Topic.Name) > math.MaxUint16 ||
		len(r.Topic.DataType.Encoding) > math.MaxUint16 ||
		len(r.Topic.DataType.TypeName) > math.MaxUint16 ||
		uint64(len(r.Topic.DataType.Descriptor)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: registration", ErrTooLarge)
	}
	b := binary.LittleEndian.AppendUint16(nil, registrationMagic)
	var kind byte
	if r.Publisher {
		kind |= kindPublisher
	}
	if r.Gone {
		kind |= kindGone
	}
	b = append(b, version, kind)
	b = binary.LittleEndian.AppendUint16(b, r.Buffers)
	b = binary.LittleEndian.AppendUint32(b, r.PID)
	b = append(b, byte(len(r.ID)))
	b = append(b, r.ID...)
	b = appendStr16(b, r.Topic.Name)
	b = appendStr16(b, r.Topic.DataType.Encoding)
	b = appendStr16(b, r.Topic.DataType.TypeName)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(r.Topic.DataType.Descriptor)))
	b = append(b, r.Topic.DataType.Descriptor...)
	return b, nil
}

// DecodeRegistration parses a registration record.
func DecodeRegistration(data []byte) (Registration, error) {
	var reg Registration
	r := reader{b: data}
	if r.u16() != registrationMagic {
		return reg, fmt.Errorf("%w: bad registration magic", ErrMalformed)
	}
	if v := r.u8(); v != version {
		return reg, fmt.Errorf("%w: unsupported version %d", ErrMalformed, v)
	}
	kind := r.u8()
	reg.Publisher = kind&kindPublisher != 0
	reg.Gone = kind&kindGone != 0
	reg.Buffers = r.u16()
	reg.PID = r.u32()
	reg.ID = topic.ID(r.bytes(int(r.u8())))
	reg.Topic.Name = string(r.bytes(int(r.u16())))
	reg.Topic.DataType.Encoding = string(r.bytes(int(r.u16())))
	reg.Topic.DataType.TypeName = string(r.bytes(int(r.u16())))
	if desc := r.bytes(int(r.u32())); len(desc) > 0 {
		reg.Topic.DataType.Descriptor = append([]byte(nil), desc...)
	}
	if r.err != nil {
		return Registration{}, r.err
	}
	return reg, nil
}
