// Package topic defines the naming and type metadata shared by publishers,
// subscribers and transports.
//
// A topic is a name plus a DataTypeInfo. Publishers and subscribers on the
// same name are expected to agree on a compatible DataTypeInfo; Compatible
// reports whether two descriptors may exchange buffers.
package topic

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxNameLength is the longest accepted topic name in bytes.
const MaxNameLength = 255

var (
	// ErrInvalidName is returned for topic names that cannot be registered.
	ErrInvalidName = errors.New("topic: invalid name")
	// ErrIncompatible is returned when two descriptors disagree.
	ErrIncompatible = errors.New("topic: incompatible data type")
)

// DataTypeInfo describes the encoding and logical type of a topic payload.
type DataTypeInfo struct {
	// Encoding identifies the wire format, e.g. "utf-8", "raw", "json", "proto".
	Encoding string
	// TypeName identifies the logical type, e.g. "string" or "pb.Sensor".
	TypeName string
	// Descriptor is optional schema material (e.g. a protobuf FileDescriptorSet).
	Descriptor []byte
}

// String returns "encoding:type".
func (d DataTypeInfo) String() string {
	return d.Encoding + ":" + d.TypeName
}

// IsZero reports whether no type information is set.
func (d DataTypeInfo) IsZero() bool {
	return d.Encoding == "" && d.TypeName == "" && len(d.Descriptor) == 0
}

// Equal reports whether both descriptors are identical.
func (d DataTypeInfo) Equal(o DataTypeInfo) bool {
	return d.Encoding == o.Encoding && d.TypeName == o.TypeName && bytes.Equal(d.Descriptor, o.Descriptor)
}

// Topic binds a name to a payload type.
type Topic struct {
	Name     string
	DataType DataTypeInfo
}

// New validates name and returns a Topic.
func New(name string, dt DataTypeInfo) (Topic, error) {
	if err := ValidateName(name); err != nil {
		return Topic{}, err
	}
	return Topic{Name: name, DataType: dt}, nil
}

func (t Topic) String() string {
	return t.Name + " [" + t.DataType.String() + "]"
}

// ValidateName checks that name is non-empty, valid UTF-8, at most
// MaxNameLength bytes and free of whitespace and control characters.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLength)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	}
	if i := strings.IndexFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}); i >= 0 {
		return fmt.Errorf("%w: %q contains whitespace or control character at %d", ErrInvalidName, name, i)
	}
	return nil
}

// Compatible reports whether a subscriber expecting want can consume buffers
// described by got. Empty fields act as wildcards, so untyped (raw)
// endpoints interoperate with typed ones. Descriptors are advisory and not
// compared.
func Compatible(want, got DataTypeInfo) bool {
	if want.Encoding != "" && got.Encoding != "" && want.Encoding != got.Encoding {
		return false
	}
	if want.TypeName != "" && got.TypeName != "" && want.TypeName != got.TypeName {
		return false
	}
	return true
}

// CheckCompatible returns ErrIncompatible wrapped with both descriptors when
// Compatible is false.
func CheckCompatible(name string, want, got DataTypeInfo) error {
	if Compatible(want, got) {
		return nil
	}
	return fmt.Errorf("%w on %q: want %s, got %s", ErrIncompatible, name, want, got)
}

// ID identifies a publisher or subscriber entity.
type ID string

// NewID returns a random entity ID.
func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string {
	return string(id)
}
