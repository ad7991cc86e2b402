package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/fxsml/gocal/topic"
)

// ErrUnknownEncoding is returned by Registry.Inspect for unregistered encodings.
var ErrUnknownEncoding = errors.New("codec: unknown encoding")

// InspectFunc decodes a buffer into a generic value using only the type
// descriptor carried with it. Used by tooling that has no compile-time type.
type InspectFunc func(data []byte, dt topic.DataTypeInfo) (any, error)

// Registry maps encodings to InspectFuncs.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]InspectFunc
}

// NewRegistry returns a registry preloaded with the built-in encodings.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]InspectFunc)}
	r.Register(stringType.Encoding, inspectString)
	r.Register(bytesType.Encoding, inspectBytes)
	r.Register("json", inspectJSON)
	r.Register(cloudEventType.Encoding, inspectJSON)
	r.Register("msgpack", inspectMsgpack)
	r.Register("cbor", inspectCBOR)
	r.Register("proto", inspectProto)
	return r
}

// Register adds or replaces the InspectFunc for encoding.
func (r *Registry) Register(encoding string, fn InspectFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[encoding] = fn
}

// Encodings returns the registered encodings, sorted.
func (r *Registry) Encodings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for enc := range r.funcs {
		out = append(out, enc)
	}
	sort.Strings(out)
	return out
}

// Inspect decodes data according to dt.Encoding.
func (r *Registry) Inspect(data []byte, dt topic.DataTypeInfo) (any, error) {
	r.mu.RLock()
	fn, ok := r.funcs[dt.Encoding]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, dt.Encoding)
	}
	var v any
	err := safely(func() error {
		var err error
		v, err = fn(data, dt)
		return err
	})
	if err != nil {
		return nil, decodeErr(dt, data, err)
	}
	return v, nil
}

func inspectString(data []byte, _ topic.DataTypeInfo) (any, error) {
	if !utf8.Valid(data) {
		return nil, ErrInvalidUTF8
	}
	return string(data), nil
}

func inspectBytes(data []byte, _ topic.DataTypeInfo) (any, error) {
	return append([]byte(nil), data...), nil
}

func inspectJSON(data []byte, _ topic.DataTypeInfo) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func inspectMsgpack(data []byte, _ topic.DataTypeInfo) (any, error) {
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func inspectCBOR(data []byte, _ topic.DataTypeInfo) (any, error) {
	var v any
	if err := cbor.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// inspectProto rebuilds the message type from the FileDescriptorSet in the
// descriptor and renders the payload as protojson.
func inspectProto(data []byte, dt topic.DataTypeInfo) (any, error) {
	if len(dt.Descriptor) == 0 {
		return nil, errors.New("missing descriptor")
	}
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(dt.Descriptor, &set); err != nil {
		return nil, fmt.Errorf("descriptor: %w", err)
	}
	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return nil, fmt.Errorf("descriptor: %w", err)
	}
	d, err := files.FindDescriptorByName(protoreflect.FullName(dt.TypeName))
	if err != nil {
		return nil, fmt.Errorf("descriptor: %w", err)
	}
	md, ok := d.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, fmt.Errorf("descriptor: %s is not a message", dt.TypeName)
	}
	msg := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	out, err := protojson.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}
