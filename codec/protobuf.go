package codec

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/fxsml/gocal/topic"
)

// ProtobufCodec implements Codec for generated protobuf messages.
type ProtobufCodec[T proto.Message] struct {
	dt   topic.DataTypeInfo
	mt   protoreflect.MessageType
	opts proto.MarshalOptions
}

// Protobuf creates a codec for the generated message type T (a pointer such
// as *pb.Pose). The type name is the message's full name and the descriptor
// is a serialized FileDescriptorSet holding its file and all imports, so
// tooling can decode buffers without the generated code.
func Protobuf[T proto.Message]() *ProtobufCodec[T] {
	var zero T
	mt := zero.ProtoReflect().Type()
	md := mt.Descriptor()
	return &ProtobufCodec[T]{
		dt: topic.DataTypeInfo{
			Encoding:   "proto",
			TypeName:   string(md.FullName()),
			Descriptor: fileDescriptorSet(md.ParentFile()),
		},
		mt:   mt,
		opts: proto.MarshalOptions{Deterministic: true},
	}
}

func (c *ProtobufCodec[T]) Encode(v T) ([]byte, error) {
	b, err := c.opts.Marshal(v)
	if err != nil {
		return nil, encodeErr(c.dt, err)
	}
	return b, nil
}

func (c *ProtobufCodec[T]) Decode(data []byte) (T, error) {
	m := c.mt.New().Interface().(T)
	if err := proto.Unmarshal(data, m); err != nil {
		var zero T
		return zero, decodeErr(c.dt, data, err)
	}
	return m, nil
}

func (c *ProtobufCodec[T]) DataType() topic.DataTypeInfo {
	return c.dt
}

// ContentType returns "application/protobuf".
func (c *ProtobufCodec[T]) ContentType() string {
	return "application/protobuf"
}

// fileDescriptorSet serializes fd and its transitive imports, dependencies
// first.
func fileDescriptorSet(fd protoreflect.FileDescriptor) []byte {
	seen := make(map[string]struct{})
	var files []*descriptorpb.FileDescriptorProto
	var walk func(protoreflect.FileDescriptor)
	walk = func(f protoreflect.FileDescriptor) {
		if _, ok := seen[f.Path()]; ok {
			return
		}
		seen[f.Path()] = struct{}{}
		imports := f.Imports()
		for i := 0; i < imports.Len(); i++ {
			walk(imports.Get(i).FileDescriptor)
		}
		files = append(files, protodesc.ToFileDescriptorProto(f))
	}
	walk(fd)

	b, err := proto.Marshal(&descriptorpb.FileDescriptorSet{File: files})
	if err != nil {
		return nil
	}
	return b
}
