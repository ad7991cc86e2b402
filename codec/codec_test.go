package codec

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/cloudevents/sdk-go/v2/event"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type position struct {
	X float64 `json:"x" msgpack:"x" cbor:"x"`
	Y float64 `json:"y" msgpack:"y" cbor:"y"`
}

type pose struct {
	Frame    string            `json:"frame" msgpack:"frame" cbor:"frame"`
	Position position          `json:"position" msgpack:"position" cbor:"position"`
	Tags     []string          `json:"tags" msgpack:"tags" cbor:"tags"`
	Labels   map[string]string `json:"labels" msgpack:"labels" cbor:"labels"`
	Count    uint64            `json:"count" msgpack:"count" cbor:"count"`
}

func samplePose() pose {
	return pose{
		Frame:    "base_link",
		Position: position{X: 1.5, Y: -2.25},
		Tags:     []string{"front", "lidar"},
		Labels:   map[string]string{"unit": "m"},
		Count:    42,
	}
}

func roundTrip[T any](t *testing.T, c Codec[T], v T) T {
	t.Helper()
	data, err := c.Encode(v)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func TestString(t *testing.T) {
	c := String()
	for _, s := range []string{"", "Hello from Go", "héllo wörld ✓ 日本語 🚀"} {
		if got := roundTrip(t, c, s); got != s {
			t.Errorf("round trip = %q, want %q", got, s)
		}
	}

	if _, err := c.Encode("\xff"); !errors.Is(err, ErrEncoding) || !errors.Is(err, ErrInvalidUTF8) {
		t.Errorf("Encode invalid UTF-8: got %v", err)
	}

	data, _ := c.Encode("日本")
	if _, err := c.Decode(data[:len(data)-1]); !errors.Is(err, ErrDecoding) {
		t.Errorf("Decode truncated multi-byte rune: got %v", err)
	}

	var de *DecodingError
	_, err := c.Decode([]byte{0xc3})
	if !errors.As(err, &de) || de.Size != 1 || de.Type != "utf-8:string" {
		t.Errorf("expected DecodingError with size and type, got %#v", err)
	}
	if dt := c.DataType(); dt.Encoding != "utf-8" || dt.TypeName != "string" {
		t.Errorf("unexpected data type %v", dt)
	}
}

func TestBytes(t *testing.T) {
	c := Bytes()

	if got := roundTrip(t, c, []byte{}); len(got) != 0 {
		t.Errorf("expected empty buffer, got %d bytes", len(got))
	}

	large := bytes.Repeat([]byte{0xAA, 0x55}, 4<<20)
	if got := roundTrip(t, c, large); !bytes.Equal(got, large) {
		t.Error("large buffer mismatch")
	}

	buf := []byte("borrowed")
	got, _ := c.Decode(buf)
	if &got[0] != &buf[0] {
		t.Error("Decode should alias the input buffer")
	}
}

func TestStructuredCodecs(t *testing.T) {
	tests := []struct {
		name     string
		codec    Codec[pose]
		encoding string
	}{
		{"json", JSON[pose](), "json"},
		{"msgpack", Msgpack[pose](), "msgpack"},
		{"cbor", CBOR[pose](), "cbor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := samplePose()
			got := roundTrip(t, tt.codec, want)
			if !reflect.DeepEqual(got, want) {
				t.Errorf("round trip = %+v, want %+v", got, want)
			}

			zero := roundTrip(t, tt.codec, pose{Labels: map[string]string{}})
			if zero.Frame != "" || zero.Count != 0 {
				t.Errorf("zero value round trip = %+v", zero)
			}

			data, _ := tt.codec.Encode(want)
			if _, err := tt.codec.Decode(data[:len(data)-1]); !errors.Is(err, ErrDecoding) {
				t.Errorf("Decode truncated: expected ErrDecoding, got %v", err)
			}
			if _, err := tt.codec.Decode(nil); !errors.Is(err, ErrDecoding) {
				t.Errorf("Decode empty: expected ErrDecoding, got %v", err)
			}

			dt := tt.codec.DataType()
			if dt.Encoding != tt.encoding || dt.TypeName != "pose" {
				t.Errorf("unexpected data type %v", dt)
			}
		})
	}
}

func TestCBORDeterministic(t *testing.T) {
	c := CBOR[map[string]int]()
	v := map[string]int{"b": 2, "a": 1, "c": 3}
	first, err := c.Encode(v)
	if err != nil {
		t.Fatal(err)
	}
	for range 10 {
		again, _ := c.Encode(v)
		if !bytes.Equal(first, again) {
			t.Fatal("expected deterministic encoding")
		}
	}
}

func TestJSONEncodeError(t *testing.T) {
	c := JSON[map[string]any]()
	_, err := c.Encode(map[string]any{"ch": make(chan int)})
	var ee *EncodingError
	if !errors.As(err, &ee) || !errors.Is(err, ErrEncoding) {
		t.Fatalf("expected EncodingError, got %v", err)
	}
}

func TestProtobuf(t *testing.T) {
	c := Protobuf[*structpb.Struct]()

	want, err := structpb.NewStruct(map[string]any{
		"name": "sensor",
		"nested": map[string]any{
			"rate": 10.0,
			"list": []any{"a", true, 3.0},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := roundTrip(t, c, want)
	if !proto.Equal(got, want) {
		t.Errorf("round trip = %v, want %v", got, want)
	}

	empty := roundTrip(t, c, &structpb.Struct{})
	if len(empty.GetFields()) != 0 {
		t.Errorf("expected empty struct, got %v", empty)
	}

	data, _ := c.Encode(want)
	if _, err := c.Decode(data[:len(data)-1]); !errors.Is(err, ErrDecoding) {
		t.Errorf("Decode truncated: expected ErrDecoding, got %v", err)
	}

	dt := c.DataType()
	if dt.Encoding != "proto" || dt.TypeName != "google.protobuf.Struct" {
		t.Errorf("unexpected data type %v", dt)
	}
	if len(dt.Descriptor) == 0 {
		t.Error("expected FileDescriptorSet descriptor")
	}
}

func TestCloudEvent(t *testing.T) {
	c := CloudEvent()

	e := event.New()
	e.SetID("evt-1")
	e.SetSource("/sensors/front")
	e.SetType("sensor.reading")
	if err := e.SetData(event.ApplicationJSON, map[string]any{"value": 1.5}); err != nil {
		t.Fatal(err)
	}

	got := roundTrip(t, c, e)
	if got.ID() != "evt-1" || got.Source() != "/sensors/front" || got.Type() != "sensor.reading" {
		t.Errorf("unexpected context attributes: %v", got)
	}
	if !bytes.Equal(got.Data(), e.Data()) {
		t.Errorf("data = %s, want %s", got.Data(), e.Data())
	}

	if _, err := c.Encode(event.New()); !errors.Is(err, ErrEncoding) {
		t.Errorf("Encode invalid event: expected ErrEncoding, got %v", err)
	}
	if _, err := c.Decode([]byte(`{"specversion":"1.0"}`)); !errors.Is(err, ErrDecoding) {
		t.Errorf("Decode incomplete event: expected ErrDecoding, got %v", err)
	}
}

const poseSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"frame": { "type": "string", "minLength": 1 },
		"count": { "type": "integer", "minimum": 0 }
	},
	"required": ["frame", "count"]
}`

func TestValidatedJSON(t *testing.T) {
	c := MustValidatedJSON[pose](poseSchema)

	want := samplePose()
	if got := roundTrip(t, c, want); !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}

	if _, err := c.Encode(pose{}); !errors.Is(err, ErrEncoding) {
		t.Errorf("Encode empty frame: expected ErrEncoding, got %v", err)
	}
	if _, err := c.Decode([]byte(`{"frame":"a"}`)); !errors.Is(err, ErrDecoding) {
		t.Errorf("Decode missing count: expected ErrDecoding, got %v", err)
	}
	if !strings.Contains(string(c.Schema()), `"required"`) {
		t.Error("expected schema to be exposed")
	}

	if _, err := ValidatedJSON[pose](`{"type": 12}`); err == nil {
		t.Error("expected error for invalid schema")
	}
}

func TestShortTypeName(t *testing.T) {
	if got := ShortTypeName[pose](); got != "pose" {
		t.Errorf("ShortTypeName[pose] = %q", got)
	}
	if got := ShortTypeName[*structpb.Struct](); got != "Struct" {
		t.Errorf("ShortTypeName[*Struct] = %q", got)
	}
	if got := ShortTypeName[[]byte](); got != "[]uint8" {
		t.Errorf("ShortTypeName[[]byte] = %q", got)
	}
}
