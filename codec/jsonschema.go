package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fxsml/gocal/topic"
)

// ValidatedJSONCodec is a JSON codec that validates every payload against a
// JSON Schema. The schema is carried as the topic descriptor.
//
// Validation runs before decoding, so missing required fields are caught
// before encoding/json fills them with zero values.
type ValidatedJSONCodec[T any] struct {
	dt     topic.DataTypeInfo
	schema *jschema.Schema
}

// ValidatedJSON compiles schemaJSON and returns a codec for T.
func ValidatedJSON[T any](schemaJSON string) (*ValidatedJSONCodec[T], error) {
	t := reflect.TypeFor[T]()
	uri := fmt.Sprintf("urn:gocal:schema:%s/%s", t.PkgPath(), ShortTypeName[T]())

	doc, err := jschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("codec: parsing schema for %s: %w", t, err)
	}
	c := jschema.NewCompiler()
	if err := c.AddResource(uri, doc); err != nil {
		return nil, fmt.Errorf("codec: adding schema resource for %s: %w", t, err)
	}
	compiled, err := c.Compile(uri)
	if err != nil {
		return nil, fmt.Errorf("codec: compiling schema for %s: %w", t, err)
	}
	return &ValidatedJSONCodec[T]{
		dt: topic.DataTypeInfo{
			Encoding:   "json",
			TypeName:   ShortTypeName[T](),
			Descriptor: []byte(schemaJSON),
		},
		schema: compiled,
	}, nil
}

// MustValidatedJSON is like ValidatedJSON but panics on error.
func MustValidatedJSON[T any](schemaJSON string) *ValidatedJSONCodec[T] {
	c, err := ValidatedJSON[T](schemaJSON)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *ValidatedJSONCodec[T]) Encode(v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, encodeErr(c.dt, err)
	}
	if err := c.validate(data); err != nil {
		return nil, encodeErr(c.dt, err)
	}
	return data, nil
}

func (c *ValidatedJSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := c.validate(data); err != nil {
		return v, decodeErr(c.dt, data, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, decodeErr(c.dt, data, err)
	}
	return v, nil
}

func (c *ValidatedJSONCodec[T]) DataType() topic.DataTypeInfo {
	return c.dt
}

// Schema returns the raw schema document.
func (c *ValidatedJSONCodec[T]) Schema() json.RawMessage {
	return json.RawMessage(c.dt.Descriptor)
}

func (c *ValidatedJSONCodec[T]) validate(data []byte) error {
	inst, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return c.schema.Validate(inst)
}
