package config

import (
	"cmp"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

var durationType = reflect.TypeFor[time.Duration]()

// Loader overlays environment variables on configuration structs.
//
// Variable names follow the pattern {Prefix}_{SECTION}_{FIELD}. Named nested
// structs add their field name as a segment, embedded structs are flattened.
// Field names are converted from CamelCase to UPPER_SNAKE_CASE unless an
// `env` struct tag names the segment:
//
//	BufferCount        → GOCAL_SHM_BUFFER_COUNT
//	AcknowledgeTimeout → GOCAL_SHM_ACKNOWLEDGE_TIMEOUT
//	P2P `env:"P2P"`    → GOCAL_P2P_LISTEN_ADDRS
//
// Supported field types: string, bool, int*, uint*, float*, time.Duration
// and []string (comma separated). Other fields are skipped.
type Loader struct {
	// Prefix for variable names.
	// Default: "GOCAL".
	Prefix string

	// lookup overrides os.LookupEnv.
	lookup func(string) (string, bool)
}

// root is the key prefix of section: GOCAL_SHM for "shm", GOCAL for "".
func (l Loader) root(section string) string {
	root := cmp.Or(l.Prefix, "GOCAL")
	if s := normalizeSection(section); s != "" {
		root += "_" + s
	}
	return root
}

// Load populates the struct pointed to by dst from environment variables.
// An empty section reads {Prefix}_{FIELD} directly.
//
// Only fields with a set variable are modified, so Load overlays the
// environment on top of defaults and file values.
func (l Loader) Load(section string, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: dst must be a non-nil pointer to a struct, got %T", dst)
	}
	lookup := l.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return walk(l.root(section), v.Elem(), func(key string, fv reflect.Value) error {
		raw, ok := lookup(key)
		if !ok {
			return nil
		}
		parsed, err := parse(fv.Type(), raw)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", key, raw, err)
		}
		fv.Set(parsed)
		return nil
	})
}

// Keys returns the variable names Load checks for dst, which may be a
// struct or a pointer to one.
func (l Loader) Keys(section string, dst any) []string {
	t := reflect.TypeOf(dst)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	var keys []string
	_ = walk(l.root(section), reflect.New(t).Elem(), func(key string, _ reflect.Value) error {
		keys = append(keys, key)
		return nil
	})
	return keys
}

// walk calls visit for every supported field below v in declaration
// order. Embedded structs share the prefix of their parent; named structs
// extend it by their own segment.
func walk(prefix string, v reflect.Value, visit func(key string, fv reflect.Value) error) error {
	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		tag := field.Tag.Get("env")
		if tag == "-" || (!field.IsExported() && !field.Anonymous) {
			continue
		}

		key := prefix
		if !field.Anonymous {
			key += "_" + cmp.Or(tag, toUpperSnake(field.Name))
		}
		var err error
		switch {
		case field.Type.Kind() == reflect.Struct:
			err = walk(key, v.Field(i), visit)
		case field.IsExported() && supported(field.Type):
			err = visit(key, v.Field(i))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func supported(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Slice:
		return t.Elem().Kind() == reflect.String
	case reflect.Func, reflect.Chan, reflect.Interface, reflect.Map, reflect.Pointer,
		reflect.Array, reflect.Struct, reflect.Complex64, reflect.Complex128,
		reflect.UnsafePointer, reflect.Uintptr, reflect.Invalid:
		return false
	}
	return true
}

// parse converts raw to a value of type t. time.Duration takes
// time.ParseDuration syntax, string slices are comma separated.
func parse(t reflect.Type, raw string) (reflect.Value, error) {
	var (
		v   any
		err error
	)
	switch kind := t.Kind(); {
	case t == durationType:
		v, err = time.ParseDuration(raw)
	case kind == reflect.String:
		v = raw
	case kind == reflect.Bool:
		v, err = strconv.ParseBool(raw)
	case kind >= reflect.Int && kind <= reflect.Int64:
		v, err = strconv.ParseInt(raw, 10, t.Bits())
	case kind >= reflect.Uint && kind <= reflect.Uint64:
		v, err = strconv.ParseUint(raw, 10, t.Bits())
	case kind == reflect.Float32 || kind == reflect.Float64:
		v, err = strconv.ParseFloat(raw, t.Bits())
	case kind == reflect.Slice:
		v = splitList(raw)
	default:
		return reflect.Value{}, fmt.Errorf("unsupported type %s", t)
	}
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(v).Convert(t), nil
}

func splitList(raw string) []string {
	var items []string
	for item := range strings.SplitSeq(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// normalizeSection upper-cases a section name; hyphens and spaces become
// underscores and other punctuation is dropped.
func normalizeSection(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == ' ' || r == '_':
			return '_'
		case r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return unicode.ToUpper(r)
		}
		return -1
	}, s)
}

// toUpperSnake converts a CamelCase field name to UPPER_SNAKE_CASE. A word
// starts at an upper case letter following a lower case letter or digit,
// and at the last letter of an acronym followed by lower case.
//
//	BufferCount → BUFFER_COUNT
//	URLPath     → URL_PATH
//	EnableMDNS  → ENABLE_MDNS
func toUpperSnake(s string) string {
	rs := []rune(s)
	out := make([]rune, 0, len(rs)+4)
	for i, r := range rs {
		if i > 0 && unicode.IsUpper(r) {
			prev := rs[i-1]
			acronymEnd := unicode.IsUpper(prev) && i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if !unicode.IsUpper(prev) || acronymEnd {
				out = append(out, '_')
			}
		}
		out = append(out, unicode.ToUpper(r))
	}
	return string(out)
}
