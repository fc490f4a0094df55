package session

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrUnknownCodec is returned by LookupCodec for unregistered names.
	ErrUnknownCodec = errors.New("unknown attribute codec")
	// ErrUnsupportedValue is returned when a codec cannot hand a value back with
	// the same type and contents it was given.
	ErrUnsupportedValue = errors.New("attribute value not supported by codec")
)

// Codec serializes opaque attribute values. Store bindings choose the codec; the
// engine never looks inside the bytes.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
	// Check returns ErrUnsupportedValue when Unmarshal(Marshal(v)) would not
	// yield a value of the same type and contents as v.
	Check(v any) error
}

// IsNull reports whether v is nil or a nil pointer, map, slice, interface,
// func or chan. Setting a null value removes the attribute.
func IsNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// RegisterType makes values of v's concrete type storable by GobCodec. Call it
// during initialization for every struct type kept in sessions.
func RegisterType(v any) { gob.Register(v) }

// GobCodec keeps Go types intact: an int comes back an int and a registered
// struct comes back as that struct. Builtin scalars, []any, map[string]any and
// time.Time need no registration.
type GobCodec struct{}

func (GobCodec) Name() string { return "gob" }

func (GobCodec) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("gob codec: %w: nil", ErrUnsupportedValue)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("gob codec: %w: %v", ErrUnsupportedValue, err)
	}
	return buf.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte) (any, error) {
	var v any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, fmt.Errorf("gob codec: %w", err)
	}
	return v, nil
}

// Check trial-encodes v; unregistered types and types without exported fields
// fail here instead of at flush.
func (c GobCodec) Check(v any) error {
	_, err := c.Marshal(v)
	return err
}

// JSONCodec encodes attribute values as JSON. Only the shapes JSON decodes to
// are accepted: bool, float64, string, []any and map[string]any.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec: %w", err)
	}
	return data, nil
}

func (JSONCodec) Unmarshal(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("json codec: %w", err)
	}
	return v, nil
}

func (JSONCodec) Check(v any) error { return checkPlain("json", v, true) }

// ProtoCodec encodes attribute values as a protobuf google.protobuf.Value. It
// accepts the same shapes as JSONCodec.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Marshal(v any) ([]byte, error) {
	pv, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("proto codec: %w", err)
	}
	data, err := proto.Marshal(pv)
	if err != nil {
		return nil, fmt.Errorf("proto codec: %w", err)
	}
	return data, nil
}

func (ProtoCodec) Unmarshal(data []byte) (any, error) {
	var pv structpb.Value
	if err := proto.Unmarshal(data, &pv); err != nil {
		return nil, fmt.Errorf("proto codec: %w", err)
	}
	return pv.AsInterface(), nil
}

func (ProtoCodec) Check(v any) error { return checkPlain("proto", v, false) }

// checkPlain accepts the dynamic shapes both JSON and google.protobuf.Value
// decode into. Nested nils are allowed; they come back as nil.
func checkPlain(codec string, v any, finiteOnly bool) error {
	switch x := v.(type) {
	case nil, bool, string:
		return nil
	case float64:
		if finiteOnly && (math.IsNaN(x) || math.IsInf(x, 0)) {
			return fmt.Errorf("%s codec: %w: non-finite number", codec, ErrUnsupportedValue)
		}
		return nil
	case []any:
		for _, e := range x {
			if err := checkPlain(codec, e, finiteOnly); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for _, e := range x {
			if err := checkPlain(codec, e, finiteOnly); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%s codec: %w: %T", codec, ErrUnsupportedValue, v)
	}
}

// DefaultCodec is used when no codec is named.
func DefaultCodec() Codec { return GobCodec{} }

// LookupCodec returns the built-in codec registered under name. The empty name
// selects DefaultCodec.
func LookupCodec(name string) (Codec, error) {
	switch name {
	case "gob", "":
		return GobCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	case "proto":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
