package storage

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

const (
	classKey   = "__class__"
	valueKey   = "__value__"
	bytesClass = "bytes"

	// formatKey marks the session file layout. Files written before the key
	// existed are treated as FormatVersion.
	formatKey     = "__format__"
	FormatVersion = 1
)

var (
	bytesType  = reflect.TypeOf([]byte(nil))
	numberType = reflect.TypeOf(json.Number(""))
)

// Encode walks v and replaces every byte slice with a tagged bytes object.
// Values that cannot hold a byte slice are returned unchanged.
func Encode(v any) (any, error) {
	return encodeValue(reflect.ValueOf(v))
}

func encodeValue(rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}

	if rv.Type() == bytesType {
		return map[string]any{
			classKey: bytesClass,
			valueKey: base64.StdEncoding.EncodeToString(rv.Bytes()),
		}, nil
	}
	if rv.Type() == numberType {
		return rv.Interface(), nil
	}

	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Interface(), nil

	case reflect.Float32, reflect.Float64:
		if f := rv.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &UnsupportedTypeError{Type: rv.Type(), Reason: "non-finite float"}
		}
		return rv.Interface(), nil

	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return encodeValue(rv.Elem())

	case reflect.Slice, reflect.Array:
		if !mayHoldBytes(rv.Type().Elem()) {
			if err := checkSupported(rv.Type().Elem()); err != nil {
				return nil, err
			}
			return rv.Interface(), nil
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			elem, err := encodeValue(rv.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &UnsupportedTypeError{Type: rv.Type(), Reason: "map key is not a string"}
		}
		if !mayHoldBytes(rv.Type().Elem()) {
			if err := checkSupported(rv.Type().Elem()); err != nil {
				return nil, err
			}
			return rv.Interface(), nil
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			elem, err := encodeValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = elem
		}
		return out, nil
	}

	return nil, &UnsupportedTypeError{Type: rv.Type()}
}

// mayHoldBytes reports whether a value of type t could contain a byte slice
// somewhere below it.
func mayHoldBytes(t reflect.Type) bool {
	if t == bytesType {
		return true
	}
	switch t.Kind() {
	case reflect.Interface:
		return true
	case reflect.Pointer, reflect.Slice, reflect.Array, reflect.Map:
		return mayHoldBytes(t.Elem())
	}
	return false
}

// checkSupported validates element types of containers returned unchanged.
func checkSupported(t reflect.Type) error {
	if t == numberType {
		return nil
	}
	switch t.Kind() {
	case reflect.Bool, reflect.String, reflect.Float32, reflect.Float64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return nil
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return checkSupported(t.Elem())
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return &UnsupportedTypeError{Type: t, Reason: "map key is not a string"}
		}
		return checkSupported(t.Elem())
	}
	return &UnsupportedTypeError{Type: t}
}

// Decode reverses Encode on a generic JSON document, at any depth. Maps
// tagged with another __class__ are ordinary data.
func Decode(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if val[classKey] == bytesClass {
			return decodeTagged(val)
		}
		out := make(map[string]any, len(val))
		for k, elem := range val {
			decoded, err := Decode(elem)
			if err != nil {
				return nil, err
			}
			out[k] = decoded
		}
		return out, nil

	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			decoded, err := Decode(elem)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	}
	return v, nil
}

func decodeTagged(tagged map[string]any) (any, error) {
	encoded, ok := tagged[valueKey].(string)
	if !ok {
		return nil, fmt.Errorf("%w: bytes value is not a string", ErrCorruptSession)
	}
	// Older producers wrapped base64 output at 76 columns.
	encoded = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, encoded)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 bytes value: %v", ErrCorruptSession, err)
	}
	if len(data) == 0 {
		return []byte(nil), nil
	}
	return data, nil
}

// Marshal encodes a record as an indented JSON document stamped with the
// current format version.
func Marshal(record Record) ([]byte, error) {
	encoded, err := Encode(map[string]any(record))
	if err != nil {
		return nil, err
	}
	doc, _ := encoded.(map[string]any)
	if doc == nil {
		doc = make(map[string]any, 1)
	}
	doc[formatKey] = FormatVersion

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return append(data, '\n'), nil
}

// Unmarshal parses a session document written by Marshal, or by the older
// unversioned layout.
func Unmarshal(data []byte) (Record, error) {
	var doc any
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("%w: trailing data after session document", ErrCorruptSession)
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: session document is not an object", ErrCorruptSession)
	}

	if version, ok := obj[formatKey]; ok {
		if n, isNumber := version.(json.Number); !isNumber || n.String() != fmt.Sprint(FormatVersion) {
			return nil, fmt.Errorf("%w: format version %v, want %d", ErrIncompatibleSession, version, FormatVersion)
		}
		delete(obj, formatKey)
	}

	decoded, err := Decode(obj)
	if err != nil {
		return nil, err
	}
	record, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: session document is a tagged value", ErrCorruptSession)
	}
	return Record(record), nil
}
