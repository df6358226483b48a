package station

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// ErrDecode is wrapped by every error returned from Decode and DecodeTransformed.
var ErrDecode = errors.New("malformed record")

// Decode parses a raw stations-topic value. Every field is required, JSON
// types must match exactly and unknown fields are ignored. The key is not
// used.
func Decode(_ []byte, value []byte) (Record, error) {
	var r Record
	if err := decodeStrict(value, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

// DecodeTransformed parses a value written to the outbound or changelog topic.
func DecodeTransformed(value []byte) (Transformed, error) {
	var t Transformed
	if err := decodeStrict(value, &t); err != nil {
		return Transformed{}, err
	}
	switch t.Line {
	case LineRed, LineGreen, LineBlue, LineUnknown:
	default:
		return Transformed{}, fmt.Errorf("%w: unknown line %q", ErrDecode, t.Line)
	}
	return t, nil
}

// Encode serializes a projection for the outbound and changelog topics.
func Encode(t Transformed) ([]byte, error) {
	return json.Marshal(t)
}

func decodeStrict(value []byte, out any) error {
	if len(value) == 0 {
		return fmt.Errorf("%w: empty value", ErrDecode)
	}

	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: null value", ErrDecode)
	}
	// mapstructure treats a null as set, so required fields are checked here.
	for _, name := range fieldNames(out) {
		if v, ok := raw[name]; ok && v == nil {
			return fmt.Errorf("%w: field %q is null", ErrDecode, name)
		}
	}

	md, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: jsonNumberHook,
		ErrorUnset: true,
		// Field names are case sensitive, as in the connector's schema.
		MatchName: func(mapKey, fieldName string) bool { return mapKey == fieldName },
		Result:    out,
	})
	if err != nil {
		return err
	}
	if err := md.Decode(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

func fieldNames(out any) []string {
	t := reflect.TypeOf(out).Elem()
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if tag := t.Field(i).Tag.Get("mapstructure"); tag != "" {
			names = append(names, tag)
		}
	}
	return names
}

// jsonNumberHook converts json.Number into the integer the target field
// expects, rejecting fractional values.
func jsonNumberHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	n, ok := data.(json.Number)
	if !ok {
		return data, nil
	}
	if to.Kind() != reflect.Int {
		return nil, fmt.Errorf("unexpected number %s for %s field", n, to.Kind())
	}
	i, err := n.Int64()
	if err != nil {
		return nil, fmt.Errorf("expected integer, got %s", n)
	}
	return int(i), nil
}
