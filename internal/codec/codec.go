// Package codec decodes JSON payloads into typed values, optionally
// validating them against a JSON Schema first. Every decode failure is a
// *DecodeError so callers can tell malformed input from transport faults.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DecodeError reports a payload that could not be turned into Type.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s: %v", e.Type, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// NewDecodeError wraps err as a DecodeError for typ.
func NewDecodeError(typ string, err error) error { return &DecodeError{Type: typ, Err: err} }

// IsDecodeError reports whether err is or wraps a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Schema is a compiled JSON Schema bound to a type name used in errors.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// Name returns the type name the schema validates.
func (s *Schema) Name() string { return s.name }

// Compile compiles src under name.
func Compile(name string, src []byte) (*Schema, error) {
	ref := "mem://sharepipe/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(ref, bytes.NewReader(src)); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	compiled, err := c.Compile(ref)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// MustCompile is Compile for package-level schemas; it panics on error.
func MustCompile(name string, src []byte) *Schema {
	s, err := Compile(name, src)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks data against the schema.
func (s *Schema) Validate(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return &DecodeError{Type: s.name, Err: err}
	}
	if err := s.compiled.Validate(doc); err != nil {
		return &DecodeError{Type: s.name, Err: err}
	}
	return nil
}

// Decode validates data against s, when s is non-nil, and unmarshals it.
func Decode[T any](s *Schema, data []byte) (T, error) {
	var v T
	typ := fmt.Sprintf("%T", v)
	if s != nil {
		typ = s.name
		if err := s.Validate(data); err != nil {
			return v, err
		}
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, &DecodeError{Type: typ, Err: err}
	}
	return v, nil
}

// Encode marshals v to JSON.
func Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}
