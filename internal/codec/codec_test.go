package codec

import (
	"errors"
	"testing"
)

const pointSchema = `{
  "type": "object",
  "required": ["x", "label"],
  "properties": {
    "x": {"type": "integer", "minimum": 0},
    "label": {"type": "string", "minLength": 1}
  }
}`

type point struct {
	X     int    `json:"x"`
	Label string `json:"label"`
}

func TestDecodeValid(t *testing.T) {
	s := MustCompile("point", []byte(pointSchema))
	p, err := Decode[point](s, []byte(`{"x": 3, "label": "a"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.X != 3 || p.Label != "a" {
		t.Fatalf("got %+v", p)
	}
}

func TestDecodeFailures(t *testing.T) {
	s := MustCompile("point", []byte(pointSchema))
	tests := []struct {
		name string
		in   string
	}{
		{"malformed", `{"x":`},
		{"missing field", `{"x": 1}`},
		{"wrong type", `{"x": "one", "label": "a"}`},
		{"negative", `{"x": -1, "label": "a"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode[point](s, []byte(tt.in))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("want DecodeError, got %v", err)
			}
			if de.Type != "point" {
				t.Fatalf("type %q", de.Type)
			}
		})
	}
}

func TestDecodeWithoutSchema(t *testing.T) {
	if _, err := Decode[point](nil, []byte(`[]`)); !IsDecodeError(err) {
		t.Fatalf("want DecodeError, got %v", err)
	}
}

func TestCompileRejectsBadSchema(t *testing.T) {
	if _, err := Compile("bad", []byte(`{"type": 5}`)); err == nil {
		t.Fatalf("expected compile error")
	}
}
