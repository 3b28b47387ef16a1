package queue

import (
	"errors"
	"io"
	"testing"
)

func TestTransportErrorUnwraps(t *testing.T) {
	var err error = &TransportError{Op: "poll", Topic: "t", Err: io.EOF}
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected errors.Is to see cause")
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "poll" {
		t.Fatalf("errors.As failed")
	}
	if got := err.Error(); got != "queue poll t: EOF" {
		t.Fatalf("message %q", got)
	}
}

func TestAckTypeString(t *testing.T) {
	if Accept.String() != "accept" || Release.String() != "release" || AckType(7).String() != "ack(7)" {
		t.Fatalf("ack strings")
	}
}
