package codec

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

type point struct {
	X int    `json:"x"`
	Y int    `json:"y"`
	L string `json:"label"`
}

func TestSerializeDeserializeValue(t *testing.T) {
	s := &JSONSerializer{}
	buf := make([]byte, 256)

	// Representative types: primitive, string, nested struct
	cases := []struct {
		value any
		typ   reflect.Type
	}{
		{42, reflect.TypeOf(0)},
		{"hello wire", reflect.TypeOf("")},
		{point{X: 3, Y: -7, L: "corner"}, reflect.TypeOf(point{})},
	}

	for _, tc := range cases {
		written, n, err := s.Serialize(tc.typ, buf, 10, tc.value)
		if err != nil {
			t.Fatalf("Serialize %v failed: %v", tc.value, err)
		}
		if &written[0] != &buf[0] {
			t.Fatalf("no growth expected for small payload")
		}

		got, err := s.Deserialize(tc.typ, written, 10, n)
		if err != nil {
			t.Fatalf("Deserialize %v failed: %v", tc.value, err)
		}
		if !reflect.DeepEqual(got, tc.value) {
			t.Errorf("round trip mismatch: got %v, want %v", got, tc.value)
		}
	}
}

func TestSerializeGrowsBufferPreservingPrefix(t *testing.T) {
	s := &JSONSerializer{}

	// A buffer too small for the payload, with a prefix the caller already
	// wrote (a frame header in real use)
	buf := make([]byte, 16)
	copy(buf, "HEADERxx")

	big := make([]byte, 500)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	written, n, err := s.Serialize(reflect.TypeOf(""), buf, 8, string(big))
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if &written[0] == &buf[0] {
		t.Fatal("expected a grown replacement buffer")
	}
	if string(written[:6]) != "HEADER" {
		t.Errorf("prefix not preserved across growth: %q", written[:8])
	}

	got, err := s.Deserialize(reflect.TypeOf(""), written, 8, n)
	if err != nil {
		t.Fatalf("Deserialize after growth failed: %v", err)
	}
	if got.(string) != string(big) {
		t.Error("payload corrupted by growth")
	}
}

func TestErrorRoundTrip(t *testing.T) {
	s := &JSONSerializer{}
	buf := make([]byte, 256)

	orig := fmt.Errorf("division by zero")
	written, n, err := s.SerializeError(buf, 0, orig)
	if err != nil {
		t.Fatalf("SerializeError failed: %v", err)
	}

	got, err := s.DeserializeError(written, 0, n)
	if err != nil {
		t.Fatalf("DeserializeError failed: %v", err)
	}
	var re *RemoteError
	if !errors.As(got, &re) {
		t.Fatalf("expected *RemoteError, got %T", got)
	}
	if re.Message != "division by zero" {
		t.Errorf("message mismatch: got %q", re.Message)
	}
	if re.Kind == "" {
		t.Error("expected the original error type recorded in Kind")
	}
}

func TestRemoteErrorRelayedVerbatim(t *testing.T) {
	s := &JSONSerializer{}
	buf := make([]byte, 256)

	// A RemoteError being forwarded again must not be re-wrapped
	orig := &RemoteError{Kind: "*errors.errorString", Message: "boom"}
	written, n, err := s.SerializeError(buf, 0, orig)
	if err != nil {
		t.Fatalf("SerializeError failed: %v", err)
	}
	got, err := s.DeserializeError(written, 0, n)
	if err != nil {
		t.Fatalf("DeserializeError failed: %v", err)
	}
	var re *RemoteError
	if !errors.As(got, &re) {
		t.Fatalf("expected *RemoteError, got %T", got)
	}
	if re.Kind != orig.Kind || re.Message != orig.Message {
		t.Errorf("relay mangled the error: %+v", re)
	}
}

func TestDeserializeRejectsBadRange(t *testing.T) {
	s := &JSONSerializer{}
	if _, err := s.Deserialize(reflect.TypeOf(0), make([]byte, 4), 2, 10); err == nil {
		t.Fatal("expected range error")
	}
}

func TestDeserializeRejectsNilType(t *testing.T) {
	s := &JSONSerializer{}
	if _, err := s.Deserialize(nil, []byte("5"), 0, 1); err == nil {
		t.Fatal("expected error for nil target type")
	}
}
