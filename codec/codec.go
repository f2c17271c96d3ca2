// Package codec defines the pluggable serializer capability used to encode
// parameters, results, and errors into frame buffers.
//
// A serializer writes into the buffer it is given, at the offset it is given.
// If the buffer is too small it may allocate a larger one, copy the already
// written prefix, and return the replacement — the caller is responsible for
// reconciling buffer ownership when the backing array changes (return the
// original to its pool, treat the replacement as caller-owned).
package codec

import "reflect"

// Serializer is the typed encode/decode contract for user values.
// Implementations must be safe for concurrent use.
type Serializer interface {
	// Serialize encodes v (of static type t) into buf starting at offset.
	// Returns the buffer actually written to — possibly a grown replacement
	// of buf — and the number of payload bytes written.
	Serialize(t reflect.Type, buf []byte, offset int, v any) ([]byte, int, error)

	// Deserialize decodes a value of type t from buf[offset : offset+length].
	Deserialize(t reflect.Type, buf []byte, offset, length int) (any, error)

	// SerializeError encodes an invocation error so the remote invoker can
	// reconstruct it. Buffer growth semantics match Serialize.
	SerializeError(buf []byte, offset int, callErr error) ([]byte, int, error)

	// DeserializeError reconstructs the error from an Exception payload
	// written by SerializeError on the peer. The first return value is the
	// reconstructed error, the second a decoding failure.
	DeserializeError(buf []byte, offset, length int) (error, error)
}

// RemoteError is the reconstructed form of an error raised by the remote
// implementation. Kind carries the original error's type name so callers can
// still distinguish failure classes after the type itself is gone.
type RemoteError struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return e.Kind + ": " + e.Message
	}
	return e.Message
}

// remoteErrorType is what serializers use to round-trip exception payloads.
var remoteErrorType = reflect.TypeOf(RemoteError{})
