package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// JSONSerializer is the default Serializer. Values are encoded as JSON, which
// keeps the payload debuggable and needs no schema beyond the Go types in the
// shared interface definition.
type JSONSerializer struct{}

func (s *JSONSerializer) Serialize(t reflect.Type, buf []byte, offset int, v any) ([]byte, int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return buf, 0, fmt.Errorf("codec: serialize %s: %w", typeName(t), err)
	}
	buf = grow(buf, offset, len(data))
	copy(buf[offset:], data)
	return buf, len(data), nil
}

func (s *JSONSerializer) Deserialize(t reflect.Type, buf []byte, offset, length int) (any, error) {
	if t == nil {
		return nil, fmt.Errorf("codec: deserialize without a target type")
	}
	if offset < 0 || length < 0 || offset+length > len(buf) {
		return nil, fmt.Errorf("codec: payload range [%d:%d] outside buffer of %d bytes", offset, offset+length, len(buf))
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(buf[offset:offset+length], ptr.Interface()); err != nil {
		return nil, fmt.Errorf("codec: deserialize %s: %w", typeName(t), err)
	}
	return ptr.Elem().Interface(), nil
}

func (s *JSONSerializer) SerializeError(buf []byte, offset int, callErr error) ([]byte, int, error) {
	re := &RemoteError{Message: callErr.Error()}
	if cast, ok := callErr.(*RemoteError); ok {
		// Already a remote error (e.g. being relayed) — keep its kind and
		// don't re-wrap the message.
		re = cast
	} else {
		re.Kind = fmt.Sprintf("%T", callErr)
	}
	return s.Serialize(remoteErrorType, buf, offset, re)
}

// DeserializeError reconstructs an error from an Exception payload written by
// SerializeError.
func (s *JSONSerializer) DeserializeError(buf []byte, offset, length int) (error, error) {
	v, err := s.Deserialize(remoteErrorType, buf, offset, length)
	if err != nil {
		return nil, err
	}
	re := v.(RemoteError)
	return &re, nil
}

// grow returns buf if the payload fits, otherwise a larger buffer with the
// prefix buf[:offset] copied over. The replacement is a plain allocation —
// it is never pool-owned, which is exactly what the ownership hand-off in the
// executer relies on.
func grow(buf []byte, offset, need int) []byte {
	if offset+need <= len(buf) {
		return buf
	}
	size := len(buf) * 2
	if size < offset+need {
		size = offset + need
	}
	bigger := make([]byte, size)
	copy(bigger, buf[:offset])
	return bigger
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
