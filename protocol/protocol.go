// Package protocol implements the nettalk binary frame codec.
//
// Three frame kinds travel between peers, each self-describing via a 3-byte
// tag plus a version byte. All integers are little-endian. Every frame is
// preceded by a reserved prefix of CustomOffset bytes that the codec never
// reads or writes — it belongs to the transport layer for its own framing
// (a TCP transport typically puts its length prefix there).
//
// Frame layouts, after the reserved prefix:
//
//	Call:   "NTC" ver │ callbackId u32 │ methodId u32 │ paramLen[i] u32 ... │ param bytes ...
//	Return: "NTR" ver │ callbackId u32 │ responseType u8 │ payload ...
//	Event:  "NTE" ver │ eventId u32 │ payload ...
//
// The number of paramLen entries in a Call frame equals the method's declared
// parameter count and is not transmitted — both peers derive it from the
// shared descriptor table.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame tags. Three ASCII bytes identify the frame kind; the fourth byte is
// the protocol version.
const (
	tagCall0, tagCall1, tagCall2    byte = 'N', 'T', 'C'
	tagRet0, tagRet1, tagRet2       byte = 'N', 'T', 'R'
	tagEvent0, tagEvent1, tagEvent2 byte = 'N', 'T', 'E'

	Version byte = 0x01

	tagSize = 4 // 3 tag bytes + version
)

// ResponseType tells the invoker how to resolve a pending call.
type ResponseType byte

const (
	ResponseExecuted             ResponseType = 0 // completed, no declared result
	ResponseResultReturned       ResponseType = 1 // payload carries the serialized result
	ResponseException            ResponseType = 2 // payload carries the serialized error
	ResponseMethodNotImplemented ResponseType = 3 // peer does not know the method id
)

// Kind identifies a decoded frame's variety, used by transports to route
// inbound frames without decoding the full header.
type Kind byte

const (
	KindCall Kind = iota
	KindReturn
	KindEvent
)

// Protocol errors are fatal for the frame that produced them. Whether they
// are fatal for the connection is the transport's decision.
var (
	ErrInvalidHeader      = fmt.Errorf("protocol: invalid frame header")
	ErrUnsupportedVersion = fmt.Errorf("protocol: unsupported protocol version")
	ErrShortFrame         = fmt.Errorf("protocol: frame shorter than its header")
)

// Codec encodes and decodes frames at a fixed reserved-prefix offset.
// A Codec is stateless and safe for concurrent use.
type Codec struct {
	// CustomOffset is the length of the reserved prefix preceding every
	// frame. The codec skips it on both encode and decode.
	CustomOffset int
}

// CallHeaderSize is the byte count from the start of the buffer (including
// the reserved prefix) up to the parameter length table.
func (c *Codec) CallHeaderSize() int { return c.CustomOffset + tagSize + 4 + 4 }

// ParamsOffset is where the concatenated parameter bytes begin for a call
// with paramCount declared parameters.
func (c *Codec) ParamsOffset(paramCount int) int {
	return c.CallHeaderSize() + 4*paramCount
}

// ReturnHeaderSize is the full size of a payload-less Return frame — also the
// fixed minimal size of Executed and MethodNotImplemented frames.
func (c *Codec) ReturnHeaderSize() int { return c.CustomOffset + tagSize + 4 + 1 }

// EventHeaderSize is the byte count up to an EventTrigger frame's payload.
func (c *Codec) EventHeaderSize() int { return c.CustomOffset + tagSize + 4 }

// EncodeCallHeader writes the call tag, version, callback id, and method id.
// The caller fills the parameter length table and payload afterwards.
func (c *Codec) EncodeCallHeader(buf []byte, callbackID, methodID uint32) {
	o := c.CustomOffset
	buf[o], buf[o+1], buf[o+2], buf[o+3] = tagCall0, tagCall1, tagCall2, Version
	binary.LittleEndian.PutUint32(buf[o+4:o+8], callbackID)
	binary.LittleEndian.PutUint32(buf[o+8:o+12], methodID)
}

// PutParamLength writes the i-th entry of the parameter length table.
func (c *Codec) PutParamLength(buf []byte, i int, length uint32) {
	o := c.CallHeaderSize() + 4*i
	binary.LittleEndian.PutUint32(buf[o:o+4], length)
}

// ParamLength reads the i-th entry of the parameter length table.
func (c *Codec) ParamLength(data []byte, i int) uint32 {
	o := c.CallHeaderSize() + 4*i
	return binary.LittleEndian.Uint32(data[o : o+4])
}

// DecodeCallHeader validates the tag and version and extracts the callback
// and method ids. Tag mismatch and unknown version are fatal for the frame.
func (c *Codec) DecodeCallHeader(data []byte) (callbackID, methodID uint32, err error) {
	o := c.CustomOffset
	if len(data) < c.CallHeaderSize() {
		return 0, 0, ErrShortFrame
	}
	if data[o] != tagCall0 || data[o+1] != tagCall1 || data[o+2] != tagCall2 {
		return 0, 0, fmt.Errorf("%w: tag %q", ErrInvalidHeader, data[o:o+3])
	}
	if data[o+3] != Version {
		return 0, 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[o+3])
	}
	callbackID = binary.LittleEndian.Uint32(data[o+4 : o+8])
	methodID = binary.LittleEndian.Uint32(data[o+8 : o+12])
	return callbackID, methodID, nil
}

// EncodeReturnHeader writes a Return frame header. The callback id is copied
// verbatim from the triggering Call frame so the invoker can correlate the
// response without understanding its content.
func (c *Codec) EncodeReturnHeader(buf []byte, callbackID uint32, rt ResponseType) {
	o := c.CustomOffset
	buf[o], buf[o+1], buf[o+2], buf[o+3] = tagRet0, tagRet1, tagRet2, Version
	binary.LittleEndian.PutUint32(buf[o+4:o+8], callbackID)
	buf[o+8] = byte(rt)
}

// DecodeReturnHeader validates the tag and version and extracts the callback
// id and response type.
func (c *Codec) DecodeReturnHeader(data []byte) (callbackID uint32, rt ResponseType, err error) {
	o := c.CustomOffset
	if len(data) < c.ReturnHeaderSize() {
		return 0, 0, ErrShortFrame
	}
	if data[o] != tagRet0 || data[o+1] != tagRet1 || data[o+2] != tagRet2 {
		return 0, 0, fmt.Errorf("%w: tag %q", ErrInvalidHeader, data[o:o+3])
	}
	if data[o+3] != Version {
		return 0, 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[o+3])
	}
	callbackID = binary.LittleEndian.Uint32(data[o+4 : o+8])
	rt = ResponseType(data[o+8])
	return callbackID, rt, nil
}

// EncodeEventHeader writes an EventTrigger frame header.
func (c *Codec) EncodeEventHeader(buf []byte, eventID uint32) {
	o := c.CustomOffset
	buf[o], buf[o+1], buf[o+2], buf[o+3] = tagEvent0, tagEvent1, tagEvent2, Version
	binary.LittleEndian.PutUint32(buf[o+4:o+8], eventID)
}

// DecodeEventHeader validates the tag and version and extracts the event id.
func (c *Codec) DecodeEventHeader(data []byte) (eventID uint32, err error) {
	o := c.CustomOffset
	if len(data) < c.EventHeaderSize() {
		return 0, ErrShortFrame
	}
	if data[o] != tagEvent0 || data[o+1] != tagEvent1 || data[o+2] != tagEvent2 {
		return 0, fmt.Errorf("%w: tag %q", ErrInvalidHeader, data[o:o+3])
	}
	if data[o+3] != Version {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[o+3])
	}
	return binary.LittleEndian.Uint32(data[o+4 : o+8]), nil
}

// FrameKind inspects a frame's tag so a transport can route it to the
// executer, the invoker, or the event dispatch proxy.
func (c *Codec) FrameKind(data []byte) (Kind, error) {
	o := c.CustomOffset
	if len(data) < o+tagSize {
		return 0, ErrShortFrame
	}
	switch {
	case data[o] == tagCall0 && data[o+1] == tagCall1 && data[o+2] == tagCall2:
		return KindCall, nil
	case data[o] == tagRet0 && data[o+1] == tagRet1 && data[o+2] == tagRet2:
		return KindReturn, nil
	case data[o] == tagEvent0 && data[o+1] == tagEvent1 && data[o+2] == tagEvent2:
		return KindEvent, nil
	default:
		return 0, fmt.Errorf("%w: tag %q", ErrInvalidHeader, data[o:o+3])
	}
}
