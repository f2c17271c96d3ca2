// Package client implements the Call Invoker: the issuing half of the
// call/return protocol. It encodes outgoing invocations into Call frames,
// hands them to the transport, and correlates inbound Return frames back to
// the awaiting caller by callback id.
//
// The correlation table is the standard pattern for multiplexing many
// in-flight calls over one connection: each call registers a buffered
// channel keyed by its callback id before the frame is sent, and the
// transport's read loop resolves it whenever the matching Return frame
// arrives — response order is irrelevant.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"nettalk/bufpool"
	"nettalk/codec"
	"nettalk/descriptor"
	"nettalk/protocol"
)

// ErrNotImplementedByPeer reports that the remote peer answered
// MethodNotImplemented for the requested method id.
var ErrNotImplementedByPeer = fmt.Errorf("client: method not supported by peer")

// DefaultCallBufferSize is the initial estimate rented for outgoing call
// frames; the serializer grows past it on demand.
const DefaultCallBufferSize = 512

// SendFunc hands an encoded frame to the transport. The transport owns the
// segment from this point and releases it after transmission.
type SendFunc func(seg *bufpool.Segment) error

// outcome is what a pending call resolves to.
type outcome struct {
	value any
	err   error
}

// pendingCall is the one-shot completion record for one in-flight call.
// It is destroyed exactly once: by the matching Return frame or by
// cancellation, whichever comes first — the loser finds the table entry
// already gone and becomes a no-op.
type pendingCall struct {
	method *descriptor.Method
	done   chan outcome // buffered, capacity 1
}

// Invoker issues calls and resolves their returns.
type Invoker struct {
	table *descriptor.Table
	pool  *bufpool.Pool
	ser   codec.Serializer
	proto *protocol.Codec
	send  SendFunc

	nextID  atomic.Uint32
	pending sync.Map // map[uint32]*pendingCall
	bufSize int
}

// NewInvoker creates an invoker that encodes frames against the shared table
// and pushes them through send.
func NewInvoker(table *descriptor.Table, pool *bufpool.Pool, ser codec.Serializer, proto *protocol.Codec, send SendFunc) *Invoker {
	return &Invoker{
		table:   table,
		pool:    pool,
		ser:     ser,
		proto:   proto,
		send:    send,
		bufSize: DefaultCallBufferSize,
	}
}

// Invoke calls the named method on the remote peer and blocks until the
// correlated Return frame arrives or ctx is done. The result value is nil
// for methods without a declared result.
func (inv *Invoker) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	m, ok := inv.table.MethodByName(method)
	if !ok {
		return nil, fmt.Errorf("client: unknown method %q", method)
	}
	if len(args) != len(m.ParamTypes) {
		return nil, fmt.Errorf("client: %s takes %d arguments, got %d", method, len(m.ParamTypes), len(args))
	}

	callbackID := inv.allocateCallbackID()
	seg, err := inv.encodeCall(callbackID, m, args)
	if err != nil {
		return nil, err
	}

	// Register before send: the return frame may race back before the send
	// call even unwinds.
	call := &pendingCall{method: m, done: make(chan outcome, 1)}
	inv.pending.Store(callbackID, call)

	if err := inv.send(seg); err != nil {
		inv.pending.Delete(callbackID)
		return nil, fmt.Errorf("client: send %s: %w", method, err)
	}

	select {
	case out := <-call.done:
		return out.value, out.err
	case <-ctx.Done():
		// Remove the entry so the id can be reused; a Return frame arriving
		// later finds nothing and is dropped.
		inv.pending.Delete(callbackID)
		return nil, ctx.Err()
	}
}

// HandleReturn consumes one inbound Return frame delivered by the transport.
// An unmatched callback id is dropped silently — it belongs to a call that
// was already cancelled or timed out, which is an expected race, not an
// error.
func (inv *Invoker) HandleReturn(data []byte) error {
	callbackID, rt, err := inv.proto.DecodeReturnHeader(data)
	if err != nil {
		return err
	}

	entry, ok := inv.pending.LoadAndDelete(callbackID)
	if !ok {
		return nil
	}
	call := entry.(*pendingCall)

	payloadOff := inv.proto.ReturnHeaderSize()
	payloadLen := len(data) - payloadOff

	var out outcome
	switch rt {
	case protocol.ResponseExecuted:
		// Completed, no declared result.
	case protocol.ResponseResultReturned:
		if call.method.ReturnType == nil {
			// The peer sent a result for a method declared without one. The
			// caller gets an error, not a crash of the read loop delivering
			// this frame.
			out.err = fmt.Errorf("client: %s declares no result but peer returned one", call.method.Name)
			break
		}
		out.value, out.err = inv.ser.Deserialize(call.method.ReturnType, data, payloadOff, payloadLen)
	case protocol.ResponseException:
		remote, derr := inv.ser.DeserializeError(data, payloadOff, payloadLen)
		if derr != nil {
			out.err = fmt.Errorf("client: undecodable exception payload: %w", derr)
		} else {
			out.err = remote
		}
	case protocol.ResponseMethodNotImplemented:
		out.err = fmt.Errorf("%w: %s", ErrNotImplementedByPeer, call.method.Name)
	default:
		out.err = fmt.Errorf("client: unknown response type %d", rt)
	}

	call.done <- out
	return nil
}

// FailAllPending resolves every in-flight call with err. Transports call it
// when the connection breaks so no caller blocks forever.
func (inv *Invoker) FailAllPending(err error) {
	inv.pending.Range(func(key, value any) bool {
		if _, ok := inv.pending.LoadAndDelete(key); ok {
			value.(*pendingCall).done <- outcome{err: err}
		}
		return true
	})
}

// allocateCallbackID returns an id not colliding with any call currently in
// flight. Ids are reused freely once their pending entry is gone.
func (inv *Invoker) allocateCallbackID() uint32 {
	for {
		id := inv.nextID.Add(1)
		if _, taken := inv.pending.Load(id); !taken {
			return id
		}
	}
}

// encodeCall builds the Call frame: header, parameter length table, then
// each argument serialized in declaration order. Buffer growth follows the
// same change-of-hands rule as return frames: the rented buffer goes back to
// the pool and the grown replacement travels as a caller-owned segment.
func (inv *Invoker) encodeCall(callbackID uint32, m *descriptor.Method, args []any) (*bufpool.Segment, error) {
	paramsOff := inv.proto.ParamsOffset(len(m.ParamTypes))
	buf, err := inv.pool.Rent(paramsOff + inv.bufSize)
	if err != nil {
		return nil, fmt.Errorf("client: allocate call frame: %w", err)
	}
	pooled := true

	inv.proto.EncodeCallHeader(buf, callbackID, m.ID)

	offset := paramsOff
	lengths := make([]uint32, len(args))
	for i, arg := range args {
		written, n, serr := inv.ser.Serialize(m.ParamTypes[i], buf, offset, arg)
		if serr != nil {
			if pooled {
				inv.pool.Return(buf)
			}
			return nil, fmt.Errorf("client: serialize argument %d of %s: %w", i, m.Name, serr)
		}
		if &written[0] != &buf[0] {
			if pooled {
				inv.pool.Return(buf)
				pooled = false
			}
		}
		buf = written
		lengths[i] = uint32(n)
		offset += n
	}
	for i, n := range lengths {
		inv.proto.PutParamLength(buf, i, n)
	}

	if pooled {
		return bufpool.NewSegment(inv.pool, buf, 0, offset), nil
	}
	return bufpool.Owned(buf, 0, offset), nil
}
