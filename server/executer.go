// Package server implements the Call Executer: the receiving half of the
// call/return protocol. It consumes inbound Call frames, dispatches them
// through the shared descriptor table to the local implementation, and
// produces Return frames.
//
// Concurrency model: ReceiveData is safe for unbounded concurrent callers
// sharing one descriptor table and one buffer pool. A transport keeps its
// read loop single-threaded for frame boundaries and spawns a goroutine per
// inbound call, so a slow method never blocks the frames behind it.
package server

import (
	"context"
	"fmt"

	"nettalk/bufpool"
	"nettalk/codec"
	"nettalk/descriptor"
	"nettalk/middleware"
	"nettalk/protocol"
)

// DefaultReturnBufferSize is the initial estimate rented for result and
// exception payloads. The serializer grows past it on demand.
const DefaultReturnBufferSize = 512

// Executer turns inbound Call frames into invocations and invocations into
// Return frames.
type Executer struct {
	table *descriptor.Table
	impl  any
	pool  *bufpool.Pool
	ser   codec.Serializer
	proto *protocol.Codec

	handler       middleware.HandlerFunc
	returnBufSize int
}

// Option configures an Executer at construction.
type Option func(*Executer)

// WithInterceptors installs the middleware chain wrapped around invocation.
func WithInterceptors(mws ...middleware.Middleware) Option {
	return func(e *Executer) {
		e.handler = middleware.Chain(mws...)(e.invoke)
	}
}

// WithReturnBufferSize overrides the initial size estimate for result and
// exception buffers.
func WithReturnBufferSize(n int) Option {
	return func(e *Executer) {
		if n > 0 {
			e.returnBufSize = n
		}
	}
}

// NewExecuter creates an executer serving impl through the given shared
// table. The table is injected, never built here — many executers may share
// one table to amortize its construction cost.
func NewExecuter(table *descriptor.Table, impl any, pool *bufpool.Pool, ser codec.Serializer, proto *protocol.Codec, opts ...Option) *Executer {
	e := &Executer{
		table:         table,
		impl:          impl,
		pool:          pool,
		ser:           ser,
		proto:         proto,
		returnBufSize: DefaultReturnBufferSize,
	}
	e.handler = e.invoke
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReceiveData processes one inbound Call frame and returns the encoded
// Return frame as a segment the caller must release after transmission.
//
// A header validation failure is returned as a protocol error — fatal for
// this frame; whether it is fatal for the connection is the caller's call.
// An unknown method id is NOT an error: it produces a MethodNotImplemented
// frame of the fixed minimal size. Errors and panics from the implementation
// are serialized into Exception frames and never escape.
func (e *Executer) ReceiveData(ctx context.Context, data []byte) (*bufpool.Segment, error) {
	callbackID, methodID, err := e.proto.DecodeCallHeader(data)
	if err != nil {
		return nil, err
	}

	method, ok := e.table.Method(methodID)
	if !ok {
		// Normal outcome: the peer knows a method this side doesn't.
		return e.minimalReturn(callbackID, protocol.ResponseMethodNotImplemented)
	}

	// Walk the payload using the per-parameter length table. Lengths are
	// trusted: they are summed to advance, not validated against what the
	// serializer actually consumed.
	args := make([]any, len(method.ParamTypes))
	offset := e.proto.ParamsOffset(len(method.ParamTypes))
	var deserr error
	for i, pt := range method.ParamTypes {
		n := int(e.proto.ParamLength(data, i))
		args[i], deserr = e.ser.Deserialize(pt, data, offset, n)
		if deserr != nil {
			break
		}
		offset += n
	}
	if deserr != nil {
		// The frame itself was well-formed; the payload was not. The caller
		// still deserves a response, so this travels back as an exception.
		return e.exceptionReturn(callbackID, fmt.Errorf("deserialize argument for %s: %w", method.Name, deserr))
	}

	result, callErr := e.handler(ctx, &middleware.Call{
		MethodID: methodID,
		Method:   method.Name,
		Args:     args,
	})
	if callErr != nil {
		return e.exceptionReturn(callbackID, callErr)
	}

	if !method.ReturnsResult {
		return e.minimalReturn(callbackID, protocol.ResponseExecuted)
	}

	seg, err := e.payloadReturn(callbackID, protocol.ResponseResultReturned, func(buf []byte, off int) ([]byte, int, error) {
		return e.ser.Serialize(method.ReturnType, buf, off, result)
	})
	if err != nil {
		// Result serialization failed after a successful invocation; the
		// caller gets the failure as an exception rather than a hang.
		return e.exceptionReturn(callbackID, fmt.Errorf("serialize result of %s: %w", method.Name, err))
	}
	return seg, nil
}

// invoke is the innermost handler: it dispatches to the implementation and
// converts panics into ordinary errors so nothing escapes the executer
// boundary.
func (e *Executer) invoke(ctx context.Context, call *middleware.Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", call.Method, r)
		}
	}()
	method, ok := e.table.Method(call.MethodID)
	if !ok {
		return nil, fmt.Errorf("unknown method id %d", call.MethodID)
	}
	return method.Invoke(e.impl, call.Args)
}

// minimalReturn builds a payload-less frame: header + response-type byte,
// the fixed minimal size used by Executed and MethodNotImplemented.
func (e *Executer) minimalReturn(callbackID uint32, rt protocol.ResponseType) (*bufpool.Segment, error) {
	size := e.proto.ReturnHeaderSize()
	buf, err := e.pool.Rent(size)
	if err != nil {
		return nil, fmt.Errorf("allocate return frame: %w", err)
	}
	e.proto.EncodeReturnHeader(buf, callbackID, rt)
	return bufpool.NewSegment(e.pool, buf, 0, size), nil
}

// exceptionReturn serializes callErr into an Exception frame.
func (e *Executer) exceptionReturn(callbackID uint32, callErr error) (*bufpool.Segment, error) {
	return e.payloadReturn(callbackID, protocol.ResponseException, func(buf []byte, off int) ([]byte, int, error) {
		return e.ser.SerializeError(buf, off, callErr)
	})
}

// payloadReturn rents a buffer at the initial size estimate, writes the
// return header, and lets write produce the payload.
//
// If the serializer grew the buffer, the originally rented one is returned
// to the pool here and the replacement comes back as a caller-owned segment.
// One buffer changes hands exactly once — never a silent drop, never a
// double free.
func (e *Executer) payloadReturn(callbackID uint32, rt protocol.ResponseType, write func(buf []byte, off int) ([]byte, int, error)) (*bufpool.Segment, error) {
	headerSize := e.proto.ReturnHeaderSize()
	size := headerSize + e.returnBufSize
	buf, err := e.pool.Rent(size)
	if err != nil {
		return nil, fmt.Errorf("allocate return frame: %w", err)
	}
	e.proto.EncodeReturnHeader(buf, callbackID, rt)

	written, n, werr := write(buf, headerSize)
	if werr != nil {
		e.pool.Return(buf)
		return nil, werr
	}
	if &written[0] != &buf[0] {
		e.pool.Return(buf)
		return bufpool.Owned(written, 0, headerSize+n), nil
	}
	return bufpool.NewSegment(e.pool, buf, 0, headerSize+n), nil
}
