// Package transport moves frames between peers over TCP.
//
// The protocol core leaves a reserved prefix of CustomOffset bytes in front
// of every frame for the transport's own framing; this transport sets
// CustomOffset to 4 and writes the frame's byte length there, little-endian,
// which is all a TCP stream needs to recover message boundaries.
//
// A Channel is symmetric: it pairs one invoker (outgoing calls), one
// executer (inbound calls, if an implementation was supplied), one event
// subscription manager (outgoing event firings), and one dispatch proxy
// (inbound event firings) over a single connection. The read loop is a
// single goroutine — frame boundaries require sequential reads — and every
// inbound call is dispatched to its own goroutine so a slow method never
// stalls the frames behind it.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"nettalk/bufpool"
	"nettalk/client"
	"nettalk/codec"
	"nettalk/descriptor"
	"nettalk/event"
	"nettalk/middleware"
	"nettalk/protocol"
	"nettalk/server"
)

const (
	// PrefixSize is the reserved prefix this transport claims from the
	// frame codec for its length framing.
	PrefixSize = 4

	// maxFrameSize bounds inbound frames so a corrupt length prefix cannot
	// trigger an absurd allocation.
	maxFrameSize = 16 << 20
)

// config collects the channel construction options.
type config struct {
	impl          any
	pool          *bufpool.Pool
	ser           codec.Serializer
	interceptors  []middleware.Middleware
	logger        zerolog.Logger
	returnBufSize int
	hook          func(*Channel)
}

// Option configures a Channel at construction.
type Option func(*config)

// WithImplementation supplies the local implementation of the shared
// interface, enabling the executer side of the channel. Without it the
// channel can only issue calls and receive events.
func WithImplementation(impl any) Option {
	return func(c *config) { c.impl = impl }
}

// WithPool overrides the default buffer pool.
func WithPool(p *bufpool.Pool) Option {
	return func(c *config) { c.pool = p }
}

// WithSerializer overrides the default JSON serializer.
func WithSerializer(s codec.Serializer) Option {
	return func(c *config) { c.ser = s }
}

// WithInterceptors installs the middleware chain on the executer side.
func WithInterceptors(mws ...middleware.Middleware) Option {
	return func(c *config) { c.interceptors = append(c.interceptors, mws...) }
}

// WithLogger sets the channel's logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithReturnBufferSize overrides the executer's initial return buffer
// estimate.
func WithReturnBufferSize(n int) Option {
	return func(c *config) { c.returnBufSize = n }
}

// WithChannelHook runs fn on every channel as it is created — a listener
// uses it to wire event subscriptions onto inbound channels it would
// otherwise never see.
func WithChannelHook(fn func(*Channel)) Option {
	return func(c *config) { c.hook = fn }
}

// Channel is one protocol connection to a peer.
type Channel struct {
	conn  net.Conn
	table *descriptor.Table
	proto *protocol.Codec
	pool  *bufpool.Pool
	ser   codec.Serializer
	log   zerolog.Logger

	exec   *server.Executer
	inv    *client.Invoker
	proxy  *event.DispatchProxy
	events *event.Manager

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewChannel wraps an established connection. Call Start to begin reading.
func NewChannel(conn net.Conn, table *descriptor.Table, opts ...Option) *Channel {
	cfg := &config{
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.pool == nil {
		cfg.pool = bufpool.New(0)
	}
	if cfg.ser == nil {
		cfg.ser = &codec.JSONSerializer{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		conn:   conn,
		table:  table,
		proto:  &protocol.Codec{CustomOffset: PrefixSize},
		pool:   cfg.pool,
		ser:    cfg.ser,
		log:    cfg.logger.With().Str("peer", conn.RemoteAddr().String()).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.impl != nil {
		execOpts := []server.Option{server.WithInterceptors(cfg.interceptors...)}
		if cfg.returnBufSize > 0 {
			execOpts = append(execOpts, server.WithReturnBufferSize(cfg.returnBufSize))
		}
		ch.exec = server.NewExecuter(table, cfg.impl, ch.pool, ch.ser, ch.proto, execOpts...)
	}
	ch.inv = client.NewInvoker(table, ch.pool, ch.ser, ch.proto, ch.WriteSegment)
	ch.proxy = event.NewDispatchProxy(table, ch.ser, ch.proto)
	ch.events = event.NewManager(table, ch.forwardEvent)
	if cfg.hook != nil {
		cfg.hook(ch)
	}
	return ch
}

// Dial connects to a peer and starts the channel.
func Dial(network, address string, table *descriptor.Table, opts ...Option) (*Channel, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", address, err)
	}
	ch := NewChannel(conn, table, opts...)
	ch.Start()
	return ch, nil
}

// Invoker returns the channel's call invoker; stubs route through it.
func (ch *Channel) Invoker() *client.Invoker { return ch.inv }

// Events returns the subscription manager forwarding local firings to the
// peer.
func (ch *Channel) Events() *event.Manager { return ch.events }

// RemoteEvent returns the local source raised when the peer fires the named
// event.
func (ch *Channel) RemoteEvent(name string) (*event.Source, error) {
	return ch.proxy.Local(name)
}

// Start launches the read loop.
func (ch *Channel) Start() {
	go ch.readLoop()
}

// Invoke is a convenience wrapper over the channel's invoker.
func (ch *Channel) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	return ch.inv.Invoke(ctx, method, args...)
}

// WriteSegment transmits one encoded frame and releases its segment.
// The write mutex keeps frames from interleaving when multiple goroutines
// respond on the same connection.
func (ch *Channel) WriteSegment(seg *bufpool.Segment) error {
	frame := seg.Bytes()
	binary.LittleEndian.PutUint32(frame[:PrefixSize], uint32(len(frame)-PrefixSize))

	ch.writeMu.Lock()
	_, err := ch.conn.Write(frame)
	ch.writeMu.Unlock()

	seg.Release()
	if err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

// readLoop reads length-prefixed frames and routes them by tag. It is the
// only reader of the connection.
func (ch *Channel) readLoop() {
	for {
		var lenBuf [PrefixSize]byte
		if _, err := io.ReadFull(ch.conn, lenBuf[:]); err != nil {
			ch.closeWithError(err)
			return
		}
		frameLen := int(binary.LittleEndian.Uint32(lenBuf[:]))
		if frameLen <= 0 || frameLen > maxFrameSize {
			ch.closeWithError(fmt.Errorf("transport: implausible frame length %d", frameLen))
			return
		}

		total := PrefixSize + frameLen
		buf, pooled := ch.rentFrame(total)
		copy(buf[:PrefixSize], lenBuf[:])
		if _, err := io.ReadFull(ch.conn, buf[PrefixSize:total]); err != nil {
			ch.releaseFrame(buf, pooled)
			ch.closeWithError(err)
			return
		}
		data := buf[:total]

		kind, err := ch.proto.FrameKind(data)
		if err != nil {
			// Unknown tag: the stream itself is no longer trustworthy.
			ch.releaseFrame(buf, pooled)
			ch.closeWithError(err)
			return
		}

		switch kind {
		case protocol.KindCall:
			if ch.exec == nil {
				ch.log.Warn().Msg("call frame on channel without implementation")
				ch.releaseFrame(buf, pooled)
				continue
			}
			go ch.handleCall(data, buf, pooled)

		case protocol.KindReturn:
			if err := ch.inv.HandleReturn(data); err != nil {
				ch.releaseFrame(buf, pooled)
				ch.closeWithError(err)
				return
			}
			ch.releaseFrame(buf, pooled)

		case protocol.KindEvent:
			if err := ch.proxy.HandleEventData(data); err != nil {
				// Desync is fatal for the event channel only, not for the
				// connection carrying calls.
				ch.log.Error().Err(err).Msg("event dispatch failed")
			}
			ch.releaseFrame(buf, pooled)
		}
	}
}

// handleCall runs one inbound call to completion and writes its return
// frame. Runs in its own goroutine.
func (ch *Channel) handleCall(data, buf []byte, pooled bool) {
	defer ch.releaseFrame(buf, pooled)

	seg, err := ch.exec.ReceiveData(ch.ctx, data)
	if err != nil {
		// ReceiveData only errors on protocol-level failures; the
		// connection state is our decision, and a peer that frames garbage
		// calls is not worth keeping.
		ch.log.Error().Err(err).Msg("inbound call rejected")
		ch.closeWithError(err)
		return
	}
	if err := ch.WriteSegment(seg); err != nil {
		ch.log.Warn().Err(err).Msg("return frame not delivered")
	}
}

// forwardEvent is the subscription manager's sink: encode the firing as an
// EventTrigger frame and transmit it. Sink failures are logged, not
// propagated — the local raise that triggered the forwarding has already
// happened.
func (ch *Channel) forwardEvent(eventID uint32, arg any) {
	seg, err := ch.encodeEvent(eventID, arg)
	if err != nil {
		ch.log.Error().Err(err).Uint32("event_id", eventID).Msg("event frame encode failed")
		return
	}
	if err := ch.WriteSegment(seg); err != nil {
		ch.log.Warn().Err(err).Uint32("event_id", eventID).Msg("event frame not delivered")
	}
}

// encodeEvent builds an EventTrigger frame with the same buffer
// change-of-hands rule as call and return frames.
func (ch *Channel) encodeEvent(eventID uint32, arg any) (*bufpool.Segment, error) {
	ev, ok := ch.table.Event(eventID)
	if !ok {
		return nil, fmt.Errorf("transport: unknown event id %d", eventID)
	}

	headerSize := ch.proto.EventHeaderSize()
	buf, err := ch.pool.Rent(headerSize + client.DefaultCallBufferSize)
	if err != nil {
		return nil, fmt.Errorf("transport: allocate event frame: %w", err)
	}
	ch.proto.EncodeEventHeader(buf, eventID)

	length := headerSize
	if ev.ArgType != nil {
		written, n, serr := ch.ser.Serialize(ev.ArgType, buf, headerSize, arg)
		if serr != nil {
			ch.pool.Return(buf)
			return nil, serr
		}
		if &written[0] != &buf[0] {
			ch.pool.Return(buf)
			return bufpool.Owned(written, 0, headerSize+n), nil
		}
		length += n
	}
	return bufpool.NewSegment(ch.pool, buf, 0, length), nil
}

// rentFrame prefers the pool but falls back to a one-off allocation when a
// size class is exhausted, so a buffer shortage degrades throughput instead
// of dropping the connection. The shortage still surfaces in the log.
func (ch *Channel) rentFrame(size int) ([]byte, bool) {
	buf, err := ch.pool.Rent(size)
	if err != nil {
		ch.log.Warn().Err(err).Int("size", size).Msg("frame buffer rent failed, allocating unpooled")
		return make([]byte, size), false
	}
	return buf, true
}

func (ch *Channel) releaseFrame(buf []byte, pooled bool) {
	if pooled {
		ch.pool.Return(buf)
	}
}

// Close tears the channel down: stop in-flight invocations' context, fail
// every pending outgoing call, detach event subscriptions, close the
// connection.
func (ch *Channel) Close() error {
	ch.closeWithError(fmt.Errorf("transport: channel closed"))
	return ch.closeErr
}

func (ch *Channel) closeWithError(cause error) {
	ch.closeOnce.Do(func() {
		ch.cancel()
		ch.events.UnsubscribeAll()
		ch.inv.FailAllPending(cause)
		ch.closeErr = ch.conn.Close()
		ch.log.Debug().AnErr("cause", cause).Msg("channel closed")
	})
}
