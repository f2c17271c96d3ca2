package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"nettalk/descriptor"
	"nettalk/registry"
)

// Listener accepts peer connections and spins up one Channel per connection,
// all serving the same implementation through the same shared descriptor
// table.
type Listener struct {
	lis   net.Listener
	table *descriptor.Table
	opts  []Option

	reg           registry.Registry
	peerName      string
	advertiseAddr string

	shutdown atomic.Bool
	mu       sync.Mutex
	channels map[*Channel]struct{}
}

// Listen binds the address. Serve starts accepting.
func Listen(network, address string, table *descriptor.Table, opts ...Option) (*Listener, error) {
	lis, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", address, err)
	}
	return &Listener{
		lis:      lis,
		table:    table,
		opts:     opts,
		channels: make(map[*Channel]struct{}),
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.lis.Addr() }

// Serve runs the accept loop until Shutdown. If reg is non-nil the listener
// registers advertiseAddr under peerName first, so dialers can discover it.
// advertiseAddr differs from the listen address because ":0"-style listen
// addresses are not routable.
func (l *Listener) Serve(peerName, advertiseAddr string, reg registry.Registry) error {
	if reg != nil {
		l.reg = reg
		l.peerName = peerName
		l.advertiseAddr = advertiseAddr
		if err := reg.Register(peerName, registry.PeerInstance{Addr: advertiseAddr}, 10); err != nil {
			return fmt.Errorf("transport: register peer: %w", err)
		}
	}

	for {
		conn, err := l.lis.Accept()
		if err != nil {
			// During shutdown, closing the listener makes Accept fail; the
			// flag distinguishes that from a real error.
			if l.shutdown.Load() {
				return nil
			}
			return err
		}

		ch := NewChannel(conn, l.table, l.opts...)
		l.mu.Lock()
		l.channels[ch] = struct{}{}
		l.mu.Unlock()
		ch.Start()
	}
}

// Shutdown deregisters from discovery first so dialers stop routing here,
// then stops accepting and closes every live channel. The deadline bounds
// how long channel teardown may take.
func (l *Listener) Shutdown(timeout time.Duration) error {
	if l.reg != nil {
		l.reg.Deregister(l.peerName, l.advertiseAddr)
	}

	l.shutdown.Store(true)
	l.lis.Close()

	done := make(chan struct{})
	go func() {
		l.mu.Lock()
		channels := make([]*Channel, 0, len(l.channels))
		for ch := range l.channels {
			channels = append(channels, ch)
		}
		l.mu.Unlock()
		for _, ch := range channels {
			ch.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("transport: timeout closing channels")
	}
}
