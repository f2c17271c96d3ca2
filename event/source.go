// Package event implements event forwarding: the subscription manager that
// wires local event firings into outgoing EventTrigger frames, and the
// dispatch proxy that turns inbound EventTrigger frames back into local
// raises on the remote side.
package event

import "sync"

// None is the canonical empty-argument marker raised for events that carry
// no data.
type None struct{}

// Handler consumes one event firing.
type Handler func(arg any)

// Source is a local event that handlers attach to. It stands in for the
// event member of the shared interface definition: implementation code
// raises it, and a Subscription forwards the firing to the remote peer.
type Source struct {
	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
}

// NewSource creates an event source with no handlers.
func NewSource() *Source {
	return &Source{handlers: make(map[int]Handler)}
}

// Add attaches a handler and returns the token to remove it with.
func (s *Source) Add(h Handler) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.handlers[s.nextID] = h
	return s.nextID
}

// Remove detaches the handler registered under token. Unknown tokens are
// ignored.
func (s *Source) Remove(token int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, token)
}

// HasHandlers reports whether any handler is currently attached.
func (s *Source) HasHandlers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers) > 0
}

// Raise fires the event, invoking every attached handler with arg.
// Handlers run outside the source lock so they may add or remove handlers.
func (s *Source) Raise(arg any) {
	s.mu.Lock()
	snapshot := make([]Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		snapshot = append(snapshot, h)
	}
	s.mu.Unlock()

	for _, h := range snapshot {
		h(arg)
	}
}
