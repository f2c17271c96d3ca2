package event

import (
	"fmt"
	"sync"

	"nettalk/descriptor"
)

// Sink receives (eventId, argument) for every forwarded firing. In a full
// peer it is the frame-encode-and-transmit step supplied by the transport.
type Sink func(eventID uint32, arg any)

// Subscription wires one local event source to the forwarding sink.
//
// Subscribe and Unsubscribe are idempotent under concurrency: a lock-free
// fast check skips the mutex once the desired state holds, and the actual
// add/remove plus the state flip happen under the per-subscription mutex
// with a second check, so concurrent callers never double-add or
// double-remove on the underlying source. Each subscription's mutex is its
// own — unrelated subscriptions never serialize against each other.
type Subscription struct {
	event  *descriptor.Event
	source *Source
	sink   Sink

	mu         sync.Mutex
	subscribed bool
	token      int
}

// NewSubscription prepares (but does not activate) the forwarding of source
// firings under the event's id.
func NewSubscription(ev *descriptor.Event, source *Source, sink Sink) *Subscription {
	return &Subscription{event: ev, source: source, sink: sink}
}

// Subscribed reports the current state.
func (s *Subscription) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// Subscribe installs the forwarding adapter on the source. Calling it any
// number of times results in exactly one underlying add.
func (s *Subscription) Subscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed {
		return
	}
	id := s.event.ID
	sink := s.sink
	s.token = s.source.Add(func(arg any) {
		sink(id, arg)
	})
	s.subscribed = true
}

// Unsubscribe removes the forwarding adapter. Symmetric to Subscribe:
// exactly one underlying remove no matter how often it is called.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.subscribed {
		return
	}
	s.source.Remove(s.token)
	s.subscribed = false
}

// Manager owns the subscriptions of one peer side: one per bound event,
// keyed by name and id.
type Manager struct {
	table *descriptor.Table
	sink  Sink

	mu   sync.Mutex
	subs map[uint32]*Subscription
}

// NewManager creates a subscription manager forwarding through sink.
func NewManager(table *descriptor.Table, sink Sink) *Manager {
	return &Manager{table: table, sink: sink, subs: make(map[uint32]*Subscription)}
}

// Bind attaches a local source to the named event and subscribes it.
// The event id comes from the shared table, so both peers agree on it.
func (m *Manager) Bind(name string, source *Source) (*Subscription, error) {
	ev, ok := m.table.EventByName(name)
	if !ok {
		return nil, fmt.Errorf("event: unknown event %q", name)
	}

	m.mu.Lock()
	if prev, exists := m.subs[ev.ID]; exists {
		m.mu.Unlock()
		return prev, nil
	}
	sub := NewSubscription(ev, source, m.sink)
	m.subs[ev.ID] = sub
	m.mu.Unlock()

	sub.Subscribe()
	return sub, nil
}

// Subscription returns the subscription bound to the named event, if any.
func (m *Manager) Subscription(name string) (*Subscription, bool) {
	ev, ok := m.table.EventByName(name)
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[ev.ID]
	return sub, ok
}

// UnsubscribeAll deactivates every bound subscription, typically at channel
// shutdown.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}
