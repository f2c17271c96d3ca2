package event

import (
	"fmt"
	"reflect"

	"nettalk/codec"
	"nettalk/descriptor"
	"nettalk/protocol"
)

// ErrDesync reports an EventTrigger frame whose event id is unknown to this
// side's table. Unlike an unknown method id, there is no way to answer the
// peer — the event channel's id assignment has diverged, which is fatal for
// that channel.
var ErrDesync = fmt.Errorf("event: id unknown to this peer, dispatch desynchronized")

// DispatchProxy is the receiving side of event forwarding. It holds one
// dispatch slot per declared event; inbound EventTrigger frames become
// raises on the slot's local source, which local code subscribes to like any
// other event.
type DispatchProxy struct {
	table *descriptor.Table
	ser   codec.Serializer
	proto *protocol.Codec
	slots []*Source // indexed by event slot, declaration order
}

// NewDispatchProxy builds a proxy with one empty slot per event in the
// table.
func NewDispatchProxy(table *descriptor.Table, ser codec.Serializer, proto *protocol.Codec) *DispatchProxy {
	slots := make([]*Source, len(table.Events()))
	for i := range slots {
		slots[i] = NewSource()
	}
	return &DispatchProxy{table: table, ser: ser, proto: proto, slots: slots}
}

// Local returns the source raised when the remote peer fires the named
// event. Attach handlers to it to observe remote firings.
func (p *DispatchProxy) Local(name string) (*Source, error) {
	ev, ok := p.table.EventByName(name)
	if !ok {
		return nil, fmt.Errorf("event: unknown event %q", name)
	}
	return p.slots[ev.Slot], nil
}

// HandleEventData consumes one inbound EventTrigger frame: decode the
// header, deserialize the argument, raise the slot.
func (p *DispatchProxy) HandleEventData(data []byte) error {
	eventID, err := p.proto.DecodeEventHeader(data)
	if err != nil {
		return err
	}
	payloadOff := p.proto.EventHeaderSize()
	return p.trigger(eventID, data, payloadOff, len(data)-payloadOff)
}

// TriggerEvent raises the named slot for an already-decoded argument. The
// argument is converted to the event's declared type; an event declared
// without an argument raises None regardless of what was passed.
func (p *DispatchProxy) TriggerEvent(eventID uint32, arg any) error {
	ev, ok := p.table.Event(eventID)
	if !ok {
		return fmt.Errorf("%w: event id %d", ErrDesync, eventID)
	}
	slot := p.slots[ev.Slot]
	if !slot.HasHandlers() {
		return nil
	}

	if ev.ArgType == nil {
		slot.Raise(None{})
		return nil
	}
	converted, err := convert(arg, ev.ArgType)
	if err != nil {
		return fmt.Errorf("event %s: %w", ev.Name, err)
	}
	slot.Raise(converted)
	return nil
}

// trigger is the payload-bytes path behind HandleEventData. Deserialization
// is skipped entirely when nobody is listening.
func (p *DispatchProxy) trigger(eventID uint32, data []byte, offset, length int) error {
	ev, ok := p.table.Event(eventID)
	if !ok {
		return fmt.Errorf("%w: event id %d", ErrDesync, eventID)
	}
	slot := p.slots[ev.Slot]
	if !slot.HasHandlers() {
		return nil
	}

	if ev.ArgType == nil || length == 0 {
		slot.Raise(None{})
		return nil
	}
	arg, err := p.ser.Deserialize(ev.ArgType, data, offset, length)
	if err != nil {
		return fmt.Errorf("event %s: %w", ev.Name, err)
	}
	slot.Raise(arg)
	return nil
}

// convert casts arg to the target type, allowing the usual Go conversions
// (e.g. an int32 firing an int-typed event).
func convert(arg any, target reflect.Type) (any, error) {
	if arg == nil {
		return reflect.Zero(target).Interface(), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type() == target {
		return arg, nil
	}
	if !v.Type().ConvertibleTo(target) {
		return nil, fmt.Errorf("argument type %s not convertible to %s", v.Type(), target)
	}
	return v.Convert(target).Interface(), nil
}
