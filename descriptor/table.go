// Package descriptor builds the per-interface method/event identifier table.
//
// A Table is constructed once per interface type — construction walks the
// interface with reflection, which is the expensive part — and is immutable
// afterwards, so any number of executers and invokers can share one table
// with no locking. Lookup by numeric id is a plain map read.
//
// Identifier scheme: methodId is the 32-bit FNV-1a hash of the canonical
// signature string "Name(paramType,paramType)->returnType" (the "->result"
// suffix is omitted for methods without a declared result); eventId hashes
// "Name(argType)". Two peers compiled against the same interface definition
// therefore derive identical ids with no negotiation. A signature change on
// one side changes the id, which the other side reports as
// MethodNotImplemented rather than silently misrouting.
package descriptor

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"strings"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Method describes one callable method of the shared interface.
// Immutable once the table is built.
type Method struct {
	ID         uint32
	Name       string
	ParamTypes []reflect.Type
	ReturnType reflect.Type // nil when the method declares no result
	// ReturnsResult distinguishes "(T, error)" methods, which produce a
	// ResultReturned frame, from plain "error" methods, which produce
	// Executed.
	ReturnsResult bool
}

// Event describes one forwardable event declared alongside the interface.
type Event struct {
	ID      uint32
	Name    string
	ArgType reflect.Type // nil when the event carries no argument
	Slot    int          // dispatch slot index, declaration order
}

// EventDef declares an event when building a table. ArgType nil means the
// event fires without data.
type EventDef struct {
	Name    string
	ArgType reflect.Type
}

// Table maps numeric ids to method and event metadata for one interface type.
// Safe for unlimited concurrent readers after New returns.
type Table struct {
	iface         reflect.Type
	methods       map[uint32]*Method
	methodsByName map[string]*Method
	events        map[uint32]*Event
	eventsByName  map[string]*Event
	slots         []*Event
}

// New builds a table for the given interface type. Every method must have the
// shape "func(params...) error" or "func(params...) (T, error)". Events are
// declared explicitly since Go interfaces have no event members.
func New(iface reflect.Type, events ...EventDef) (*Table, error) {
	if iface == nil || iface.Kind() != reflect.Interface {
		return nil, fmt.Errorf("descriptor: %v is not an interface type", iface)
	}

	t := &Table{
		iface:         iface,
		methods:       make(map[uint32]*Method),
		methodsByName: make(map[string]*Method),
		events:        make(map[uint32]*Event),
		eventsByName:  make(map[string]*Event),
	}

	for i := 0; i < iface.NumMethod(); i++ {
		m := iface.Method(i)
		desc, err := describeMethod(m)
		if err != nil {
			return nil, err
		}
		if prev, dup := t.methods[desc.ID]; dup {
			return nil, fmt.Errorf("descriptor: method id collision between %s and %s", prev.Name, desc.Name)
		}
		t.methods[desc.ID] = desc
		t.methodsByName[desc.Name] = desc
	}

	for slot, def := range events {
		ev := &Event{
			ID:      fnvID(eventSignature(def)),
			Name:    def.Name,
			ArgType: def.ArgType,
			Slot:    slot,
		}
		if prev, dup := t.events[ev.ID]; dup {
			return nil, fmt.Errorf("descriptor: event id collision between %s and %s", prev.Name, ev.Name)
		}
		if _, dup := t.eventsByName[ev.Name]; dup {
			return nil, fmt.Errorf("descriptor: duplicate event name %s", ev.Name)
		}
		t.events[ev.ID] = ev
		t.eventsByName[ev.Name] = ev
		t.slots = append(t.slots, ev)
	}

	return t, nil
}

// describeMethod validates the method shape and captures its metadata.
func describeMethod(m reflect.Method) (*Method, error) {
	mt := m.Type
	if mt.NumOut() < 1 || mt.NumOut() > 2 || mt.Out(mt.NumOut()-1) != errorType {
		return nil, fmt.Errorf("descriptor: method %s must return error or (T, error)", m.Name)
	}

	desc := &Method{
		Name: m.Name,
	}
	for i := 0; i < mt.NumIn(); i++ {
		desc.ParamTypes = append(desc.ParamTypes, mt.In(i))
	}
	if mt.NumOut() == 2 {
		desc.ReturnType = mt.Out(0)
		desc.ReturnsResult = true
	}
	desc.ID = fnvID(methodSignature(desc))
	return desc, nil
}

// Invoke calls the method on impl with the given deserialized arguments.
// The implementation's own error return comes back as err; panics are the
// executer's concern, not handled here.
func (m *Method) Invoke(impl any, args []any) (any, error) {
	fn := reflect.ValueOf(impl).MethodByName(m.Name)
	if !fn.IsValid() {
		return nil, fmt.Errorf("descriptor: %T does not implement %s", impl, m.Name)
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		if a == nil {
			in[i] = reflect.Zero(m.ParamTypes[i])
			continue
		}
		in[i] = reflect.ValueOf(a)
	}
	out := fn.Call(in)

	errv := out[len(out)-1]
	var callErr error
	if !errv.IsNil() {
		callErr = errv.Interface().(error)
	}
	if m.ReturnsResult {
		return out[0].Interface(), callErr
	}
	return nil, callErr
}

// Method looks up a method descriptor by id. A miss is a normal outcome —
// it means the peer knows a method this side does not.
func (t *Table) Method(id uint32) (*Method, bool) {
	m, ok := t.methods[id]
	return m, ok
}

// MethodByName looks up a method descriptor by name, used by stubs issuing
// outgoing calls.
func (t *Table) MethodByName(name string) (*Method, bool) {
	m, ok := t.methodsByName[name]
	return m, ok
}

// Event looks up an event descriptor by id. A miss signals a protocol desync
// on the event channel; the caller decides the consequences.
func (t *Table) Event(id uint32) (*Event, bool) {
	ev, ok := t.events[id]
	return ev, ok
}

// EventByName looks up an event descriptor by name.
func (t *Table) EventByName(name string) (*Event, bool) {
	ev, ok := t.eventsByName[name]
	return ev, ok
}

// Events returns the event descriptors in declaration (slot) order.
func (t *Table) Events() []*Event {
	return t.slots
}

// Interface returns the interface type the table was built from.
func (t *Table) Interface() reflect.Type {
	return t.iface
}

// NumMethods reports how many methods the table holds.
func (t *Table) NumMethods() int {
	return len(t.methods)
}

func methodSignature(m *Method) string {
	var b strings.Builder
	b.WriteString(m.Name)
	b.WriteByte('(')
	for i, pt := range m.ParamTypes {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(pt.String())
	}
	b.WriteByte(')')
	if m.ReturnsResult {
		b.WriteString("->")
		b.WriteString(m.ReturnType.String())
	}
	return b.String()
}

func eventSignature(def EventDef) string {
	if def.ArgType == nil {
		return def.Name + "()"
	}
	return def.Name + "(" + def.ArgType.String() + ")"
}

func fnvID(signature string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(signature))
	return h.Sum32()
}
