package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"testing"
	"time"

	"nettalk/codec"
	"nettalk/descriptor"
	"nettalk/event"
)

type Counter interface {
	Increment(by int) (int, error)
	Fail() error
	Touch() error
}

type counterImpl struct {
	total int // guarded implicitly: tests call sequentially
}

func (c *counterImpl) Increment(by int) (int, error) {
	c.total += by
	return c.total, nil
}
func (c *counterImpl) Fail() error  { return fmt.Errorf("counter refused") }
func (c *counterImpl) Touch() error { return nil }

func counterTable(t *testing.T) *descriptor.Table {
	t.Helper()
	table, err := descriptor.New(reflect.TypeOf((*Counter)(nil)).Elem(),
		descriptor.EventDef{Name: "Ticked", ArgType: reflect.TypeOf(0)},
	)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

// startPeer runs a listener serving impl and returns its dialable address.
func startPeer(t *testing.T, table *descriptor.Table, impl any, opts ...Option) string {
	t.Helper()
	opts = append(opts, WithImplementation(impl))
	lis, err := Listen("tcp", "127.0.0.1:0", table, opts...)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go lis.Serve("", "", nil)
	t.Cleanup(func() { lis.Shutdown(time.Second) })
	return lis.Addr().String()
}

func TestCallOverTCP(t *testing.T) {
	table := counterTable(t)
	addr := startPeer(t, table, &counterImpl{})

	ch, err := Dial("tcp", addr, table)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ch.Close()

	v, err := ch.Invoke(context.Background(), "Increment", 5)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if v.(int) != 5 {
		t.Errorf("Increment(5): got %v", v)
	}

	v, err = ch.Invoke(context.Background(), "Increment", 3)
	if err != nil {
		t.Fatalf("second Invoke failed: %v", err)
	}
	if v.(int) != 8 {
		t.Errorf("state lost between calls: got %v", v)
	}
}

func TestVoidAndExceptionOverTCP(t *testing.T) {
	table := counterTable(t)
	addr := startPeer(t, table, &counterImpl{})

	ch, err := Dial("tcp", addr, table)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ch.Close()

	if v, err := ch.Invoke(context.Background(), "Touch"); err != nil || v != nil {
		t.Fatalf("Touch: got %v, %v", v, err)
	}

	_, err = ch.Invoke(context.Background(), "Fail")
	var re *codec.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RemoteError over the wire, got %T: %v", err, err)
	}
	if re.Message != "counter refused" {
		t.Errorf("message lost over TCP: %q", re.Message)
	}
}

// TestEventsBothDirections runs two symmetric channels over a pipe and
// forwards an event each way.
func TestEventsBothDirections(t *testing.T) {
	table := counterTable(t)
	p1, p2 := net.Pipe()

	chA := NewChannel(p1, table, WithImplementation(&counterImpl{}))
	chB := NewChannel(p2, table, WithImplementation(&counterImpl{}))
	chA.Start()
	chB.Start()
	defer chA.Close()
	defer chB.Close()

	// A fires, B observes
	gotAtB := make(chan int, 1)
	remote, err := chB.RemoteEvent("Ticked")
	if err != nil {
		t.Fatal(err)
	}
	remote.Add(func(arg any) { gotAtB <- arg.(int) })

	srcA := event.NewSource()
	if _, err := chA.Events().Bind("Ticked", srcA); err != nil {
		t.Fatalf("Bind on A failed: %v", err)
	}
	srcA.Raise(41)

	select {
	case v := <-gotAtB:
		if v != 41 {
			t.Errorf("B saw %d, want 41", v)
		}
	case <-time.After(time.Second):
		t.Fatal("event never reached B")
	}

	// B fires, A observes — same wire, opposite direction
	gotAtA := make(chan int, 1)
	remoteA, err := chA.RemoteEvent("Ticked")
	if err != nil {
		t.Fatal(err)
	}
	remoteA.Add(func(arg any) { gotAtA <- arg.(int) })

	srcB := event.NewSource()
	if _, err := chB.Events().Bind("Ticked", srcB); err != nil {
		t.Fatalf("Bind on B failed: %v", err)
	}
	srcB.Raise(17)

	select {
	case v := <-gotAtA:
		if v != 17 {
			t.Errorf("A saw %d, want 17", v)
		}
	case <-time.After(time.Second):
		t.Fatal("event never reached A")
	}
}

func TestCallsBothDirectionsOnOneConnection(t *testing.T) {
	table := counterTable(t)
	p1, p2 := net.Pipe()

	chA := NewChannel(p1, table, WithImplementation(&counterImpl{}))
	chB := NewChannel(p2, table, WithImplementation(&counterImpl{}))
	chA.Start()
	chB.Start()
	defer chA.Close()
	defer chB.Close()

	// The protocol is symmetric: either side may be the caller.
	if v, err := chA.Invoke(context.Background(), "Increment", 10); err != nil || v.(int) != 10 {
		t.Fatalf("A→B call: %v, %v", v, err)
	}
	if v, err := chB.Invoke(context.Background(), "Increment", 20); err != nil || v.(int) != 20 {
		t.Fatalf("B→A call: %v, %v", v, err)
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	table := counterTable(t)
	p1, _ := net.Pipe() // the far end never answers

	ch := NewChannel(p1, table)
	ch.Start()

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Invoke(context.Background(), "Touch")
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ch.Close()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("pending call survived channel close")
		}
	case <-time.After(time.Second):
		t.Fatal("pending call never resolved after close")
	}
}

func TestChannelWithoutImplementationRejectsNothing(t *testing.T) {
	table := counterTable(t)
	addr := startPeer(t, table, &counterImpl{})

	// A pure-client channel still invokes fine
	ch, err := Dial("tcp", addr, table)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	if v, err := ch.Invoke(context.Background(), "Increment", 1); err != nil || v.(int) != 1 {
		t.Fatalf("pure client call failed: %v, %v", v, err)
	}
}

func TestChannelHookSeesInboundChannels(t *testing.T) {
	table := counterTable(t)

	seen := make(chan *Channel, 1)
	addr := startPeer(t, table, &counterImpl{}, WithChannelHook(func(ch *Channel) {
		select {
		case seen <- ch:
		default:
		}
	}))

	ch, err := Dial("tcp", addr, table)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("hook never ran for the inbound channel")
	}
}
