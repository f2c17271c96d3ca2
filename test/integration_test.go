package test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"nettalk/bufpool"
	"nettalk/client"
	"nettalk/codec"
	"nettalk/descriptor"
	"nettalk/event"
	"nettalk/middleware"
	"nettalk/protocol"
	"nettalk/server"
	"nettalk/transport"
)

// ---- shared interface definition both peers are built against ----

type Calculator interface {
	Add(a, b int) (int, error)
	Divide(a, b int) (int, error)
	Reset() error
}

type Computed struct {
	Result int `json:"result"`
}

type calcService struct {
	mu       sync.Mutex
	computed *event.Source // fired after every successful Add
}

func (c *calcService) Add(a, b int) (int, error) {
	sum := a + b
	if c.computed != nil {
		c.computed.Raise(Computed{Result: sum})
	}
	return sum, nil
}

func (c *calcService) Divide(a, b int) (int, error) {
	if b == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	return a / b, nil
}

func (c *calcService) Reset() error { return nil }

func calcTable(t testing.TB) *descriptor.Table {
	t.Helper()
	table, err := descriptor.New(reflect.TypeOf((*Calculator)(nil)).Elem(),
		descriptor.EventDef{Name: "Computed", ArgType: reflect.TypeOf(Computed{})},
	)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

// CalculatorStub is the hand-written proxy: an implementation of Calculator
// whose method bodies route through the invoker, standing in for a generated
// one.
type CalculatorStub struct {
	ch *transport.Channel
}

func (s *CalculatorStub) Add(a, b int) (int, error) {
	v, err := s.ch.Invoke(context.Background(), "Add", a, b)
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *CalculatorStub) Divide(a, b int) (int, error) {
	v, err := s.ch.Invoke(context.Background(), "Divide", a, b)
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *CalculatorStub) Reset() error {
	_, err := s.ch.Invoke(context.Background(), "Reset")
	return err
}

var _ Calculator = (*CalculatorStub)(nil)

// TestEndToEndWireScenario is the canonical scenario at the frame level:
// an interface with Add(int,int)->int, a call with callbackId=42, and the
// executer's response decoding back to callbackId 42 and result 5 — without
// any transport in between.
func TestEndToEndWireScenario(t *testing.T) {
	table := calcTable(t)
	pool := bufpool.New(8)
	ser := &codec.JSONSerializer{}
	proto := &protocol.Codec{CustomOffset: 4}
	exec := server.NewExecuter(table, &calcService{}, pool, ser, proto)

	// Build the Call frame exactly as the invoker would for callbackId 42
	add, _ := table.MethodByName("Add")
	frame := make([]byte, 1024)
	proto.EncodeCallHeader(frame, 42, add.ID)
	offset := proto.ParamsOffset(2)
	for i, arg := range []int{2, 3} {
		_, n, err := ser.Serialize(add.ParamTypes[i], frame, offset, arg)
		if err != nil {
			t.Fatal(err)
		}
		proto.PutParamLength(frame, i, uint32(n))
		offset += n
	}

	seg, err := exec.ReceiveData(context.Background(), frame[:offset])
	if err != nil {
		t.Fatalf("ReceiveData failed: %v", err)
	}
	defer seg.Release()

	callbackID, rt, err := proto.DecodeReturnHeader(seg.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if callbackID != 42 {
		t.Errorf("callbackID mismatch: got %d, want 42", callbackID)
	}
	if rt != protocol.ResponseResultReturned {
		t.Fatalf("expected ResultReturned, got %d", rt)
	}
	payload := seg.Bytes()[proto.ReturnHeaderSize():]
	v, err := ser.Deserialize(reflect.TypeOf(0), payload, 0, len(payload))
	if err != nil {
		t.Fatal(err)
	}
	if v.(int) != 5 {
		t.Errorf("Add(2,3) over the wire: got %v, want 5", v)
	}
}

// TestFullStack runs two real peers over TCP: stub → invoker → frames →
// executer → implementation, with events flowing back.
func TestFullStack(t *testing.T) {
	table := calcTable(t)

	// Server peer: implementation plus its Computed event bound for
	// forwarding on every inbound channel.
	svc := &calcService{computed: event.NewSource()}
	lis, err := transport.Listen("tcp", "127.0.0.1:0", table,
		transport.WithImplementation(svc),
		transport.WithInterceptors(middleware.Timeout(5*time.Second)),
		transport.WithChannelHook(func(ch *transport.Channel) {
			ch.Events().Bind("Computed", svc.computed)
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	go lis.Serve("", "", nil)
	defer lis.Shutdown(time.Second)

	// Client peer
	ch, err := transport.Dial("tcp", lis.Addr().String(), table)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	fired := make(chan Computed, 8)
	remote, err := ch.RemoteEvent("Computed")
	if err != nil {
		t.Fatal(err)
	}
	remote.Add(func(arg any) { fired <- arg.(Computed) })

	calc := &CalculatorStub{ch: ch}

	// Plain call through the stub
	sum, err := calc.Add(3, 5)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if sum != 8 {
		t.Fatalf("Add(3,5): got %d, want 8", sum)
	}

	// The server's event firing must arrive as a typed local raise
	select {
	case ev := <-fired:
		if ev.Result != 8 {
			t.Errorf("event carried %d, want 8", ev.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("Computed event never arrived")
	}

	// Remote exception reconstructs with its message
	_, err = calc.Divide(1, 0)
	var re *codec.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RemoteError, got %T: %v", err, err)
	}
	if re.Message != "division by zero" {
		t.Errorf("message lost: %q", re.Message)
	}

	// Void method
	if err := calc.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
}

// TestManyConcurrentCallers hammers one connection with parallel stub calls;
// correlation must route every response to its caller.
func TestManyConcurrentCallers(t *testing.T) {
	table := calcTable(t)
	lis, err := transport.Listen("tcp", "127.0.0.1:0", table,
		transport.WithImplementation(&calcService{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	go lis.Serve("", "", nil)
	defer lis.Shutdown(time.Second)

	ch, err := transport.Dial("tcp", lis.Addr().String(), table)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	calc := &CalculatorStub{ch: ch}

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				sum, err := calc.Add(base, i)
				if err != nil {
					t.Errorf("Add failed: %v", err)
					return
				}
				if sum != base+i {
					t.Errorf("Add(%d,%d): got %d", base, i, sum)
				}
			}
		}(g)
	}
	wg.Wait()
}

// TestNotImplementedAcrossVersions simulates peers built against diverging
// interface definitions: the caller knows a method the server does not.
func TestNotImplementedAcrossVersions(t *testing.T) {
	type CalculatorV2 interface {
		Add(a, b int) (int, error)
		Divide(a, b int) (int, error)
		Reset() error
		Modulo(a, b int) (int, error)
	}

	serverTable := calcTable(t)
	callerTable, err := descriptor.New(reflect.TypeOf((*CalculatorV2)(nil)).Elem())
	if err != nil {
		t.Fatal(err)
	}

	lis, err := transport.Listen("tcp", "127.0.0.1:0", serverTable,
		transport.WithImplementation(&calcService{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	go lis.Serve("", "", nil)
	defer lis.Shutdown(time.Second)

	ch, err := transport.Dial("tcp", lis.Addr().String(), callerTable)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	// Shared methods still work — their ids hash identically
	if v, err := ch.Invoke(context.Background(), "Add", 1, 2); err != nil || v.(int) != 3 {
		t.Fatalf("shared method broken across versions: %v, %v", v, err)
	}

	// The extra method maps to MethodNotImplemented, not a misroute
	_, err = ch.Invoke(context.Background(), "Modulo", 7, 3)
	if !errors.Is(err, client.ErrNotImplementedByPeer) {
		t.Fatalf("expected ErrNotImplementedByPeer, got %v", err)
	}
}
