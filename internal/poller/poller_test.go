package poller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"modbus-term/internal/catalogue"
	"modbus-term/internal/codec"
	"modbus-term/internal/script"
	"modbus-term/internal/snapshot"
	"modbus-term/internal/transport"
)

type fakeTransport struct {
	connectErr error
	executeFn  func(req transport.Request) (transport.Response, error)
	connects   int32
	executes   int32
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	atomic.AddInt32(&f.connects, 1)
	return f.connectErr
}

func (f *fakeTransport) Disconnect() error { return nil }

func (f *fakeTransport) Execute(ctx context.Context, req transport.Request, timeout time.Duration) (transport.Response, error) {
	atomic.AddInt32(&f.executes, 1)
	return f.executeFn(req)
}

func buildCounterCatalogue(t *testing.T) *catalogue.Catalogue {
	t.Helper()
	defs := []catalogue.Definition{
		{Name: "counter", SlaveID: 1, Function: catalogue.FuncHoldingRegister, Address: 0, Length: 1, Access: catalogue.ReadOnly, Type: codec.U16},
	}
	cat, err := catalogue.Build(defs, nil)
	if err != nil {
		t.Fatalf("build catalogue: %v", err)
	}
	return cat
}

func TestPollerPollsAndUpdatesSnapshot(t *testing.T) {
	cat := buildCounterCatalogue(t)
	store := snapshot.New([]string{"counter"}, 5)
	queue := snapshot.NewWriteQueue()

	tr := &fakeTransport{
		executeFn: func(req transport.Request) (transport.Response, error) {
			return transport.Response{Function: req.Function, Data: []byte{0x00, 0x2A}}, nil
		},
	}

	p := New(tr, cat, store, queue, nil, Config{IntervalMs: 10, TimeoutMs: 100, DelayAfterConnect: 0}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e, ok := store.Get("counter"); ok && e.Value != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	e, ok := store.Get("counter")
	if !ok || e.Value == nil {
		t.Fatal("expected counter to be populated")
	}

	p.Shutdown()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not shut down in time")
	}
}

func TestPollerReconnectsOnConnectError(t *testing.T) {
	cat := buildCounterCatalogue(t)
	store := snapshot.New([]string{"counter"}, 1)
	queue := snapshot.NewWriteQueue()

	attempts := int32(0)
	tr := &fakeTransport{
		executeFn: func(req transport.Request) (transport.Response, error) {
			return transport.Response{Function: req.Function, Data: []byte{0x00, 0x01}}, nil
		},
	}
	origConnect := func() error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return context.DeadlineExceeded
		}
		return nil
	}
	tr.connectErr = nil
	wrapped := &conditionalConnectTransport{fakeTransport: tr, connect: origConnect}

	p := New(wrapped, cat, store, queue, nil, Config{IntervalMs: 10, TimeoutMs: 50, DelayAfterConnect: 0, ReconnectBackoffMs: 5}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&attempts) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&attempts) < 3 {
		t.Fatalf("expected at least 3 connect attempts, got %d", attempts)
	}

	p.Shutdown()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not shut down in time")
	}
}

type conditionalConnectTransport struct {
	*fakeTransport
	connect func() error
}

func (c *conditionalConnectTransport) Connect(ctx context.Context) error {
	return c.connect()
}

func TestPollerOnUpdateScriptRuns(t *testing.T) {
	compiled, err := script.Compile(`C_Register.Set("derived", C_Register.GetInt("counter") * 2)`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	defs := []catalogue.Definition{
		{Name: "counter", SlaveID: 1, Function: catalogue.FuncHoldingRegister, Address: 0, Length: 1, Access: catalogue.ReadOnly, Type: codec.U16, OnUpdate: `C_Register.Set("derived", C_Register.GetInt("counter") * 2)`},
		{Name: "derived", SlaveID: 1, Function: catalogue.FuncHoldingRegister, Address: 1, Length: 1, Access: catalogue.ReadWrite, Type: codec.U16, Virtual: true},
	}
	cat, err := catalogue.Build(defs, nil)
	if err != nil {
		t.Fatalf("build catalogue: %v", err)
	}

	store := snapshot.New([]string{"counter", "derived"}, 1)
	queue := snapshot.NewWriteQueue()

	tr := &fakeTransport{
		executeFn: func(req transport.Request) (transport.Response, error) {
			return transport.Response{Function: req.Function, Data: []byte{0x00, 0x07}}, nil
		},
	}

	scripts := map[string]*script.Compiled{"counter": compiled}
	p := New(tr, cat, store, queue, scripts, Config{IntervalMs: 10, TimeoutMs: 50, EnableScript: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	var derived float64
	for time.Now().Before(deadline) {
		if e, ok := store.Get("derived"); ok && e.Value != nil {
			derived, _ = e.Value.(float64)
			if derived != 0 {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if derived != 14 {
		t.Fatalf("derived = %v, want 14", derived)
	}

	p.Shutdown()
	<-p.Done()
}
