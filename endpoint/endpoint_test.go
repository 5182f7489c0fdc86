package endpoint

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"postling/message"
	"postling/middleware"
	"postling/registry"
	"postling/transport"
)

const (
	parentOrigin = "https://parent.example"
	childOrigin  = "https://child.example"
)

type pair struct {
	parent, child   *Endpoint
	parentW, childW *transport.Window
	parentLogs      *observer.ObservedLogs
	childLogs       *observer.ObservedLogs
}

// newPair connects two endpoints through in-memory windows. tweak may adjust
// the parent config.
func newPair(t testing.TB, tweak func(*Config), opts ...transport.WindowOption) *pair {
	t.Helper()
	pw, cw := transport.NewPair(parentOrigin, childOrigin, opts...)
	pcore, plogs := observer.New(zap.DebugLevel)
	ccore, clogs := observer.New(zap.DebugLevel)

	pcfg := Config{Source: pw, Target: cw, Origin: childOrigin, Logger: zap.New(pcore)}
	if tweak != nil {
		tweak(&pcfg)
	}
	parent, err := New(pcfg)
	if err != nil {
		t.Fatal(err)
	}
	child, err := New(Config{Source: cw, Target: pw, Origin: parentOrigin, Logger: zap.New(ccore)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		parent.Close()
		child.Close()
	})
	return &pair{parent: parent, child: child, parentW: pw, childW: cw, parentLogs: plogs, childLogs: clogs}
}

func wait(t *testing.T, call *Call) *Call {
	t.Helper()
	select {
	case c := <-call.Done:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("call %s never settled", call.Name)
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func double(_ context.Context, args message.Args) (any, error) {
	var n int
	if err := args.Bind(0, &n); err != nil {
		return nil, err
	}
	return n * 2, nil
}

func TestInvokeDouble(t *testing.T) {
	p := newPair(t, nil)
	if c := wait(t, p.child.ExposeMethods(map[string]registry.Method{"double": double})); c.Error != nil {
		t.Fatal(c.Error)
	}

	var n int
	if err := p.parent.Call(context.Background(), &n, "double", 21); err != nil {
		t.Fatal(err)
	}
	if n != 42 {
		t.Fatalf("expect 42, got %d", n)
	}

	// The announcement reached the parent before it acknowledged.
	proxy, ok := p.parent.Remote("double")
	if !ok {
		t.Fatal("expect a proxy for double")
	}
	raw, err := proxy(context.Background(), 4)
	if err != nil || string(raw) != "8" {
		t.Fatalf("expect 8, got %s (%v)", raw, err)
	}
	if p.parent.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", p.parent.Pending())
	}
}

func TestConcurrentCallsOutOfOrder(t *testing.T) {
	p := newPair(t, nil, transport.WithJitter(5*time.Millisecond))
	echo := func(_ context.Context, args message.Args) (any, error) {
		var n int
		if err := args.Bind(0, &n); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(rand.IntN(10)) * time.Millisecond)
		return n, nil
	}
	wait(t, p.child.ExposeMethods(map[string]registry.Method{"echo": echo}))

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var got int
			if err := p.parent.Call(context.Background(), &got, "echo", i); err != nil {
				errs <- err
				return
			}
			if got != i {
				errs <- fmt.Errorf("expect %d, got %d", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestUnknownAndDuplicateResponsesIgnored(t *testing.T) {
	// The child window has no listener, so nothing answers on its own.
	pw, cw := transport.NewPair(parentOrigin, childOrigin)
	core, logs := observer.New(zap.DebugLevel)
	e, err := New(Config{
		Source: pw, Target: cw, Origin: childOrigin,
		IDs:    func() string { return "fixed" },
		Logger: zap.New(core),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	call := e.Go("anything")
	if e.Pending() != 1 {
		t.Fatalf("expect 1 pending call, got %d", e.Pending())
	}

	post := func(id string, result any) {
		env, err := message.NewResponse(id, result, nil)
		if err != nil {
			t.Fatal(err)
		}
		data, err := e.codec.Encode(env)
		if err != nil {
			t.Fatal(err)
		}
		if err := pw.PostMessage(data, transport.AnyOrigin); err != nil {
			t.Fatal(err)
		}
	}

	post("stranger", 1)
	waitFor(t, "unknown id log", func() bool { return logs.FilterMessage("response for unknown id").Len() == 1 })
	if e.Pending() != 1 {
		t.Fatal("unknown response must leave pending calls untouched")
	}

	post("fixed", 7)
	if c := wait(t, call); c.Error != nil || string(c.Result) != "7" {
		t.Fatalf("expect 7, got %s (%v)", c.Result, c.Error)
	}
	post("fixed", 8)
	waitFor(t, "duplicate log", func() bool { return logs.FilterMessage("response for unknown id").Len() == 2 })
	if string(call.Result) != "7" {
		t.Fatalf("duplicate response changed the result to %s", call.Result)
	}
}

func TestExposeDiscoverRemove(t *testing.T) {
	p := newPair(t, nil)
	noop := func(context.Context, message.Args) (any, error) { return nil, nil }
	wait(t, p.child.ExposeMethods(map[string]registry.Method{"b": noop, "a": noop}))

	names, err := p.parent.DiscoverMethods(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"a", "b"}) {
		t.Fatalf("expect [a b], got %v", names)
	}

	wait(t, p.child.ExposeMethods(map[string]registry.Method{"a": nil}))
	if got := p.parent.RemoteMethods(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("expect [b], got %v", got)
	}
	if _, ok := p.parent.Remote("a"); ok {
		t.Fatal("removed method must lose its proxy")
	}
	if got := p.child.Methods(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("expect local [b], got %v", got)
	}
}

func TestDiscoverEmpty(t *testing.T) {
	p := newPair(t, nil)
	names, err := p.parent.DiscoverMethods(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Fatalf("expect no methods, got %v", names)
	}
}

type limitError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *limitError) Error() string { return "limit reached: " + e.Reason }

func TestRemoteErrorFields(t *testing.T) {
	p := newPair(t, nil)
	fail := func(context.Context, message.Args) (any, error) {
		return nil, &limitError{Code: 429, Reason: "slow down"}
	}
	wait(t, p.child.ExposeMethods(map[string]registry.Method{"fail": fail}))

	_, err := p.parent.Invoke(context.Background(), "fail")
	var re *message.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expect a RemoteError, got %T %v", err, err)
	}
	if re.Message != "limit reached: slow down" || re.Kind != "endpoint.limitError" {
		t.Fatalf("unexpected error %+v", re)
	}
	if code, ok := re.Field("code"); !ok || code != float64(429) {
		t.Fatalf("expect code 429, got %v", code)
	}
	if reason, _ := re.Field("reason"); reason != "slow down" {
		t.Fatalf("expect reason, got %v", reason)
	}
}

func TestPanicBecomesError(t *testing.T) {
	p := newPair(t, nil)
	boom := func(context.Context, message.Args) (any, error) { panic("boom") }
	wait(t, p.child.ExposeMethods(map[string]registry.Method{"boom": boom}))

	_, err := p.parent.Invoke(context.Background(), "boom")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expect panic error, got %v", err)
	}
	if p.childLogs.FilterMessage("method panicked").Len() != 1 {
		t.Fatal("expect the panic to be logged")
	}
}

func TestPanicUnderTimeoutMiddleware(t *testing.T) {
	pw, cw := transport.NewPair(parentOrigin, childOrigin)
	parent, err := New(Config{Source: pw, Target: cw, Origin: childOrigin})
	if err != nil {
		t.Fatal(err)
	}
	defer parent.Close()
	child, err := New(Config{
		Source: cw, Target: pw, Origin: parentOrigin,
		Middlewares: []middleware.Middleware{middleware.TimeOutMiddleware(time.Second)},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer child.Close()

	boom := func(context.Context, message.Args) (any, error) { panic("boom") }
	wait(t, child.ExposeMethods(map[string]registry.Method{"boom": boom}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = parent.Invoke(ctx, "boom")
	var re *message.RemoteError
	if !errors.As(err, &re) || !strings.Contains(re.Message, "boom") {
		t.Fatalf("expect a remote panic error, got %v", err)
	}
}

func TestUnserializableResult(t *testing.T) {
	p := newPair(t, nil)
	bad := func(context.Context, message.Args) (any, error) { return make(chan int), nil }
	wait(t, p.child.ExposeMethods(map[string]registry.Method{"bad": bad}))

	_, err := p.parent.Invoke(context.Background(), "bad")
	var re *message.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expect a RemoteError, got %v", err)
	}
}

func TestMissingMethodNeverSettles(t *testing.T) {
	p := newPair(t, nil)
	call := p.parent.Go("missing")
	select {
	case <-call.Done:
		t.Fatalf("missing method settled with %v", call.Error)
	case <-time.After(200 * time.Millisecond):
	}
	if p.parent.Pending() != 1 {
		t.Fatalf("expect the call to stay pending, got %d", p.parent.Pending())
	}
	if p.childLogs.FilterMessage("invalid method").Len() != 1 {
		t.Fatal("expect an invalid method log on the callee")
	}
}

func TestInvokeContextCancel(t *testing.T) {
	p := newPair(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.parent.Invoke(ctx, "missing")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
	if p.parent.Pending() != 0 {
		t.Fatalf("cancelled call must be forgotten, %d pending", p.parent.Pending())
	}
}

func TestCallTimeout(t *testing.T) {
	p := newPair(t, func(c *Config) { c.CallTimeout = 50 * time.Millisecond })
	c := wait(t, p.parent.Go("missing"))
	if !errors.Is(c.Error, ErrCallTimeout) {
		t.Fatalf("expect ErrCallTimeout, got %v", c.Error)
	}
	if p.parent.Pending() != 0 {
		t.Fatalf("timed out call must be removed, %d pending", p.parent.Pending())
	}
}

func TestExposeReservedName(t *testing.T) {
	p := newPair(t, nil)
	c := wait(t, p.child.ExposeMethods(map[string]registry.Method{"__secret__": double}))
	if !errors.Is(c.Error, registry.ErrReservedName) {
		t.Fatalf("expect ErrReservedName, got %v", c.Error)
	}
	if len(p.child.Methods()) != 0 {
		t.Fatal("nothing must be exposed")
	}
}

func TestOriginFilter(t *testing.T) {
	// The parent addresses a different origin, so the child never sees it.
	// Its replies would be dropped the same way, so the child's table is
	// filled without announcing.
	p := newPair(t, func(c *Config) { c.Origin = "https://elsewhere.example" })
	if err := p.child.methods.Set(map[string]registry.Method{"double": double}); err != nil {
		t.Fatal(err)
	}

	call := p.parent.Go("double", 1)
	select {
	case <-call.Done:
		t.Fatal("request must not cross the origin filter")
	case <-time.After(100 * time.Millisecond):
	}
	if p.childW.Dropped() == 0 {
		t.Fatal("expect the child window to drop the request")
	}
}

func TestCloseStopsProcessing(t *testing.T) {
	p := newPair(t, nil)
	wait(t, p.child.ExposeMethods(map[string]registry.Method{"double": double}))

	if err := p.child.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.child.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if p.childW.Listeners() != 0 {
		t.Fatal("expect the listener to be removed")
	}
	if c := wait(t, p.child.Go("double", 1)); !errors.Is(c.Error, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", c.Error)
	}

	call := p.parent.Go("double", 1)
	select {
	case <-call.Done:
		t.Fatal("closed endpoint must not answer")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPostFailureSettles(t *testing.T) {
	p := newPair(t, nil)
	p.childW.Close()
	c := wait(t, p.parent.Go("double", 1))
	if !errors.Is(c.Error, transport.ErrClosed) {
		t.Fatalf("expect transport.ErrClosed, got %v", c.Error)
	}
	if p.parent.Pending() != 0 {
		t.Fatal("failed post must not leave a pending call")
	}
}

type Args struct{ A, B int }

type Reply struct{ Result int }

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Divide(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

func TestExposeReceiver(t *testing.T) {
	p := newPair(t, nil)
	call, err := p.child.Expose(&Arith{})
	if err != nil {
		t.Fatal(err)
	}
	wait(t, call)

	var reply Reply
	if err := p.parent.Call(context.Background(), &reply, "Add", Args{A: 10, B: 20}); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 30 {
		t.Fatalf("expect 30, got %d", reply.Result)
	}

	err = p.parent.Call(context.Background(), &reply, "Divide", Args{A: 1})
	if err == nil || err.Error() != "divide by zero" {
		t.Fatalf("expect divide by zero, got %v", err)
	}

	if _, err := p.child.Expose(Arith{}); err == nil {
		t.Fatal("expect an error for a non-pointer receiver")
	}
}

func TestBothSidesExpose(t *testing.T) {
	p := newPair(t, nil)
	wait(t, p.child.ExposeMethods(map[string]registry.Method{"double": double}))
	triple := func(_ context.Context, args message.Args) (any, error) {
		var n int
		if err := args.Bind(0, &n); err != nil {
			return nil, err
		}
		return n * 3, nil
	}
	wait(t, p.parent.ExposeMethods(map[string]registry.Method{"triple": triple}))

	var a, b int
	if err := p.parent.Call(context.Background(), &a, "double", 5); err != nil {
		t.Fatal(err)
	}
	if err := p.child.Call(context.Background(), &b, "triple", 5); err != nil {
		t.Fatal(err)
	}
	if a != 10 || b != 15 {
		t.Fatalf("expect 10 and 15, got %d and %d", a, b)
	}
}

func TestDirectoryPublishWithdraw(t *testing.T) {
	dir := registry.NewMemoryDirectory()
	pw, cw := transport.NewPair(parentOrigin, childOrigin)
	e, err := New(Config{Source: cw, Target: pw, Origin: parentOrigin, Directory: dir, Name: "child"})
	if err != nil {
		t.Fatal(err)
	}

	e.ExposeMethods(map[string]registry.Method{"double": double})
	names, err := dir.Lookup(context.Background(), "child")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"double"}) {
		t.Fatalf("expect [double], got %v", names)
	}

	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := dir.Lookup(context.Background(), "child"); !errors.Is(err, registry.ErrNotPublished) {
		t.Fatalf("expect ErrNotPublished after close, got %v", err)
	}
}
