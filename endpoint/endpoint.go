// Package endpoint implements one side of a bidirectional RPC session over a
// string channel.
//
// Both sides run an Endpoint. Each exposes methods the other may call, and each
// may call the other's methods:
//
//	Go/Invoke → pending.Register(id) → codec.Encode → Target.PostMessage
//	                                                        │
//	Source listener ← codec.Decode ← ─ ─ ─ ─ ─ ─ ─ ─ ─ ─ ─ ─┘  (remote side)
//	  → REQUEST:  classify → method (own goroutine) → RESPONSE{result|error}
//	  → RESPONSE: pending.Resolve(id) → caller's Call settles
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"postling/codec"
	"postling/idgen"
	"postling/message"
	"postling/middleware"
	"postling/pending"
	"postling/registry"
	"postling/transport"
)

var (
	ErrClosed      = errors.New("endpoint: closed")
	ErrCallTimeout = errors.New("endpoint: call timed out")
	// ErrMethodGone is returned to the caller when a method is removed while a
	// request for it is being dispatched.
	ErrMethodGone = errors.New("endpoint: method removed")
)

// directoryTimeout bounds every directory round trip.
const directoryTimeout = 5 * time.Second

// Proxy calls a method of the remote side.
type Proxy func(ctx context.Context, args ...any) (json.RawMessage, error)

// Endpoint owns its pending calls and method table; they are never shared.
type Endpoint struct {
	cfg     Config
	codec   codec.Codec
	ids     idgen.Generator
	logger  *zap.Logger
	pending *pending.Registry
	methods *registry.Methods
	handler middleware.HandlerFunc // middleware chain around user methods

	remoteMu sync.RWMutex
	remote   map[string]Proxy // stand-ins for the peer's methods

	sub       transport.Subscription
	ctx       context.Context // cancelled on Close; parent of every local invocation
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

// New validates cfg and attaches the endpoint to cfg.Source.
func New(cfg Config) (*Endpoint, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &Endpoint{
		cfg:     cfg,
		codec:   codec.GetCodec(cfg.Codec),
		ids:     cfg.IDs,
		logger:  cfg.Logger,
		pending: pending.New(),
		methods: registry.NewMethods(),
		remote:  make(map[string]Proxy),
	}
	if e.ids == nil {
		e.ids = idgen.Base36
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.handler = middleware.Chain(cfg.Middlewares...)(e.callMethod)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.sub = cfg.Source.Subscribe(e.onMessage)
	return e, nil
}

// Go calls the remote method name asynchronously. The returned Call's Done
// channel receives it once the call settles.
func (e *Endpoint) Go(name string, args ...any) *Call {
	call := newCall(name)
	if e.closed.Load() {
		call.settle(nil, ErrClosed)
		return call
	}
	a, err := message.NewArgs(args...)
	if err != nil {
		call.settle(nil, err)
		return call
	}
	call.Args = a
	e.send(call)
	return call
}

func (e *Endpoint) send(call *Call) {
	id := e.ids()
	call.ID = id

	env, err := (&message.Request{Name: call.Name, Args: call.Args}).Envelope(id)
	if err != nil {
		call.settle(nil, err)
		return
	}
	data, err := e.codec.Encode(env)
	if err != nil {
		call.settle(nil, err)
		return
	}

	if err := e.pending.Register(id, call.settle); err != nil {
		call.settle(nil, err)
		return
	}
	if e.cfg.CallTimeout > 0 {
		// Resolving an already settled id is a no-op, so the timer is never stopped.
		time.AfterFunc(e.cfg.CallTimeout, func() {
			e.pending.Resolve(id, nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, call.Name, e.cfg.CallTimeout))
		})
	}

	e.logger.Debug("request sent", zap.String("method", call.Name), zap.String("id", id))
	if err := e.cfg.Target.PostMessage(data, e.cfg.Origin); err != nil {
		// Settle here unless a response already beat us to it.
		if e.pending.Forget(id) {
			call.settle(nil, fmt.Errorf("endpoint: post %s: %w", call.Name, err))
		}
	}
}

// Invoke calls the remote method name and waits for its result. If ctx ends
// first, the call is abandoned: a late response is ignored.
func (e *Endpoint) Invoke(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	call := e.Go(name, args...)
	select {
	case <-call.Done:
		return call.Result, call.Error
	case <-ctx.Done():
		if e.pending.Forget(call.ID) {
			return nil, ctx.Err()
		}
		<-call.Done
		return call.Result, call.Error
	}
}

// Call invokes name and decodes the result into reply.
func (e *Endpoint) Call(ctx context.Context, reply any, name string, args ...any) error {
	result, err := e.Invoke(ctx, name, args...)
	if err != nil {
		return err
	}
	if reply == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, reply); err != nil {
		return fmt.Errorf("endpoint: decode %s result: %w", name, err)
	}
	return nil
}

// ExposeMethods merges methods into the local table (a nil Method removes its
// name) and announces the full name list to the peer. The returned Call
// settles when the peer acknowledges.
func (e *Endpoint) ExposeMethods(methods map[string]registry.Method) *Call {
	if err := e.methods.Set(methods); err != nil {
		call := newCall(methodSetMethods)
		call.settle(nil, err)
		return call
	}
	names := e.methods.Names()
	e.publish(names)
	return e.announce(names)
}

// Expose exposes the RPC-shaped methods of rcvr; see registry.Reflect.
func (e *Endpoint) Expose(rcvr any) (*Call, error) {
	methods, err := registry.Reflect(rcvr)
	if err != nil {
		return nil, err
	}
	return e.ExposeMethods(methods), nil
}

// DiscoverMethods asks the peer to announce its methods and returns their names.
// The peer's proxies are refreshed as a side effect.
func (e *Endpoint) DiscoverMethods(ctx context.Context) ([]string, error) {
	var names []string
	if err := e.Call(ctx, &names, methodGetMethods); err != nil {
		return nil, err
	}
	return names, nil
}

// Remote returns the proxy for a method the peer announced.
func (e *Endpoint) Remote(name string) (Proxy, bool) {
	e.remoteMu.RLock()
	defer e.remoteMu.RUnlock()
	p, ok := e.remote[name]
	return p, ok
}

// RemoteMethods returns the names the peer last announced, sorted.
func (e *Endpoint) RemoteMethods() []string {
	e.remoteMu.RLock()
	names := make([]string, 0, len(e.remote))
	for name := range e.remote {
		names = append(names, name)
	}
	e.remoteMu.RUnlock()
	sort.Strings(names)
	return names
}

// Methods returns the locally exposed method names, sorted.
func (e *Endpoint) Methods() []string {
	return e.methods.Names()
}

// Pending returns the number of outbound calls waiting for a response.
func (e *Endpoint) Pending() int {
	return e.pending.Len()
}

// Close detaches the endpoint from its source and cancels the context of
// running local methods. Outbound calls still pending stay unsettled unless
// CallTimeout is set.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.sub.Unsubscribe()
		e.cancel()
		if e.cfg.Directory != nil {
			ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
			defer cancel()
			err = e.cfg.Directory.Withdraw(ctx, e.cfg.Name)
		}
		e.logger.Debug("endpoint closed", zap.Int("pending", e.pending.Len()))
	})
	return err
}

func (e *Endpoint) announce(names []string) *Call {
	return e.Go(methodSetMethods, names)
}

func (e *Endpoint) setRemote(names []string) {
	remote := make(map[string]Proxy, len(names))
	for _, name := range names {
		remote[name] = func(ctx context.Context, args ...any) (json.RawMessage, error) {
			return e.Invoke(ctx, name, args...)
		}
	}
	e.remoteMu.Lock()
	e.remote = remote
	e.remoteMu.Unlock()
}

func (e *Endpoint) publish(names []string) {
	if e.cfg.Directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, directoryTimeout)
	defer cancel()
	if err := e.cfg.Directory.Publish(ctx, e.cfg.Name, names); err != nil {
		e.logger.Warn("directory publish failed", zap.String("endpoint", e.cfg.Name), zap.Error(err))
	}
}
