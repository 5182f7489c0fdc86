package endpoint

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"postling/codec"
	"postling/message"
	"postling/middleware"
)

// onMessage is subscribed on the source. It must return quickly: local methods
// run on their own goroutine.
func (e *Endpoint) onMessage(data string) {
	if e.closed.Load() {
		return
	}
	env, err := e.codec.Decode(data)
	if err != nil {
		if !errors.Is(err, codec.ErrForeign) {
			e.logger.Error("malformed envelope", zap.Error(err))
		}
		return
	}

	switch env.Type {
	case message.MsgTypeResponse:
		e.onResponse(env)
	case message.MsgTypeRequest:
		e.onRequest(env)
	}
}

func (e *Endpoint) onResponse(env *message.Envelope) {
	resp, err := env.Response()
	if err != nil {
		if !e.pending.Resolve(env.ID, nil, err) {
			e.logger.Debug("malformed response for unknown id", zap.String("id", env.ID), zap.Error(err))
		}
		return
	}

	var rerr error
	if resp.Error != nil {
		rerr = resp.Error
	}
	if !e.pending.Resolve(env.ID, resp.Result, rerr) {
		e.logger.Debug("response for unknown id", zap.String("id", env.ID))
	}
}

func (e *Endpoint) onRequest(env *message.Envelope) {
	req, err := env.Request()
	if err != nil {
		e.logger.Error("malformed request", zap.String("id", env.ID), zap.Error(err))
		return
	}
	if req.Name == "" {
		e.logger.Error("invalid call", zap.String("id", env.ID))
		return
	}

	inv := &middleware.Invocation{ID: env.ID, Name: req.Name, Args: req.Args}
	var handler middleware.HandlerFunc
	switch kind := classify(req.Name); kind {
	case callSetMethods:
		handler = e.internal(e.setMethods)
	case callGetMethods:
		handler = e.internal(e.getMethods)
	case callUser:
		if _, ok := e.methods.Get(req.Name); !ok {
			e.logger.Error("invalid method", zap.String("method", req.Name), zap.String("id", env.ID))
			return
		}
		handler = e.handler
	default:
		e.logger.Error("invalid method", zap.String("method", req.Name), zap.String("id", env.ID),
			zap.Stringer("kind", kind))
		return
	}

	go e.serve(handler, inv)
}

// internal adapts an internal method; these skip the user middleware chain.
func (e *Endpoint) internal(fn func(context.Context, message.Args) (any, error)) middleware.HandlerFunc {
	return func(ctx context.Context, inv *middleware.Invocation) (any, error) {
		return fn(ctx, inv.Args)
	}
}

// callMethod is the innermost handler of the middleware chain. It recovers on
// its own: middlewares may run it on another goroutine than serve.
func (e *Endpoint) callMethod(ctx context.Context, inv *middleware.Invocation) (result any, err error) {
	fn, ok := e.methods.Get(inv.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodGone, inv.Name)
	}
	defer e.recoverInto(inv, &result, &err)
	return fn(ctx, inv.Args)
}

func (e *Endpoint) serve(handler middleware.HandlerFunc, inv *middleware.Invocation) {
	result, err := e.run(handler, inv)

	env, eerr := message.NewResponse(inv.ID, result, err)
	if eerr != nil {
		e.logger.Warn("result not serializable", zap.String("method", inv.Name), zap.Error(eerr))
		env, eerr = message.NewResponse(inv.ID, nil, eerr)
		if eerr != nil {
			e.logger.Error("encode response", zap.String("method", inv.Name), zap.Error(eerr))
			return
		}
	}
	data, eerr := e.codec.Encode(env)
	if eerr != nil {
		e.logger.Error("encode response", zap.String("method", inv.Name), zap.Error(eerr))
		return
	}
	if perr := e.cfg.Target.PostMessage(data, e.cfg.Origin); perr != nil {
		e.logger.Warn("send response failed", zap.String("method", inv.Name), zap.String("id", inv.ID), zap.Error(perr))
	}
}

// run invokes handler with a panic turned into an error.
func (e *Endpoint) run(handler middleware.HandlerFunc, inv *middleware.Invocation) (result any, err error) {
	defer e.recoverInto(inv, &result, &err)
	return handler(e.ctx, inv)
}

func (e *Endpoint) recoverInto(inv *middleware.Invocation, result *any, err *error) {
	if r := recover(); r != nil {
		e.logger.Error("method panicked", zap.String("method", inv.Name), zap.Any("panic", r))
		*result, *err = nil, fmt.Errorf("endpoint: %s panicked: %v", inv.Name, r)
	}
}
