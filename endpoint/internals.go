package endpoint

import (
	"context"

	"postling/message"
	"postling/registry"
)

// Method names the two endpoints use to exchange their method tables.
const (
	methodSetMethods = "__setMethods__"
	methodGetMethods = "__getMethods__"
)

// callKind is decided from the request name before any table lookup, so a
// user method can never shadow an internal one.
type callKind int

const (
	callUser callKind = iota
	callSetMethods
	callGetMethods
	callReserved
)

func (k callKind) String() string {
	switch k {
	case callUser:
		return "user"
	case callSetMethods:
		return "setMethods"
	case callGetMethods:
		return "getMethods"
	default:
		return "reserved"
	}
}

func classify(name string) callKind {
	switch {
	case name == methodSetMethods:
		return callSetMethods
	case name == methodGetMethods:
		return callGetMethods
	case registry.IsReserved(name):
		return callReserved
	default:
		return callUser
	}
}

// setMethods replaces the remote proxies with the names the peer announced.
func (e *Endpoint) setMethods(_ context.Context, args message.Args) (any, error) {
	var names []string
	if args.Len() > 0 {
		if err := args.Bind(0, &names); err != nil {
			return nil, err
		}
	}
	e.setRemote(names)
	return nil, nil
}

// getMethods re-announces the local table and, once the peer has it, answers
// with the same names.
func (e *Endpoint) getMethods(ctx context.Context, _ message.Args) (any, error) {
	names := e.methods.Names()
	call := e.announce(names)
	select {
	case <-call.Done:
		if call.Error != nil {
			return nil, call.Error
		}
	case <-ctx.Done():
		e.pending.Forget(call.ID)
		return nil, ctx.Err()
	}
	return names, nil
}
