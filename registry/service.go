package registry

import (
	"context"
	"fmt"
	"reflect"

	"postling/message"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Reflect builds a method table from a receiver such as &Arith{}.
//
// Every exported method shaped like
//
//	func (t *T) Name(args *A, reply *R) error
//
// becomes a Method named "Name". The first positional argument of a call is
// decoded into *A; *R is the result.
func Reflect(rcvr any) (map[string]Method, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("registry: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("registry: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	rcvrv := reflect.ValueOf(rcvr)

	methods := make(map[string]Method)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if m.Type.NumIn() != 3 || m.Type.NumOut() != 1 || m.Type.Out(0) != errorType ||
			m.Type.In(1).Kind() != reflect.Ptr || m.Type.In(2).Kind() != reflect.Ptr {
			continue
		}
		if IsReserved(m.Name) {
			continue
		}
		mt := &methodType{
			method:    m,
			ArgType:   m.Type.In(1).Elem(),
			ReplyType: m.Type.In(2).Elem(),
		}
		methods[m.Name] = mt.bind(rcvrv)
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("registry: type %s has no exported methods of suitable type", typ)
	}
	return methods, nil
}

func (mt *methodType) bind(rcvr reflect.Value) Method {
	return func(_ context.Context, args message.Args) (any, error) {
		argv := reflect.New(mt.ArgType)
		replyv := reflect.New(mt.ReplyType)
		if args.Len() > 0 {
			if err := args.Bind(0, argv.Interface()); err != nil {
				return nil, err
			}
		}
		results := mt.method.Func.Call([]reflect.Value{rcvr, argv, replyv})
		if !results[0].IsNil() {
			return nil, results[0].Interface().(error)
		}
		return replyv.Interface(), nil
	}
}
