package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Reserved wire keys of a serialized RemoteError.
const (
	keyKind    = "kind"
	keyMessage = "message"
)

// RemoteError is the plain-data form of an error that crossed the channel.
// Only data survives the boundary: the error's Go type and wrapped chain stay on
// the side that produced it.
//
// On the wire it is a flat JSON object holding "kind", "message" and every entry
// of Fields.
type RemoteError struct {
	Kind    string
	Message string
	Fields  map[string]any
}

func (e *RemoteError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Kind != "":
		return e.Kind
	default:
		return "remote error"
	}
}

// Field returns a single diagnostic field.
func (e *RemoteError) Field(key string) (any, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

func (e *RemoteError) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		m[k] = v
	}
	if e.Kind != "" {
		m[keyKind] = e.Kind
	}
	if e.Message != "" {
		m[keyMessage] = e.Message
	}
	return json.Marshal(m)
}

func (e *RemoteError) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*e = RemoteError{}
	if s, ok := m[keyKind].(string); ok {
		e.Kind = s
		delete(m, keyKind)
	}
	if s, ok := m[keyMessage].(string); ok {
		e.Message = s
		delete(m, keyMessage)
	}
	if len(m) > 0 {
		e.Fields = m
	}
	return nil
}

// ToRemoteError reduces err to plain data.
//
// Message is always err.Error(), so wrapping context survives. The fields come
// from the first error in the chain whose exported, JSON-visible fields are not
// empty; errors implementing ErrorFields() contribute theirs on top. A
// RemoteError in the chain lends its Kind and Fields; returned as is when it is
// err itself.
func ToRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	if re, ok := err.(*RemoteError); ok {
		return re
	}

	out := &RemoteError{Message: err.Error()}
	fields := map[string]any{}
	source := err

	var inner *RemoteError
	if errors.As(err, &inner) {
		out.Kind = inner.Kind
		maps.Copy(fields, inner.Fields)
	} else {
		for e := err; e != nil; e = errors.Unwrap(e) {
			if f := jsonFields(e); len(f) > 0 {
				fields, source = f, e
				break
			}
		}
	}
	var fe interface{ ErrorFields() map[string]any }
	if errors.As(err, &fe) {
		maps.Copy(fields, fe.ErrorFields())
	}
	if out.Kind == "" {
		out.Kind = errorKind(err, source)
	}

	delete(fields, keyKind)
	delete(fields, keyMessage)
	if len(fields) > 0 {
		out.Fields = fields
	}
	return out
}

func jsonFields(err error) map[string]any {
	b, merr := json.Marshal(err)
	if merr != nil {
		return nil
	}
	var fields map[string]any
	if json.Unmarshal(b, &fields) != nil {
		return nil
	}
	return fields
}

// errorKind prefers a Kind() method anywhere in the chain, then the type of
// the error that supplied the fields.
func errorKind(err, source error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", source), "*")
}
