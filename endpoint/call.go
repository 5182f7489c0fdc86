package endpoint

import (
	"encoding/json"

	"postling/message"
)

// Call represents an outbound request. Done receives the call once it settles.
type Call struct {
	ID     string
	Name   string
	Args   message.Args
	Result json.RawMessage // raw result, nil when the method returned nothing
	Error  error           // *message.RemoteError when the remote method failed
	Done   chan *Call
}

func newCall(name string) *Call {
	return &Call{Name: name, Done: make(chan *Call, 1)}
}

func (c *Call) settle(result json.RawMessage, err error) {
	c.Result = result
	c.Error = err
	select {
	case c.Done <- c:
	default:
	}
}

// Decode unmarshals the result into v. A call without result leaves v as is.
func (c *Call) Decode(v any) error {
	if c.Error != nil {
		return c.Error
	}
	if len(c.Result) == 0 {
		return nil
	}
	return json.Unmarshal(c.Result, v)
}
