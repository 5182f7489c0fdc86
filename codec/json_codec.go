package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"postling/message"
	"postling/protocol"
)

// JSONCodec serializes envelopes with encoding/json behind the protocol tag.
// Unknown envelope fields are ignored so peers may add metadata.
type JSONCodec struct{}

func (c *JSONCodec) Encode(env *message.Envelope) (string, error) {
	body, err := marshal(env)
	if err != nil {
		return "", err
	}
	return protocol.Wrap(body), nil
}

func (c *JSONCodec) Decode(data string) (*message.Envelope, error) {
	body, ok := protocol.Unwrap(data)
	if !ok {
		return nil, ErrForeign
	}
	env := &message.Envelope{}
	if err := json.Unmarshal(body, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

// StrictJSONCodec rejects unknown envelope fields and trailing content.
type StrictJSONCodec struct{}

func (c *StrictJSONCodec) Encode(env *message.Envelope) (string, error) {
	body, err := marshal(env)
	if err != nil {
		return "", err
	}
	return protocol.Wrap(body), nil
}

func (c *StrictJSONCodec) Decode(data string) (*message.Envelope, error) {
	body, ok := protocol.Unwrap(data)
	if !ok {
		return nil, ErrForeign
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	env := &message.Envelope{}
	if err := dec.Decode(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// Probe for trailing data (must be EOF)
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing content", ErrMalformed)
	}
	if err := validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

func (c *StrictJSONCodec) Type() CodecType {
	return CodecTypeStrictJSON
}

func marshal(env *message.Envelope) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("codec: encode envelope: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
