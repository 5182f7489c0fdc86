// Package codec turns envelopes into channel strings and back.
package codec

import (
	"errors"
	"fmt"

	"postling/message"
)

type CodecType byte

const (
	CodecTypeJSON       CodecType = 0
	CodecTypeStrictJSON CodecType = 1
)

var (
	// ErrForeign marks a string that is not protocol traffic. Receivers ignore it.
	ErrForeign = errors.New("codec: not a protocol message")
	// ErrMalformed marks tagged traffic that cannot be decoded.
	ErrMalformed = errors.New("codec: malformed envelope")
)

type Codec interface {
	Encode(env *message.Envelope) (string, error)
	Decode(data string) (*message.Envelope, error)
	Type() CodecType // 0=JSON, 1=StrictJSON
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeStrictJSON {
		return &StrictJSONCodec{}
	}

	return &JSONCodec{}
}

// ParseType maps a configuration name to a CodecType.
func ParseType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "strict-json":
		return CodecTypeStrictJSON, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}

func validate(env *message.Envelope) error {
	if !env.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
	if env.ID == "" {
		return fmt.Errorf("%w: empty id", ErrMalformed)
	}
	return nil
}
