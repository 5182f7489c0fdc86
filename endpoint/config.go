package endpoint

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"postling/codec"
	"postling/idgen"
	"postling/middleware"
	"postling/registry"
	"postling/transport"
)

var ErrInvalidConfig = errors.New("endpoint: invalid config")

// Config is fixed at construction. To point an endpoint elsewhere, close it
// and create a new one.
type Config struct {
	Source transport.Source // where inbound messages are observed
	Target transport.Target // where outbound messages are posted
	Origin string           // origin filter for outbound posts; "*" for any

	Codec  codec.CodecType
	IDs    idgen.Generator // nil means idgen.Base36
	Logger *zap.Logger     // nil means no logging

	// Middlewares wrap every locally exposed method, outermost first.
	Middlewares []middleware.Middleware

	// CallTimeout fails outbound calls with ErrCallTimeout when no response
	// arrives in time. Zero leaves calls pending until a response arrives.
	CallTimeout time.Duration

	// Directory, when set, receives the exposed method names under Name.
	Directory registry.Directory
	Name      string
}

func (c *Config) validate() error {
	if c.Source == nil {
		return fmt.Errorf("%w: source is required", ErrInvalidConfig)
	}
	if c.Target == nil {
		return fmt.Errorf("%w: target is required", ErrInvalidConfig)
	}
	if c.Origin == "" {
		return fmt.Errorf("%w: origin is required, use %q to post anywhere", ErrInvalidConfig, transport.AnyOrigin)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("%w: negative call timeout", ErrInvalidConfig)
	}
	if c.Directory != nil && c.Name == "" {
		return fmt.Errorf("%w: a directory needs an endpoint name", ErrInvalidConfig)
	}
	return nil
}

// ChildConfig builds the config of an endpoint talking to an embedded child
// context: child is the child's window and src the URL it was loaded from.
// Posts are restricted to the origin of src.
func ChildConfig(source transport.Source, child transport.Target, src string) (Config, error) {
	origin, err := transport.ParseOrigin(src)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return Config{Source: source, Target: child, Origin: origin}, nil
}
