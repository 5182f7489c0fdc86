// Package config loads the postling-bridge TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"postling/codec"
	"postling/idgen"
	"postling/transport"
)

// Duration decodes TOML strings such as "1.5s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	Endpoint  Endpoint  `toml:"endpoint"`
	Log       Log       `toml:"log"`
	AMQP      AMQP      `toml:"amqp"`
	Etcd      Etcd      `toml:"etcd"`
	RateLimit RateLimit `toml:"rate_limit"`
	HTTP      HTTP      `toml:"http"`
}

type Endpoint struct {
	Name          string   `toml:"name"`
	Peer          string   `toml:"peer"`   // directory name of the other side, watched when etcd is set
	Origin        string   `toml:"origin"` // where requests may go; "*" for any
	Codec         string   `toml:"codec"`  // json or strict-json
	IDs           string   `toml:"ids"`    // base36 or uuid
	CallTimeout   Duration `toml:"call_timeout"`
	MethodTimeout Duration `toml:"method_timeout"` // zero leaves local methods unbounded
}

type Log struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
	File  string `toml:"file"`
}

type AMQP struct {
	URL      string `toml:"url"`
	Exchange string `toml:"exchange"`
	Inbound  string `toml:"inbound"`
	Outbound string `toml:"outbound"`
	Origin   string `toml:"origin"` // this side's origin
}

// Etcd is optional; no endpoints means no directory.
type Etcd struct {
	Endpoints   []string `toml:"endpoints"`
	DialTimeout Duration `toml:"dial_timeout"`
	Prefix      string   `toml:"prefix"`
	TTL         int64    `toml:"ttl"`
}

// RateLimit is disabled when Rate is zero.
type RateLimit struct {
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`
}

type HTTP struct {
	Addr string `toml:"addr"`
}

// Load reads path, applies defaults and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Endpoint.Codec == "" {
		c.Endpoint.Codec = "json"
	}
	if c.Endpoint.IDs == "" {
		c.Endpoint.IDs = "base36"
	}
	if c.AMQP.Exchange == "" {
		c.AMQP.Exchange = "postling"
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.DialTimeout == 0 {
		c.Etcd.DialTimeout = Duration(5 * time.Second)
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 1
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Endpoint.Name == "" {
		errs = append(errs, errors.New("endpoint.name is required"))
	}
	if c.Endpoint.Origin == "" {
		errs = append(errs, fmt.Errorf("endpoint.origin is required, use %q to post anywhere", transport.AnyOrigin))
	}
	if _, err := codec.ParseType(c.Endpoint.Codec); err != nil {
		errs = append(errs, err)
	}
	if _, ok := idgen.ByName(c.Endpoint.IDs); !ok {
		errs = append(errs, fmt.Errorf("endpoint.ids: unknown generator %q", c.Endpoint.IDs))
	}
	if c.Endpoint.CallTimeout < 0 || c.Endpoint.MethodTimeout < 0 {
		errs = append(errs, errors.New("endpoint timeouts must not be negative"))
	}
	if c.AMQP.URL == "" || c.AMQP.Inbound == "" || c.AMQP.Outbound == "" {
		errs = append(errs, errors.New("amqp.url, amqp.inbound and amqp.outbound are required"))
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
