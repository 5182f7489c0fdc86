package transport

import (
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// headerTargetOrigin carries the sender's origin filter on each publishing.
const headerTargetOrigin = "target-origin"

// AMQPConfig describes one side of an AMQP-backed channel. Two peers share an
// exchange and swap Inbound/Outbound.
type AMQPConfig struct {
	URL      string
	Exchange string // direct exchange shared by both peers
	Inbound  string // routing key (and queue) consumed by this side
	Outbound string // routing key the peer consumes
	Origin   string // this side's origin, matched against the sender's filter
}

func (c AMQPConfig) validate() error {
	if c.URL == "" || c.Exchange == "" || c.Inbound == "" || c.Outbound == "" {
		return fmt.Errorf("transport: amqp config needs url, exchange, inbound and outbound")
	}
	return nil
}

// AMQPChannel is a Source and Target over a RabbitMQ-compatible broker.
type AMQPChannel struct {
	cfg       AMQPConfig
	conn      *amqp.Connection
	extConn   bool
	listeners listenerSet

	pubMu sync.Mutex // publishes on one amqp.Channel are serialized
	out   *amqp.Channel
	in    *amqp.Channel

	closeOnce sync.Once
	done      chan struct{}
}

type AMQPOption func(*AMQPChannel)

// WithConnection reuses an existing connection; Close then leaves it open.
func WithConnection(conn *amqp.Connection) AMQPOption {
	return func(c *AMQPChannel) {
		c.extConn = true
		c.conn = conn
	}
}

// DialAMQP connects, declares the exchange and the inbound queue, and starts
// consuming.
func DialAMQP(cfg AMQPConfig, opts ...AMQPOption) (*AMQPChannel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &AMQPChannel{cfg: cfg, done: make(chan struct{})}
	for _, o := range opts {
		o(c)
	}

	var err error
	if c.conn == nil {
		if c.conn, err = amqp.Dial(cfg.URL); err != nil {
			return nil, err
		}
	}
	if err = c.initialize(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *AMQPChannel) initialize() error {
	var err error
	if c.out, err = c.conn.Channel(); err != nil {
		return err
	}
	if err = c.out.ExchangeDeclare(c.cfg.Exchange, "direct", false, true, false, false, nil); err != nil {
		return err
	}

	if c.in, err = c.conn.Channel(); err != nil {
		return err
	}
	if _, err = c.in.QueueDeclare(c.cfg.Inbound, false, true, false, false, nil); err != nil {
		return err
	}
	if err = c.in.QueueBind(c.cfg.Inbound, c.cfg.Inbound, c.cfg.Exchange, false, nil); err != nil {
		return err
	}
	deliveries, err := c.in.Consume(c.cfg.Inbound, "", true, false, false, false, nil)
	if err != nil {
		return err
	}
	go c.handle(deliveries)
	return nil
}

func (c *AMQPChannel) handle(in <-chan amqp.Delivery) {
	for d := range in {
		to, _ := d.Headers[headerTargetOrigin].(string)
		if to != "" && !originMatches(to, c.cfg.Origin) {
			continue
		}
		data := string(d.Body)
		for _, l := range c.listeners.snapshot() {
			go l(data)
		}
	}
}

func (c *AMQPChannel) Subscribe(l Listener) Subscription {
	return c.listeners.add(l)
}

// PostMessage publishes data to the peer's routing key.
func (c *AMQPChannel) PostMessage(data, targetOrigin string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.out.Publish(c.cfg.Exchange, c.cfg.Outbound, false, false, amqp.Publishing{
		ContentType: "text/plain",
		AppId:       c.cfg.Origin,
		Headers:     amqp.Table{headerTargetOrigin: targetOrigin},
		Body:        []byte(data),
	})
}

// Close closes both channels and, unless it was supplied, the connection.
func (c *AMQPChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.in != nil {
			err = c.in.Close()
		}
		if c.out != nil {
			if cerr := c.out.Close(); err == nil {
				err = cerr
			}
		}
		if !c.extConn && c.conn != nil {
			if cerr := c.conn.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
