// Package transport defines the string channel the protocol runs on, and ships
// an in-memory implementation plus an AMQP-backed one.
//
// The channel is best-effort: messages may be dropped, duplicated or reordered,
// and listeners may run concurrently. Nothing above this package assumes
// otherwise.
package transport

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
)

//go:generate mockgen -destination=transportmock/transport.go -package=transportmock postling/transport Source,Target,Subscription

// AnyOrigin posts to a target regardless of its origin.
const AnyOrigin = "*"

var ErrClosed = errors.New("transport: closed")

// Listener receives every inbound string. It may be called concurrently.
type Listener func(data string)

// Subscription detaches a listener.
type Subscription interface {
	Unsubscribe()
}

// Source is where inbound messages are observed.
type Source interface {
	Subscribe(l Listener) Subscription
}

// Target is where outbound messages are sent. Delivery only happens when
// targetOrigin is AnyOrigin or matches the receiver's origin.
type Target interface {
	PostMessage(data, targetOrigin string) error
}

// ParseOrigin reduces a URL such as "https://child.example:8443/app?x=1" to its
// origin, "https://child.example:8443".
func ParseOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("transport: parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("transport: %q is not an absolute URL", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

// originMatches reports whether a message addressed to targetOrigin may be
// delivered to a receiver at origin.
func originMatches(targetOrigin, origin string) bool {
	return targetOrigin == AnyOrigin || targetOrigin == origin
}

// listenerSet is the subscriber list shared by the implementations.
type listenerSet struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[uint64]Listener
}

func (s *listenerSet) add(l Listener) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[uint64]Listener)
	}
	id := s.next
	s.next++
	s.listeners[id] = l
	return &subscription{set: s, id: id}
}

func (s *listenerSet) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, id)
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func (s *listenerSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

type subscription struct {
	set  *listenerSet
	id   uint64
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { s.set.remove(s.id) })
}
