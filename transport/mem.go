package transport

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// Window is an in-memory execution context: a Source for its own listeners and
// a Target for anyone holding it. Every delivery runs on its own goroutine, so
// messages arrive unordered.
type Window struct {
	origin    string
	listeners listenerSet
	jitter    time.Duration

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

type WindowOption func(*Window)

// WithJitter delays each delivery by a random duration in [0, d).
func WithJitter(d time.Duration) WindowOption {
	return func(w *Window) { w.jitter = d }
}

func NewWindow(origin string, opts ...WindowOption) *Window {
	w := &Window{origin: origin}
	for _, o := range opts {
		o(w)
	}
	return w
}

// NewPair returns two windows that post to each other, like a page and the
// frame it embeds.
func NewPair(parentOrigin, childOrigin string, opts ...WindowOption) (parent, child *Window) {
	return NewWindow(parentOrigin, opts...), NewWindow(childOrigin, opts...)
}

func (w *Window) Origin() string { return w.origin }

func (w *Window) Subscribe(l Listener) Subscription {
	return w.listeners.add(l)
}

// Listeners returns the number of attached listeners.
func (w *Window) Listeners() int { return w.listeners.len() }

// Dropped returns how many messages were discarded by the origin filter.
func (w *Window) Dropped() int64 { return w.dropped.Load() }

// PostMessage delivers data to the window's listeners. A mismatching
// targetOrigin drops the message silently.
func (w *Window) PostMessage(data, targetOrigin string) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	if !originMatches(targetOrigin, w.origin) {
		w.dropped.Add(1)
		return nil
	}
	for _, l := range w.listeners.snapshot() {
		go w.deliver(l, data)
	}
	return nil
}

func (w *Window) deliver(l Listener, data string) {
	if w.jitter > 0 {
		time.Sleep(rand.N(w.jitter))
	}
	l(data)
}

// Close makes further posts fail with ErrClosed.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}
