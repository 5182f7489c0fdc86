package registry

import (
	"context"
	"errors"
	"sync"
)

// ErrNotPublished is returned by Lookup for an endpoint with no entry.
var ErrNotPublished = errors.New("registry: endpoint not published")

// Directory is where endpoints advertise the names of the methods they expose,
// so tooling can see what a peer offers without talking to it.
type Directory interface {
	Publish(ctx context.Context, endpoint string, names []string) error
	Withdraw(ctx context.Context, endpoint string) error
	Lookup(ctx context.Context, endpoint string) ([]string, error)
	Watch(ctx context.Context, endpoint string) <-chan []string
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu       sync.Mutex
	entries  map[string][]string
	watchers map[string][]chan []string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		entries:  make(map[string][]string),
		watchers: make(map[string][]chan []string),
	}
}

func (d *MemoryDirectory) Publish(_ context.Context, endpoint string, names []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[endpoint] = append([]string(nil), names...)
	d.notify(endpoint, d.entries[endpoint])
	return nil
}

func (d *MemoryDirectory) Withdraw(_ context.Context, endpoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, endpoint)
	d.notify(endpoint, nil)
	return nil
}

func (d *MemoryDirectory) Lookup(_ context.Context, endpoint string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names, ok := d.entries[endpoint]
	if !ok {
		return nil, ErrNotPublished
	}
	return append([]string(nil), names...), nil
}

// Watch emits the latest name list after every change until ctx is done.
// Slow readers only see the most recent list.
func (d *MemoryDirectory) Watch(ctx context.Context, endpoint string) <-chan []string {
	ch := make(chan []string, 1)
	d.mu.Lock()
	d.watchers[endpoint] = append(d.watchers[endpoint], ch)
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		defer d.mu.Unlock()
		ws := d.watchers[endpoint]
		for i, w := range ws {
			if w == ch {
				d.watchers[endpoint] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify must be called with d.mu held.
func (d *MemoryDirectory) notify(endpoint string, names []string) {
	for _, ch := range d.watchers[endpoint] {
		select {
		case <-ch:
		default:
		}
		ch <- append([]string(nil), names...)
	}
}
