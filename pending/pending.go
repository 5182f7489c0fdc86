// Package pending tracks outbound calls that are waiting for their response.
//
// Each request registers a completion under its correlation id before it is
// posted. When the matching response arrives, the dispatcher resolves the id:
// the entry is removed and its completion runs exactly once. Responses can
// arrive in any order, and each one is routed to the caller that owns the id.
//
//	caller-1 ──Register(a)──┐
//	caller-2 ──Register(b)──┼──→ channel ──→ remote
//	caller-3 ──Register(c)──┘
//
//	dispatcher: ←── response(b) → Resolve(b) → caller-2 completes
package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateID is returned when an id is registered while still pending.
var ErrDuplicateID = errors.New("pending: duplicate correlation id")

// Completion receives the outcome of a call. It runs at most once.
type Completion func(result json.RawMessage, err error)

// Registry maps correlation ids to completions.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Completion
}

func New() *Registry {
	return &Registry{entries: make(map[string]Completion)}
}

// Register stores fn under id.
func (r *Registry) Register(id string, fn Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.entries[id] = fn
	return nil
}

// Resolve removes id and runs its completion. It reports false for an unknown
// id (stale, duplicate or foreign response); nothing else happens in that case.
func (r *Registry) Resolve(id string, result json.RawMessage, err error) bool {
	r.mu.Lock()
	fn, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	// Run outside the lock so a completion may issue new calls.
	fn(result, err)
	return true
}

// Forget removes id without running its completion.
func (r *Registry) Forget(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	return ok
}

// Len returns the number of calls still waiting.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the waiting correlation ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}
