// Package registry provides a typed in-memory collection keyed by an
// identity field, with duplicate/existence enforcement and synchronous
// add/edit/delete hooks.
//
// Hooks are how persistence mirroring stays decoupled from the mutation
// API: a subscriber reacts to events without the registry knowing any
// storage exists. Hooks run synchronously on the mutating goroutine,
// after the registry lock is released.
package registry

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when an id is absent and existence was required.
	ErrNotFound = errors.New("registry: item not found")
	// ErrDuplicate is returned when an insert collides with an existing id.
	ErrDuplicate = errors.New("registry: duplicate item")
)

// Hook observes a single mutation. The id is the item's identity value.
type Hook func(id string)

// Registry is a mutex-guarded collection of T keyed by an injected
// identity accessor. The zero value is not usable; construct with New.
type Registry[T any] struct {
	mu   sync.RWMutex
	idOf func(T) string

	items map[string]T
	order []string // insertion order, for stable iteration

	onAdd    []Hook
	onEdit   []Hook
	onDelete []Hook
}

func New[T any](idOf func(T) string) *Registry[T] {
	return &Registry[T]{
		idOf:  idOf,
		items: map[string]T{},
	}
}

func (r *Registry[T]) OnAdd(h Hook)    { r.mu.Lock(); r.onAdd = append(r.onAdd, h); r.mu.Unlock() }
func (r *Registry[T]) OnEdit(h Hook)   { r.mu.Lock(); r.onEdit = append(r.onEdit, h); r.mu.Unlock() }
func (r *Registry[T]) OnDelete(h Hook) { r.mu.Lock(); r.onDelete = append(r.onDelete, h); r.mu.Unlock() }

// Add inserts item, enforcing identity uniqueness, and emits add.
func (r *Registry[T]) Add(item T) (T, error) {
	id := r.idOf(item)

	r.mu.Lock()
	if _, ok := r.items[id]; ok {
		r.mu.Unlock()
		var zero T
		return zero, ErrDuplicate
	}
	r.items[id] = item
	r.order = append(r.order, id)
	hooks := append([]Hook(nil), r.onAdd...)
	r.mu.Unlock()

	emit(hooks, id)
	return item, nil
}

// Get looks up id. The flags make it double as a pre-insert guard:
// requireExist turns absence into ErrNotFound, requireAbsent turns
// presence into ErrDuplicate.
func (r *Registry[T]) Get(id string, requireExist, requireAbsent bool) (T, bool, error) {
	r.mu.RLock()
	item, ok := r.items[id]
	r.mu.RUnlock()

	var zero T
	if ok {
		if requireAbsent {
			return zero, true, ErrDuplicate
		}
		return item, true, nil
	}
	if requireExist {
		return zero, false, ErrNotFound
	}
	return zero, false, nil
}

// Delete removes id and reports whether anything was removed.
// The delete hook fires only when something was actually removed.
func (r *Registry[T]) Delete(id string) bool {
	r.mu.Lock()
	if _, ok := r.items[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.items, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	hooks := append([]Hook(nil), r.onDelete...)
	r.mu.Unlock()

	emit(hooks, id)
	return true
}

// EmitEdit signals that the item behind id was mutated by its owner.
func (r *Registry[T]) EmitEdit(id string) {
	r.mu.RLock()
	_, ok := r.items[id]
	hooks := append([]Hook(nil), r.onEdit...)
	r.mu.RUnlock()
	if !ok {
		return
	}
	emit(hooks, id)
}

// Filter returns all items matching pred, in insertion order.
// A nil pred matches everything.
func (r *Registry[T]) Filter(pred func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.order))
	for _, id := range r.order {
		item := r.items[id]
		if pred == nil || pred(item) {
			out = append(out, item)
		}
	}
	return out
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// IDs returns all identity values in insertion order.
func (r *Registry[T]) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Map applies fn to every item in insertion order.
func Map[T, R any](r *Registry[T], fn func(T) R) []R {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]R, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, fn(r.items[id]))
	}
	return out
}

func emit(hooks []Hook, id string) {
	for _, h := range hooks {
		if h != nil {
			h(id)
		}
	}
}
