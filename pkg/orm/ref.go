package orm

import (
	"context"
	"sync"
)

// Ref is a single-valued association. It is either unresolved, carrying only
// the target key, or resolved to the target instance. Refs handed out by a
// session are canonical for their identity map entry: every association
// pointing at the same managed entity shares one Ref.
type Ref[T any] struct {
	mu       sync.Mutex
	key      Key
	value    *T
	resolved bool
	loader   func(ctx context.Context) (any, error)
}

// RefTo returns a Ref resolved to an instance, used when wiring associations
// of new entities before they are persisted.
func RefTo[T any](v *T) *Ref[T] {
	return &Ref[T]{value: v, resolved: v != nil}
}

// Get returns the target, loading it through the owning session on first use.
func (r *Ref[T]) Get(ctx context.Context) (*T, error) {
	if r == nil {
		return nil, nil
	}
	r.mu.Lock()
	if r.resolved {
		v := r.value
		r.mu.Unlock()
		return v, nil
	}
	loader := r.loader
	r.mu.Unlock()
	if loader == nil {
		return nil, ErrDetachedReference
	}
	v, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	r.resolveTo(v)
	t, _ := r.Peek()
	return t, nil
}

// Peek returns the target without loading it.
func (r *Ref[T]) Peek() (*T, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.resolved
}

// Resolved reports whether the target instance is available without a load.
func (r *Ref[T]) Resolved() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// Key returns the target identifier. It is zero for refs built by RefTo
// until the session assigns one.
func (r *Ref[T]) Key() Key {
	if r == nil {
		return Key{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key
}

// refHandle is the untyped view of a Ref used by the unit of work.
type refHandle interface {
	refKey() (Key, bool)
	instance() any
	resolveTo(v any)
	unresolve()
	bind(key Key, loader func(ctx context.Context) (any, error))
}

func (r *Ref[T]) refKey() (Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key, !r.key.IsZero()
}

func (r *Ref[T]) instance() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.value == nil {
		return nil
	}
	return r.value
}

func (r *Ref[T]) resolveTo(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return
	}
	if t, ok := v.(*T); ok && t != nil {
		r.value = t
		r.resolved = true
	}
}

func (r *Ref[T]) unresolve() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = nil
	r.resolved = false
}

func (r *Ref[T]) bind(key Key, loader func(ctx context.Context) (any, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.key = key
	r.loader = loader
}
