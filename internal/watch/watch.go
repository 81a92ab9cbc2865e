// Package watch provides a small explicit observer facility: observable
// fields that notify registered callbacks on change, and derived values
// that recompute when any upstream observable fires. It replaces
// platform property-observation mechanisms with plain registration.
package watch

import "sync"

// Observable is anything that can register a change observer.
type Observable interface {
	// OnChange registers fn to run after every change. The returned
	// cancel func unregisters it; cancel is idempotent.
	OnChange(fn func()) (cancel func())
}

// Field is an observable value. Set notifies observers only when the
// value actually changes. Safe for concurrent use; observers run
// synchronously on the goroutine that called Set, without the field's
// lock held.
type Field[T comparable] struct {
	mu    sync.Mutex
	value T
	obs   map[int]func(T)
	next  int
}

// NewField returns a Field holding initial.
func NewField[T comparable](initial T) *Field[T] {
	return &Field[T]{value: initial}
}

// Get returns the current value.
func (f *Field[T]) Get() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Set stores v and notifies observers if v differs from the current
// value.
func (f *Field[T]) Set(v T) {
	f.mu.Lock()
	if v == f.value {
		f.mu.Unlock()
		return
	}
	f.value = v
	fns := make([]func(T), 0, len(f.obs))
	for _, fn := range f.obs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Observe registers fn to receive every changed value.
func (f *Field[T]) Observe(fn func(T)) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.obs == nil {
		f.obs = make(map[int]func(T))
	}
	id := f.next
	f.next++
	f.obs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.obs, id)
	}
}

// OnChange implements Observable.
func (f *Field[T]) OnChange(fn func()) (cancel func()) {
	return f.Observe(func(T) { fn() })
}

// Derived re-runs a computation whenever any upstream observable fires
// and notifies its own observers when the computed value changed.
type Derived[T comparable] struct {
	compute func() T
	out     *Field[T]
	cancels []func()
}

// Derive builds a Derived from compute and its upstream dependencies.
// The computation runs once eagerly to seed the value.
func Derive[T comparable](compute func() T, upstream ...Observable) *Derived[T] {
	d := &Derived[T]{
		compute: compute,
		out:     NewField(compute()),
	}
	for _, u := range upstream {
		d.cancels = append(d.cancels, u.OnChange(d.refresh))
	}
	return d
}

func (d *Derived[T]) refresh() {
	d.out.Set(d.compute())
}

// Get returns the current derived value.
func (d *Derived[T]) Get() T { return d.out.Get() }

// Observe registers fn to receive changed derived values.
func (d *Derived[T]) Observe(fn func(T)) (cancel func()) {
	return d.out.Observe(fn)
}

// OnChange implements Observable.
func (d *Derived[T]) OnChange(fn func()) (cancel func()) {
	return d.out.OnChange(fn)
}

// Close detaches the derived value from its upstreams.
func (d *Derived[T]) Close() {
	for _, c := range d.cancels {
		c()
	}
	d.cancels = nil
}
