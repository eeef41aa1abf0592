// Package hooks implements the named extension points of the service: typed,
// ordered lists of filter, resolver, slot and action callbacks registered at
// startup and dispatched sequentially while serving.
package hooks

import (
	"context"
	"fmt"
)

// ErrorHandler receives callback failures. point is the extension point name,
// callback the registered callback name.
type ErrorHandler func(ctx context.Context, point, callback string, err error)

// CallbackError describes a failed or panicking callback.
type CallbackError struct {
	Point    string
	Callback string
	Err      error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("hook %s/%s: %v", e.Point, e.Callback, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// named pairs a callback with the name it was registered under.
type named[F any] struct {
	name string
	fn   F
}

// point is the state shared by every extension point kind.
type point struct {
	name string
	reg  *Registry
}

func (p point) checkMutable() {
	if p.reg != nil && p.reg.frozen.Load() {
		panic(fmt.Sprintf("hooks: register on %q after registry was frozen", p.name))
	}
}

func (p point) report(ctx context.Context, callback string, err error) {
	if p.reg == nil {
		return
	}
	if h := p.reg.onError; h != nil {
		h(ctx, p.name, callback, &CallbackError{Point: p.name, Callback: callback, Err: err})
	}
}

// call runs fn, converting a panic into an error.
func call(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

// FilterFunc transforms value. args carries read-only context for the call.
type FilterFunc[T, A any] func(ctx context.Context, value T, args A) (T, error)

// Filter is an ordered chain of FilterFuncs. Apply folds value through every
// callback in registration order. A callback that fails or panics is
// skipped: the value it received is passed on unchanged.
type Filter[T, A any] struct {
	point
	clone     func(T) T
	merge     func(prev, out T) T
	wrapErr   func(callback string, err error) error
	callbacks []named[FilterFunc[T, A]]
}

// filterOption configures a Filter at construction.
type filterOption[T any] func(*filterSettings[T])

type filterSettings[T any] struct {
	clone   func(T) T
	merge   func(prev, out T) T
	wrapErr func(callback string, err error) error
}

// withClone gives each callback its own copy of the value.
func withClone[T any](fn func(T) T) filterOption[T] {
	return func(s *filterSettings[T]) { s.clone = fn }
}

// withMerge combines a callback's result with the value it received instead
// of replacing it.
func withMerge[T any](fn func(prev, out T) T) filterOption[T] {
	return func(s *filterSettings[T]) { s.merge = fn }
}

// withErrorWrap rewraps callback failures before they are reported.
func withErrorWrap[T any](fn func(callback string, err error) error) filterOption[T] {
	return func(s *filterSettings[T]) { s.wrapErr = fn }
}

func newFilter[T, A any](reg *Registry, name string, opts ...filterOption[T]) *Filter[T, A] {
	var s filterSettings[T]
	for _, opt := range opts {
		opt(&s)
	}
	return &Filter[T, A]{
		point:   point{name: name, reg: reg},
		clone:   s.clone,
		merge:   s.merge,
		wrapErr: s.wrapErr,
	}
}

// Name returns the extension point name.
func (f *Filter[T, A]) Name() string { return f.name }

// Add registers fn under name.
func (f *Filter[T, A]) Add(name string, fn FilterFunc[T, A]) {
	f.checkMutable()
	f.callbacks = append(f.callbacks, named[FilterFunc[T, A]]{name: name, fn: fn})
}

// Len returns the number of registered callbacks.
func (f *Filter[T, A]) Len() int { return len(f.callbacks) }

// Apply runs the chain. When the filter has a clone function each callback
// receives its own copy, so a failing callback cannot leak partial writes.
// When it has a merge function the callback's result is merged over the
// value it received.
func (f *Filter[T, A]) Apply(ctx context.Context, value T, args A) T {
	for _, cb := range f.callbacks {
		in := value
		if f.clone != nil {
			in = f.clone(value)
		}
		var out T
		err := call(func() error {
			var err error
			out, err = cb.fn(ctx, in, args)
			return err
		})
		if err != nil {
			if f.wrapErr != nil {
				err = f.wrapErr(cb.name, err)
			}
			f.report(ctx, cb.name, err)
			continue
		}
		if f.merge != nil {
			out = f.merge(value, out)
		}
		value = out
	}
	return value
}

// ResolveFunc answers a lookup. ok=false or an empty answer passes to the
// next callback.
type ResolveFunc func(ctx context.Context, key string) (answer string, ok bool)

// Resolver asks each callback in registration order and returns the first
// non-empty answer.
type Resolver struct {
	point
	callbacks []named[ResolveFunc]
}

func newResolver(reg *Registry, name string) *Resolver {
	return &Resolver{point: point{name: name, reg: reg}}
}

// Add registers fn under name.
func (r *Resolver) Add(name string, fn ResolveFunc) {
	r.checkMutable()
	r.callbacks = append(r.callbacks, named[ResolveFunc]{name: name, fn: fn})
}

// Len returns the number of registered callbacks.
func (r *Resolver) Len() int { return len(r.callbacks) }

// Resolve returns the first non-empty answer for key.
func (r *Resolver) Resolve(ctx context.Context, key string) (string, bool) {
	for _, cb := range r.callbacks {
		var answer string
		var ok bool
		err := call(func() error {
			answer, ok = cb.fn(ctx, key)
			return nil
		})
		if err != nil {
			r.report(ctx, cb.name, err)
			continue
		}
		if ok && answer != "" {
			return answer, true
		}
	}
	return "", false
}

// Fragment is opaque markup contributed at a slot.
type Fragment string

// SlotFunc produces a fragment for a slot. An empty fragment contributes
// nothing.
type SlotFunc[A any] func(ctx context.Context, args A) (Fragment, error)

// Slot collects fragments from every callback in registration order.
type Slot[A any] struct {
	point
	callbacks []named[SlotFunc[A]]
}

func newSlot[A any](reg *Registry, name string) *Slot[A] {
	return &Slot[A]{point: point{name: name, reg: reg}}
}

// Name returns the extension point name.
func (s *Slot[A]) Name() string { return s.name }

// Add registers fn under name.
func (s *Slot[A]) Add(name string, fn SlotFunc[A]) {
	s.checkMutable()
	s.callbacks = append(s.callbacks, named[SlotFunc[A]]{name: name, fn: fn})
}

// Len returns the number of registered callbacks.
func (s *Slot[A]) Len() int { return len(s.callbacks) }

// Collect returns the non-empty fragments in registration order.
func (s *Slot[A]) Collect(ctx context.Context, args A) []Fragment {
	var out []Fragment
	for _, cb := range s.callbacks {
		var frag Fragment
		err := call(func() error {
			var err error
			frag, err = cb.fn(ctx, args)
			return err
		})
		if err != nil {
			s.report(ctx, cb.name, err)
			continue
		}
		if frag != "" {
			out = append(out, frag)
		}
	}
	return out
}

// ActionFunc observes an event.
type ActionFunc[A any] func(ctx context.Context, args A) error

// Action notifies every listener in registration order. Listener failures
// are reported and do not stop later listeners.
type Action[A any] struct {
	point
	callbacks []named[ActionFunc[A]]
}

func newAction[A any](reg *Registry, name string) *Action[A] {
	return &Action[A]{point: point{name: name, reg: reg}}
}

// Name returns the extension point name.
func (a *Action[A]) Name() string { return a.name }

// Add registers fn under name.
func (a *Action[A]) Add(name string, fn ActionFunc[A]) {
	a.checkMutable()
	a.callbacks = append(a.callbacks, named[ActionFunc[A]]{name: name, fn: fn})
}

// Len returns the number of registered listeners.
func (a *Action[A]) Len() int { return len(a.callbacks) }

// Fire invokes every listener.
func (a *Action[A]) Fire(ctx context.Context, args A) {
	for _, cb := range a.callbacks {
		err := call(func() error { return cb.fn(ctx, args) })
		if err != nil {
			a.report(ctx, cb.name, err)
		}
	}
}
