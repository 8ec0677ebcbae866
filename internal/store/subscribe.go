package store

import (
	"reflect"
	"sync/atomic"

	"github.com/yourorg/wallet-sync/internal/model"
)

type subscriber interface {
	notify(next model.State)
	closed() bool
}

type selectorSub[T any] struct {
	selector func(model.State) T
	listener func(selected, previous T)
	equal    func(a, b T) bool
	last     T
	removed  atomic.Bool
}

func (s *selectorSub[T]) notify(next model.State) {
	if s.removed.Load() {
		return
	}
	selected := s.selector(next)
	if s.equal(s.last, selected) {
		return
	}
	prev := s.last
	s.last = selected
	s.listener(selected, prev)
}

func (s *selectorSub[T]) closed() bool { return s.removed.Load() }

// SubscribeOption tunes a subscription.
type SubscribeOption[T any] func(*selectorSub[T])

// WithEqualityFn replaces the default reference equality.
func WithEqualityFn[T any](fn func(a, b T) bool) SubscribeOption[T] {
	return func(s *selectorSub[T]) { s.equal = fn }
}

// Subscribe calls listener whenever the slice of state picked by selector
// changes. Listeners fire in transition order on the delivering goroutine;
// transitions started from inside a listener are queued behind the current
// one. The returned func unsubscribes only this listener.
func Subscribe[T any](s *Store, selector func(model.State) T, listener func(selected, previous T), opts ...SubscribeOption[T]) func() {
	sub := &selectorSub[T]{
		selector: selector,
		listener: listener,
		equal:    Equal[T],
	}
	for _, opt := range opts {
		opt(sub)
	}

	s.mu.Lock()
	sub.last = selector(s.state)
	id := s.register(sub)
	s.mu.Unlock()

	return func() {
		sub.removed.Store(true)
		s.unregister(id)
	}
}

// Equal is reference equality: == for comparable values, identity for
// slices, maps, funcs, pointers and channels.
func Equal[T any](a, b T) bool {
	return refEqual(reflect.ValueOf(any(a)), reflect.ValueOf(any(b)))
}

func refEqual(va, vb reflect.Value) bool {
	if !va.IsValid() || !vb.IsValid() {
		return va.IsValid() == vb.IsValid()
	}
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Slice:
		if va.IsNil() || vb.IsNil() {
			return va.IsNil() == vb.IsNil()
		}
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	case reflect.Map, reflect.Func, reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Interface:
		return refEqual(va.Elem(), vb.Elem())
	}
	if va.Comparable() && vb.Comparable() {
		return va.Equal(vb)
	}
	return false
}

// Shallow compares one level deep: struct fields, slice elements and map
// entries are compared with reference equality.
func Shallow[T any](a, b T) bool {
	va, vb := reflect.ValueOf(any(a)), reflect.ValueOf(any(b))
	if !va.IsValid() || !vb.IsValid() {
		return va.IsValid() == vb.IsValid()
	}
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Struct:
		for i := 0; i < va.NumField(); i++ {
			if !refEqual(va.Field(i), vb.Field(i)) {
				return false
			}
		}
		return true
	case reflect.Slice, reflect.Array:
		if va.Len() != vb.Len() {
			return false
		}
		for i := 0; i < va.Len(); i++ {
			if !refEqual(va.Index(i), vb.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Map:
		if va.Len() != vb.Len() {
			return false
		}
		iter := va.MapRange()
		for iter.Next() {
			other := vb.MapIndex(iter.Key())
			if !other.IsValid() || !refEqual(iter.Value(), other) {
				return false
			}
		}
		return true
	default:
		return refEqual(va, vb)
	}
}
