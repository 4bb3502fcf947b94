// Package dispatch routes decoded messages to handlers by their dynamic type
// and runs each handler on the owning session's invoker.
package dispatch

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/cat-in-the-dark/MessageBus/internal/session"
)

// HandlerFunc handles one decoded message for a session. It runs on the
// session's invoker and may freely use h.Context().
type HandlerFunc func(msg any, h *session.Holder)

// Binding associates a concrete message type with its handler.
type Binding struct {
	Type    reflect.Type
	Handler HandlerFunc
}

// Bind builds a Binding for messages of type T.
//
// Precondition: T must be a concrete (non-interface) type.
func Bind[T any](fn func(msg T, h *session.Holder)) Binding {
	b := Binding{Type: reflect.TypeFor[T]()}
	if fn != nil {
		b.Handler = func(msg any, h *session.Holder) { fn(msg.(T), h) }
	}
	return b
}

// Registry maps message types to handlers. It is immutable once built and
// safe for concurrent Lookup.
type Registry struct {
	handlers map[reflect.Type]HandlerFunc
}

// NewRegistry builds a Registry from bindings.
//
// Precondition: No two bindings may share a type; every handler is non-nil.
// Postcondition: Returns a Registry, or an error naming the first offending binding.
func NewRegistry(bindings ...Binding) (*Registry, error) {
	r := &Registry{handlers: make(map[reflect.Type]HandlerFunc, len(bindings))}
	for _, b := range bindings {
		if b.Type == nil {
			return nil, fmt.Errorf("binding has no message type")
		}
		if b.Type.Kind() == reflect.Interface {
			return nil, fmt.Errorf("message type %s is an interface; bind a concrete type", b.Type)
		}
		if b.Handler == nil {
			return nil, fmt.Errorf("nil handler for message type %s", b.Type)
		}
		if _, exists := r.handlers[b.Type]; exists {
			return nil, fmt.Errorf("duplicate handler for message type %s", b.Type)
		}
		r.handlers[b.Type] = b.Handler
	}
	return r, nil
}

// MustRegistry is NewRegistry for static tables; it panics on error.
func MustRegistry(bindings ...Binding) *Registry {
	r, err := NewRegistry(bindings...)
	if err != nil {
		panic(fmt.Sprintf("building handler registry: %v", err))
	}
	return r
}

// Lookup returns the handler for t.
//
// Postcondition: Returns (handler, true) if registered, or (nil, false).
func (r *Registry) Lookup(t reflect.Type) (HandlerFunc, bool) {
	if t == nil {
		return nil, false
	}
	h, ok := r.handlers[t]
	return h, ok
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	return len(r.handlers)
}

// Types returns the registered types sorted by name.
func (r *Registry) Types() []reflect.Type {
	out := make([]reflect.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
