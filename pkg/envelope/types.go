package envelope

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var ErrUnknownMessageType = errors.New("courier: unknown message type")

// TypeRegistry maps message type aliases to Go types and back, decoupling the
// wire name of a message from its in-process type.
type TypeRegistry struct {
	mu      sync.RWMutex
	byAlias map[string]reflect.Type
	byType  map[reflect.Type]string
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byAlias: make(map[string]reflect.Type),
		byType:  make(map[reflect.Type]string),
	}
}

// Register binds alias to the type of sample. Pointer samples register their
// element type.
func (r *TypeRegistry) Register(alias string, sample any) {
	t := indirectType(reflect.TypeOf(sample))

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byAlias[alias] = t
	r.byType[t] = alias
}

// RegisterType binds alias to T.
func RegisterType[T any](r *TypeRegistry, alias string) {
	var zero T
	r.Register(alias, &zero)
}

// AliasFor returns the registered alias of msg, or its Go type name if it was
// never registered.
func (r *TypeRegistry) AliasFor(msg any) string {
	t := indirectType(reflect.TypeOf(msg))
	if t == nil {
		return ""
	}

	r.mu.RLock()
	alias, ok := r.byType[t]
	r.mu.RUnlock()

	if ok {
		return alias
	}

	return t.String()
}

// New allocates a zero value for alias and returns a pointer to it.
func (r *TypeRegistry) New(alias string) (any, error) {
	r.mu.RLock()
	t, ok := r.byAlias[alias]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, alias)
	}

	return reflect.New(t).Interface(), nil
}

func (r *TypeRegistry) Known(alias string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byAlias[alias]
	return ok
}

func indirectType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	return t
}
