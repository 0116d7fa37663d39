// Package registry maps task kinds to the handlers that run them.
//
// The registry is built once at process start and is immutable afterwards. New()
// refuses to build a registry that leaves any known kind without a handler, so adding
// a task.Kind without wiring its handler fails at startup instead of silently at fire time.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"taskmanager/internal/task"
)

// InvokeFunc runs one task invocation.
type InvokeFunc func(ctx context.Context, params task.Params) (task.Detail, error)

// Binding ties a kind to its handler.
type Binding struct {
	Kind   task.Kind
	Invoke InvokeFunc
}

type Registry struct {
	bindings map[task.Kind]Binding
}

// New builds a registry from bindings. Every kind in task.Kinds() must be bound exactly once.
func New(bindings ...Binding) (*Registry, error) {
	m := make(map[task.Kind]Binding, len(bindings))
	var errs []error
	for _, b := range bindings {
		if !b.Kind.Valid() {
			errs = append(errs, fmt.Errorf("%w: %q", task.ErrUnknownTaskKind, string(b.Kind)))
			continue
		}
		if b.Invoke == nil {
			errs = append(errs, fmt.Errorf("handler for %s is nil", b.Kind))
			continue
		}
		if _, dup := m[b.Kind]; dup {
			errs = append(errs, fmt.Errorf("handler for %s registered twice", b.Kind))
			continue
		}
		m[b.Kind] = b
	}

	var missing []string
	for _, k := range task.Kinds() {
		if _, ok := m[k]; !ok {
			missing = append(missing, string(k))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		errs = append(errs, fmt.Errorf("no handler registered for: %s", strings.Join(missing, ", ")))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("registry: %w", errors.Join(errs...))
	}
	return &Registry{bindings: m}, nil
}

// Resolve returns the binding for kind.
func (r *Registry) Resolve(kind task.Kind) (Binding, error) {
	b, ok := r.bindings[kind]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %q", task.ErrUnknownTaskKind, string(kind))
	}
	return b, nil
}

// RequiredParameters returns the parameter keys a task of kind must carry.
func (r *Registry) RequiredParameters(kind task.Kind) ([]string, error) {
	if _, err := r.Resolve(kind); err != nil {
		return nil, err
	}
	return kind.RequiredParams()
}

// Validate checks kind is bound and params carry every required key.
func (r *Registry) Validate(kind task.Kind, params task.Params) error {
	if _, err := r.Resolve(kind); err != nil {
		return err
	}
	return task.CheckRequired(kind, params)
}

// Kinds lists the bound kinds in declaration order.
func (r *Registry) Kinds() []task.Kind {
	out := make([]task.Kind, 0, len(r.bindings))
	for _, k := range task.Kinds() {
		if _, ok := r.bindings[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
