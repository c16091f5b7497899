package plugin

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/stepgate/internal/protocol"
)

var (
	ErrDuplicateStep     = errors.New("step already registered")
	ErrInvalidDefinition = errors.New("invalid step definition")
	ErrRegistryFrozen    = errors.New("registry is frozen")
)

// Registry maps step ids to factories. It is populated at startup and frozen
// before the server accepts requests; after Freeze it is read-only and safe
// for concurrent lookups without locking.
type Registry struct {
	factories map[string]Factory
	order     []string
	frozen    bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// NewFrozenRegistry registers every factory under its definition id and
// freezes the result.
func NewFrozenRegistry(factories ...Factory) (*Registry, error) {
	r := NewRegistry()
	for _, f := range factories {
		if err := r.Register(f.Definition().ID, f); err != nil {
			return nil, err
		}
	}
	r.Freeze()
	return r, nil
}

// Register records factory under id. The definition's id must match and its
// input schema must compile.
func (r *Registry) Register(id string, factory Factory) error {
	if r.frozen {
		return fmt.Errorf("register %q: %w", id, ErrRegistryFrozen)
	}
	if factory == nil {
		return fmt.Errorf("register %q: %w: nil factory", id, ErrInvalidDefinition)
	}
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("register %q: %w", id, ErrDuplicateStep)
	}

	def := factory.Definition()
	if def.ID != id {
		return fmt.Errorf("register %q: %w: definition id is %q", id, ErrInvalidDefinition, def.ID)
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("register %q: %w: %v", id, ErrInvalidDefinition, err)
	}
	if err := NewInputValidator(def).Err(); err != nil {
		return fmt.Errorf("register %q: %w: %v", id, ErrInvalidDefinition, err)
	}

	r.factories[id] = factory
	r.order = append(r.order, id)
	return nil
}

// Freeze ends the registration phase.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Lookup returns the factory registered under id.
func (r *Registry) Lookup(id string) (Factory, bool) {
	f, ok := r.factories[id]
	return f, ok
}

// Definitions returns one definition per registered step, in registration
// order. The definitions are copies; changing them does not touch the steps.
func (r *Registry) Definitions() []protocol.HandlerDefinition {
	out := make([]protocol.HandlerDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.factories[id].Definition().Clone())
	}
	return out
}

// IDs returns the registered ids in registration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of registered steps.
func (r *Registry) Len() int {
	return len(r.order)
}
