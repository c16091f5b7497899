package plugin

import (
	"context"

	"github.com/mattjoyce/stepgate/internal/auth"
	"github.com/mattjoyce/stepgate/internal/protocol"
)

// Handler executes one step variant. A Handler is built for a single dispatch
// and discarded afterwards.
type Handler interface {
	ID() string
	Definition() protocol.HandlerDefinition
	Execute(ctx context.Context, payload map[string]any) (*protocol.ResultEnvelope, error)
}

// Factory produces fresh Handlers for one step variant.
type Factory interface {
	Definition() protocol.HandlerDefinition
	New(session *auth.Session) (Handler, error)
}

// ConstructorFunc builds a Handler from a session.
type ConstructorFunc func(session *auth.Session) (Handler, error)

type funcFactory struct {
	def protocol.HandlerDefinition
	fn  ConstructorFunc
}

// NewFactory adapts a constructor function and its definition to a Factory.
func NewFactory(def protocol.HandlerDefinition, fn ConstructorFunc) Factory {
	return &funcFactory{def: def, fn: fn}
}

func (f *funcFactory) Definition() protocol.HandlerDefinition { return f.def }

func (f *funcFactory) New(session *auth.Session) (Handler, error) {
	return f.fn(session)
}
