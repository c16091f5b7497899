// Package steps holds the concrete step handlers served by stepgate.
package steps

import (
	"encoding/json"
	"errors"
	"math"

	"github.com/mattjoyce/stepgate/internal/plugin"
	"github.com/mattjoyce/stepgate/internal/protocol"
)

// Message templates shared by all steps.
const (
	MessageInvalidInput   = "Invalid input for %s: %s"
	MessageRecordNotFound = "Record %s not found"
)

// ErrNoClient is returned when a records step is built without a
// downstream client in its session.
var ErrNoClient = errors.New("session has no downstream client")

// All returns every step factory in the order they appear in the manifest.
func All() []plugin.Factory {
	return []plugin.Factory{
		Echo(),
		Wait(),
		RecordGet(),
		RecordCreate(),
		RecordList(),
		RecordDelete(),
	}
}

// Registry builds a frozen registry holding All.
func Registry() (*plugin.Registry, error) {
	return plugin.NewFrozenRegistry(All()...)
}

// base carries the parts every handler shares.
type base struct {
	def       protocol.HandlerDefinition
	validator *plugin.InputValidator
}

func newBase(def protocol.HandlerDefinition) base {
	return base{def: def, validator: plugin.NewInputValidator(def)}
}

func (b base) ID() string                             { return b.def.ID }
func (b base) Definition() protocol.HandlerDefinition { return b.def }

// check returns a FAILURE envelope when payload does not match the inputs.
func (b base) check(payload map[string]any) *protocol.ResultEnvelope {
	if err := b.validator.Validate(payload); err != nil {
		return protocol.Failuref(MessageInvalidInput, b.def.ID, err.Error())
	}
	return nil
}

// intValue reads an integer that may arrive as a JSON number or a Go int.
func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
