package steps

import (
	"context"
	"time"

	"github.com/mattjoyce/stepgate/internal/auth"
	"github.com/mattjoyce/stepgate/internal/plugin"
	"github.com/mattjoyce/stepgate/internal/protocol"
)

// maxWait bounds the wait step.
const maxWait = 10 * time.Minute

type echoHandler struct{ base }

// Echo returns the payload unchanged.
func Echo() plugin.Factory {
	b := newBase(protocol.HandlerDefinition{
		ID:          "echo",
		Name:        "Echo",
		Description: "Returns the payload unchanged.",
		Outputs: []protocol.FieldSchema{
			{Name: "payload", Type: protocol.FieldObject, Description: "The request payload"},
		},
	})
	return plugin.NewFactory(b.def, func(*auth.Session) (plugin.Handler, error) {
		return &echoHandler{b}, nil
	})
}

func (h *echoHandler) Execute(_ context.Context, payload map[string]any) (*protocol.ResultEnvelope, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return protocol.Success(payload, "Echoed %d fields", len(payload)), nil
}

type waitHandler struct{ base }

// Wait sleeps for duration_ms milliseconds.
func Wait() plugin.Factory {
	b := newBase(protocol.HandlerDefinition{
		ID:          "wait",
		Name:        "Wait",
		Description: "Waits for the given number of milliseconds, then succeeds.",
		Inputs: []protocol.FieldSchema{
			{Name: "duration_ms", Type: protocol.FieldInteger, Required: true, Description: "Milliseconds to wait"},
		},
		Outputs: []protocol.FieldSchema{
			{Name: "waited_ms", Type: protocol.FieldInteger},
		},
	})
	return plugin.NewFactory(b.def, func(*auth.Session) (plugin.Handler, error) {
		return &waitHandler{b}, nil
	})
}

func (h *waitHandler) Execute(ctx context.Context, payload map[string]any) (*protocol.ResultEnvelope, error) {
	if env := h.check(payload); env != nil {
		return env, nil
	}
	ms, ok := intValue(payload["duration_ms"])
	if !ok || ms < 0 || ms > maxWait.Milliseconds() {
		return protocol.Failuref(MessageInvalidInput, h.def.ID, "duration_ms out of range"), nil
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return protocol.Success(map[string]any{"waited_ms": ms}, "Waited %dms", ms), nil
}
