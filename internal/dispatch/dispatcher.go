package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mattjoyce/stepgate/internal/auth"
	"github.com/mattjoyce/stepgate/internal/events"
	"github.com/mattjoyce/stepgate/internal/log"
	"github.com/mattjoyce/stepgate/internal/metrics"
	"github.com/mattjoyce/stepgate/internal/plugin"
	"github.com/mattjoyce/stepgate/internal/protocol"
)

// Message templates of the envelopes produced by the dispatcher itself.
const (
	MessageUnknownStep = "Unknown step %s"
	MessageStepFailed  = "Step %s failed: %s"
)

// StepRegistry is the read side of the step registry.
type StepRegistry interface {
	Lookup(id string) (plugin.Factory, bool)
}

// Dispatcher executes work requests against registered steps.
type Dispatcher struct {
	registry StepRegistry
	builder  auth.Builder
	metrics  *metrics.Collectors
	events   *events.Hub
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records dispatch metrics on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithEvents publishes a step.completed event per dispatch on h.
func WithEvents(h *events.Hub) Option {
	return func(d *Dispatcher) { d.events = h }
}

// WithLogger overrides the default step-scoped logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher.
func New(reg StepRegistry, builder auth.Builder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		builder:  builder,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// stepLogger scopes the dispatcher's logger to one step.
func (d *Dispatcher) stepLogger(stepID string) *slog.Logger {
	if d.logger != nil {
		return d.logger.With("step", stepID)
	}
	return log.WithStep(stepID).With("component", "dispatch")
}

// Dispatch runs req and returns its envelope. It never panics and never
// returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.WorkRequest, md auth.Metadata) *protocol.ResultEnvelope {
	start := time.Now()

	var stepID, requestID string
	var payload map[string]any
	if req != nil {
		stepID, requestID, payload = req.StepID, req.RequestID, req.Payload
	}

	logger := d.stepLogger(stepID)
	if requestID != "" {
		logger = logger.With("request_id", requestID)
	}

	label := stepID
	var env *protocol.ResultEnvelope
	factory, ok := d.registry.Lookup(stepID)
	if !ok {
		label = metrics.UnknownStep
		logger.Warn("unknown step")
		env = protocol.Errorf(MessageUnknownStep, stepID)
	} else {
		env = d.run(ctx, factory, stepID, payload, md, logger)
	}

	if env.StepID == "" {
		env.StepID = stepID
	}
	if env.RequestID == "" {
		env.RequestID = requestID
	}

	elapsed := time.Since(start)
	d.metrics.ObserveDispatch(label, env.Outcome, elapsed)
	d.events.Publish(events.TypeStepCompleted, events.StepCompleted{
		StepID:     stepID,
		RequestID:  requestID,
		Outcome:    env.Outcome,
		DurationMS: elapsed.Milliseconds(),
	})
	logger.Info("step dispatched", "outcome", env.Outcome, "duration_ms", elapsed.Milliseconds())

	return env
}

// run builds and executes the handler. Any error or panic on the way becomes
// an ERROR envelope.
func (d *Dispatcher) run(
	ctx context.Context,
	factory plugin.Factory,
	stepID string,
	payload map[string]any,
	md auth.Metadata,
	logger *slog.Logger,
) (env *protocol.ResultEnvelope) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error("step panicked", "panic", fmt.Sprint(v), "stack", string(debug.Stack()))
			env = failed(stepID, protocol.FailureFromPanic(v))
		}
	}()

	session, err := d.builder.Build(ctx, md)
	if err != nil {
		logger.Warn("session build failed", "error", err)
		return failed(stepID, protocol.FailureFromError(err))
	}

	handler, err := factory.New(session)
	if err != nil {
		logger.Warn("step construction failed", "error", err)
		return failed(stepID, protocol.FailureFromError(err))
	}
	if handler == nil {
		return failed(stepID, &protocol.Failure{Kind: protocol.KindError, Message: "step constructor returned no handler"})
	}

	out, err := handler.Execute(ctx, payload)
	if err != nil {
		logger.Warn("step execution failed", "error", err)
		return failed(stepID, protocol.FailureFromError(err))
	}
	if out == nil {
		return failed(stepID, &protocol.Failure{Kind: protocol.KindError, Message: "step returned no envelope"})
	}
	if !out.Outcome.Valid() {
		return failed(stepID, &protocol.Failure{
			Kind:    protocol.KindError,
			Message: fmt.Sprintf("step returned invalid outcome %q", out.Outcome),
		})
	}

	// Steps may hand back shared envelopes; stamping must not touch them.
	forwarded := *out
	return &forwarded
}

func failed(stepID string, f *protocol.Failure) *protocol.ResultEnvelope {
	return protocol.ErrorFrom(f, MessageStepFailed, stepID, f.Message)
}
