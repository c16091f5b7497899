package protocol

import "fmt"

// Outcome is the result classification of a dispatched step.
type Outcome string

const (
	// OutcomeSuccess means the step completed its work.
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeFailure is an expected failure reported by the step itself
	// (bad input, missing record, business precondition not met).
	OutcomeFailure Outcome = "FAILURE"
	// OutcomeError is an unexpected failure captured by the dispatcher.
	OutcomeError Outcome = "ERROR"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure || o == OutcomeError
}

// WorkRequest identifies one unit of work. It is not modified once received.
type WorkRequest struct {
	StepID    string         `json:"step_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	RequestID string         `json:"request_id,omitempty"` // caller correlation token
}

// ResultEnvelope is the uniform output of every dispatched step.
//
// Message is a printf-style template and Args its substitution arguments.
// They are kept apart so callers can localize the template.
type ResultEnvelope struct {
	Outcome   Outcome  `json:"outcome"`
	Message   string   `json:"message"`
	Args      []any    `json:"args,omitempty"`
	Data      any      `json:"data,omitempty"`
	Error     *Failure `json:"error,omitempty"`
	StepID    string   `json:"step_id,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

// Text renders the message template with its arguments.
func (e *ResultEnvelope) Text() string {
	if e == nil {
		return ""
	}
	if len(e.Args) == 0 {
		return e.Message
	}
	return fmt.Sprintf(e.Message, e.Args...)
}

// Success builds a SUCCESS envelope.
func Success(data any, message string, args ...any) *ResultEnvelope {
	return &ResultEnvelope{
		Outcome: OutcomeSuccess,
		Message: message,
		Args:    args,
		Data:    data,
	}
}

// Failuref builds a FAILURE envelope. Steps use it for failures that are part
// of their normal logic.
func Failuref(message string, args ...any) *ResultEnvelope {
	return &ResultEnvelope{
		Outcome: OutcomeFailure,
		Message: message,
		Args:    args,
	}
}

// Errorf builds an ERROR envelope without a failure descriptor.
func Errorf(message string, args ...any) *ResultEnvelope {
	return &ResultEnvelope{
		Outcome: OutcomeError,
		Message: message,
		Args:    args,
	}
}

// MessageDispatchFailed is the template of envelopes produced when dispatch
// itself failed rather than a step.
const MessageDispatchFailed = "Dispatch failed: %s"

// ErrorFrom builds an ERROR envelope for a captured failure. The failure is
// both the envelope's data and its error descriptor.
func ErrorFrom(f *Failure, message string, args ...any) *ResultEnvelope {
	env := Errorf(message, args...)
	if f != nil {
		env.Data = f
		env.Error = f
	}
	return env
}

// Empty is the request message of GetManifest.
type Empty struct{}
