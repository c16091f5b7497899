package protocol

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// FailureKind tags where a captured failure came from.
type FailureKind string

const (
	KindStep    FailureKind = "step"    // *StepError raised by step code
	KindNetwork FailureKind = "network" // net.Error or *url.Error in the chain
	KindPanic   FailureKind = "panic"   // recovered non-error panic value
	KindError   FailureKind = "error"   // any other error
)

// maxCauseDepth bounds the cause chain copied into a Failure.
const maxCauseDepth = 8

// Failure is the serializable descriptor of a captured failure. It carries no
// stack trace; stacks are logged server side.
type Failure struct {
	Kind    FailureKind    `json:"kind"`
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	Cause   *Failure       `json:"cause,omitempty"`
}

// StepError is the error type steps return when they want the captured
// failure to carry a stable code and extra fields.
type StepError struct {
	Code    string
	Message string
	Fields  map[string]any
	Err     error
}

func (e *StepError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *StepError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStepError returns a StepError with the given code and message.
func NewStepError(code, message string, cause error) *StepError {
	return &StepError{Code: code, Message: message, Err: cause}
}

// FailureFromError converts err and its unwrap chain into a Failure.
// A nil err yields nil. Errors whose methods panic still convert; the
// panicking link is described by its type.
func FailureFromError(err error) (f *Failure) {
	if err == nil {
		return nil
	}
	defer func() {
		if recover() != nil {
			f = &Failure{Kind: KindError, Message: errorText(err)}
		}
	}()
	return failureFromError(err, 0)
}

// errorText returns err.Error(), or the type of err when Error panics.
func errorText(err error) (s string) {
	defer func() {
		if recover() != nil {
			s = fmt.Sprintf("%T", err)
		}
	}()
	return err.Error()
}

func failureFromError(err error, depth int) *Failure {
	if err == nil {
		return nil
	}

	f := &Failure{Kind: KindError, Message: errorText(err)}

	var stepErr *StepError
	var urlErr *url.Error
	var netErr net.Error
	switch {
	case errors.As(err, &stepErr) && stepErr != nil && stepErr == err:
		f.Kind = KindStep
		f.Message = stepErr.Message
		f.Code = stepErr.Code
		if len(stepErr.Fields) > 0 {
			f.Fields = make(map[string]any, len(stepErr.Fields))
			for k, v := range stepErr.Fields {
				f.Fields[k] = v
			}
		}
	case errors.As(err, &urlErr):
		f.Kind = KindNetwork
		f.Fields = map[string]any{"op": urlErr.Op, "url": urlErr.URL}
		if urlErr.Timeout() {
			f.Fields["timeout"] = true
		}
	case errors.As(err, &netErr):
		f.Kind = KindNetwork
		if netErr.Timeout() {
			f.Fields = map[string]any{"timeout": true}
		}
	}

	if depth+1 < maxCauseDepth {
		f.Cause = failureFromError(errors.Unwrap(err), depth+1)
	}
	return f
}

// FailureFromPanic converts a recovered panic value into a Failure. Error
// values keep their kind; anything else becomes KindPanic.
func FailureFromPanic(v any) *Failure {
	if err, ok := v.(error); ok {
		f := FailureFromError(err)
		f.Fields = mergeFields(f.Fields, map[string]any{"panic": true})
		return f
	}
	return &Failure{
		Kind:    KindPanic,
		Message: fmt.Sprint(v),
		Fields:  map[string]any{"type": fmt.Sprintf("%T", v)},
	}
}

func mergeFields(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
