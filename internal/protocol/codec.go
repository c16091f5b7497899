package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedRequest marks a request message that could not be decoded.
// It is a per-message problem, not a transport failure.
var ErrMalformedRequest = errors.New("malformed request")

// Validate reports structural problems with a work request.
func Validate(req *WorkRequest) error {
	if req == nil {
		return fmt.Errorf("request is required")
	}
	if strings.TrimSpace(req.StepID) == "" {
		return fmt.Errorf("request missing required field: step_id")
	}
	return nil
}

// DecodeRequest reads and deserializes a WorkRequest from JSON in r.
// Unknown fields are rejected.
func DecodeRequest(r io.Reader) (*WorkRequest, error) {
	var req WorkRequest

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if err := Validate(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// UnmarshalRequest decodes one streamed request message. Unknown fields are
// tolerated; an empty message is a request with no fields set.
func UnmarshalRequest(data []byte) (*WorkRequest, error) {
	var req WorkRequest
	if len(data) == 0 {
		return &req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return &req, nil
}

// DecodePayload reads a JSON object used as a step payload. An empty body
// yields an empty payload.
func DecodePayload(r io.Reader) (map[string]any, error) {
	var payload map[string]any
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		if err == io.EOF {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

// EncodeEnvelope serializes env to JSON and writes it to w.
func EncodeEnvelope(w io.Writer, env *ResultEnvelope) error {
	if env == nil {
		return fmt.Errorf("envelope is required")
	}
	if !env.Outcome.Valid() {
		return fmt.Errorf("invalid outcome value: %q", env.Outcome)
	}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return nil
}
