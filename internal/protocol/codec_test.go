package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, req *WorkRequest)
	}{
		{
			name:  "valid request",
			input: `{"step_id":"echo","payload":{"value":42},"request_id":"r-1"}`,
			checkFn: func(t *testing.T, req *WorkRequest) {
				if req.StepID != "echo" {
					t.Errorf("StepID = %q, want echo", req.StepID)
				}
				if req.RequestID != "r-1" {
					t.Errorf("RequestID = %q, want r-1", req.RequestID)
				}
				if req.Payload["value"] != float64(42) {
					t.Errorf("payload value = %v, want 42", req.Payload["value"])
				}
			},
		},
		{
			name:    "missing step_id",
			input:   `{"payload":{}}`,
			wantErr: true,
		},
		{
			name:    "blank step_id",
			input:   `{"step_id":"   "}`,
			wantErr: true,
		},
		{
			name:    "unknown field rejected",
			input:   `{"step_id":"echo","extra":true}`,
			wantErr: true,
		},
		{
			name:    "invalid JSON",
			input:   `{not json}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequest(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil && err == nil {
				tt.checkFn(t, req)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	payload, err := DecodePayload(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty body: %v", err)
	}
	if payload == nil || len(payload) != 0 {
		t.Fatalf("empty body payload = %#v, want empty map", payload)
	}

	payload, err = DecodePayload(strings.NewReader(`{"id":"abc"}`))
	if err != nil {
		t.Fatalf("object body: %v", err)
	}
	if payload["id"] != "abc" {
		t.Fatalf("payload = %#v", payload)
	}

	if _, err := DecodePayload(strings.NewReader(`[1,2]`)); err == nil {
		t.Fatal("expected error for array payload")
	}
}

func TestEncodeEnvelope(t *testing.T) {
	var buf bytes.Buffer
	env := Failuref("Record %s not found", "42")
	env.RequestID = "corr-1"
	if err := EncodeEnvelope(&buf, env); err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"outcome":"FAILURE"`, `"message":"Record %s not found"`, `"args":["42"]`, `"request_id":"corr-1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %s missing %s", out, want)
		}
	}

	if err := EncodeEnvelope(&buf, &ResultEnvelope{Outcome: "MAYBE"}); err == nil {
		t.Error("expected error for invalid outcome")
	}
	if err := EncodeEnvelope(&buf, nil); err == nil {
		t.Error("expected error for nil envelope")
	}
}

func TestResultEnvelopeText(t *testing.T) {
	if got := Errorf("Unknown step %s", "nope").Text(); got != "Unknown step nope" {
		t.Errorf("Text() = %q", got)
	}
	if got := Success(nil, "done").Text(); got != "done" {
		t.Errorf("Text() = %q", got)
	}
	var nilEnv *ResultEnvelope
	if got := nilEnv.Text(); got != "" {
		t.Errorf("nil Text() = %q", got)
	}
}

func TestErrorFrom(t *testing.T) {
	f := &Failure{Kind: KindPanic, Message: "boom"}
	env := ErrorFrom(f, "Step %s failed: %s", "echo", f.Message)
	if env.Outcome != OutcomeError {
		t.Fatalf("Outcome = %s, want ERROR", env.Outcome)
	}
	if env.Data != f || env.Error != f {
		t.Errorf("failure not carried: data=%v error=%v", env.Data, env.Error)
	}
	if got := env.Text(); got != "Step echo failed: boom" {
		t.Errorf("Text() = %q", got)
	}

	bare := ErrorFrom(nil, "no failure")
	if bare.Data != nil || bare.Error != nil {
		t.Errorf("expected no failure, got data=%v error=%v", bare.Data, bare.Error)
	}
}

func TestUnmarshalRequest(t *testing.T) {
	req, err := UnmarshalRequest([]byte(`{"step_id":"echo","request_id":"r1","extra":true}`))
	if err != nil {
		t.Fatalf("UnmarshalRequest: %v", err)
	}
	if req.StepID != "echo" || req.RequestID != "r1" {
		t.Errorf("unexpected request: %+v", req)
	}

	empty, err := UnmarshalRequest(nil)
	if err != nil || empty == nil || empty.StepID != "" {
		t.Errorf("empty message: req=%+v err=%v", empty, err)
	}

	for _, raw := range []string{`{"step_id":5}`, `[1,2]`, `{`} {
		if _, err := UnmarshalRequest([]byte(raw)); !errors.Is(err, ErrMalformedRequest) {
			t.Errorf("UnmarshalRequest(%s) error = %v, want ErrMalformedRequest", raw, err)
		}
	}
}
