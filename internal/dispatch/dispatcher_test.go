package dispatch

import (
	"context"
	"errors"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stepgate/internal/apiclient"
	"github.com/mattjoyce/stepgate/internal/auth"
	"github.com/mattjoyce/stepgate/internal/dispatch/mocks"
	"github.com/mattjoyce/stepgate/internal/events"
	"github.com/mattjoyce/stepgate/internal/log"
	"github.com/mattjoyce/stepgate/internal/metrics"
	"github.com/mattjoyce/stepgate/internal/plugin"
	"github.com/mattjoyce/stepgate/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

type executeFunc func(ctx context.Context, payload map[string]any) (*protocol.ResultEnvelope, error)

type fakeHandler struct {
	def     protocol.HandlerDefinition
	session *auth.Session
	execute executeFunc
}

func (h *fakeHandler) ID() string                             { return h.def.ID }
func (h *fakeHandler) Definition() protocol.HandlerDefinition { return h.def }
func (h *fakeHandler) Execute(ctx context.Context, payload map[string]any) (*protocol.ResultEnvelope, error) {
	return h.execute(ctx, payload)
}

// countingFactory builds fakeHandlers and counts constructions.
type countingFactory struct {
	def       protocol.HandlerDefinition
	execute   executeFunc
	newErr    error
	newPanic  any
	built     atomic.Int32
	lastBuilt atomic.Pointer[fakeHandler]
}

func newCountingFactory(id string, execute executeFunc) *countingFactory {
	return &countingFactory{
		def:     protocol.HandlerDefinition{ID: id, Name: id},
		execute: execute,
	}
}

func (f *countingFactory) Definition() protocol.HandlerDefinition { return f.def }

func (f *countingFactory) New(session *auth.Session) (plugin.Handler, error) {
	f.built.Add(1)
	if f.newPanic != nil {
		panic(f.newPanic)
	}
	if f.newErr != nil {
		return nil, f.newErr
	}
	h := &fakeHandler{def: f.def, session: session, execute: f.execute}
	f.lastBuilt.Store(h)
	return h, nil
}

func newRegistry(t *testing.T, factories ...plugin.Factory) *plugin.Registry {
	t.Helper()
	reg, err := plugin.NewFrozenRegistry(factories...)
	require.NoError(t, err)
	return reg
}

var testMetadata = auth.Metadata{auth.KeyBaseURL: "https://api.example.com", auth.KeyAccessToken: "tok"}

func TestDispatcher_ForwardsHandlerEnvelope(t *testing.T) {
	ctrl := gomock.NewController(t)
	builder := mocks.NewMockBuilder(ctrl)
	session := &auth.Session{BaseURL: "https://api.example.com"}
	builder.EXPECT().Build(gomock.Any(), testMetadata).Return(session, nil).Times(2)

	alpha := newCountingFactory("alpha", func(ctx context.Context, payload map[string]any) (*protocol.ResultEnvelope, error) {
		return protocol.Success(map[string]any{"got": payload["x"]}, "Alpha handled %d", 1), nil
	})
	beta := newCountingFactory("beta", func(ctx context.Context, payload map[string]any) (*protocol.ResultEnvelope, error) {
		return protocol.Failuref("Beta precondition %s", "unmet"), nil
	})
	d := New(newRegistry(t, alpha, beta), builder)

	env := d.Dispatch(context.Background(), &protocol.WorkRequest{
		StepID:    "alpha",
		Payload:   map[string]any{"x": "y"},
		RequestID: "corr-1",
	}, testMetadata)

	assert.Equal(t, protocol.OutcomeSuccess, env.Outcome)
	assert.Equal(t, "Alpha handled %d", env.Message)
	assert.Equal(t, []any{1}, env.Args)
	assert.Equal(t, map[string]any{"got": "y"}, env.Data)
	assert.Nil(t, env.Error)
	assert.Equal(t, "alpha", env.StepID)
	assert.Equal(t, "corr-1", env.RequestID)
	assert.Equal(t, int32(1), alpha.built.Load())
	assert.Equal(t, int32(0), beta.built.Load())
	assert.Same(t, session, alpha.lastBuilt.Load().session)

	env = d.Dispatch(context.Background(), &protocol.WorkRequest{StepID: "beta"}, testMetadata)
	assert.Equal(t, protocol.OutcomeFailure, env.Outcome, "expected failures are forwarded verbatim")
	assert.Equal(t, "Beta precondition %s", env.Message)
	assert.Equal(t, []any{"unmet"}, env.Args)
	assert.Nil(t, env.Error)
	assert.Equal(t, int32(1), beta.built.Load())
}

func TestDispatcher_UnknownStep(t *testing.T) {
	ctrl := gomock.NewController(t)
	builder := mocks.NewMockBuilder(ctrl)
	builder.EXPECT().Build(gomock.Any(), gomock.Any()).Times(0)

	known := newCountingFactory("known", nil)
	d := New(newRegistry(t, known), builder)

	for _, id := range []string{"missing", "", "KNOWN", "known "} {
		t.Run(id, func(t *testing.T) {
			env := d.Dispatch(context.Background(), &protocol.WorkRequest{StepID: id, RequestID: "r"}, testMetadata)
			assert.Equal(t, protocol.OutcomeError, env.Outcome)
			assert.Equal(t, "Unknown step %s", env.Message)
			assert.Equal(t, []any{id}, env.Args)
			assert.Equal(t, "r", env.RequestID)
		})
	}
	assert.Equal(t, int32(0), known.built.Load())
}

func TestDispatcher_NilRequest(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := New(newRegistry(t), mocks.NewMockBuilder(ctrl))

	env := d.Dispatch(context.Background(), nil, nil)
	require.NotNil(t, env)
	assert.Equal(t, protocol.OutcomeError, env.Outcome)
	assert.Equal(t, []any{""}, env.Args)
}

func TestDispatcher_SessionBuildFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	builder := mocks.NewMockBuilder(ctrl)
	builder.EXPECT().Build(gomock.Any(), gomock.Any()).Return(nil, auth.ErrMissingAccessToken)

	f := newCountingFactory("alpha", nil)
	d := New(newRegistry(t, f), builder)

	env := d.Dispatch(context.Background(), &protocol.WorkRequest{StepID: "alpha"}, auth.Metadata{auth.KeyBaseURL: "https://x"})
	assert.Equal(t, protocol.OutcomeError, env.Outcome)
	assert.Equal(t, MessageStepFailed, env.Message)
	assert.Equal(t, []any{"alpha", auth.ErrMissingAccessToken.Error()}, env.Args)
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.KindError, env.Error.Kind)
	assert.Equal(t, int32(0), f.built.Load())
}

func TestDispatcher_RealBuilderMissingMetadata(t *testing.T) {
	f := newCountingFactory("alpha", nil)
	d := New(newRegistry(t, f), auth.NewClientBuilder(apiclient.Options{}))

	env := d.Dispatch(context.Background(), &protocol.WorkRequest{StepID: "alpha"}, nil)
	assert.Equal(t, protocol.OutcomeError, env.Outcome)
	require.NotNil(t, env.Error)
	assert.Equal(t, auth.ErrMissingBaseURL.Error(), env.Error.Message)
}

func TestDispatcher_ConstructionFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *countingFactory)
		wantKind protocol.FailureKind
		wantMsg  string
	}{
		{
			name:     "constructor error",
			setup:    func(f *countingFactory) { f.newErr = errors.New("malformed session") },
			wantKind: protocol.KindError,
			wantMsg:  "malformed session",
		},
		{
			name:     "constructor panic",
			setup:    func(f *countingFactory) { f.newPanic = "nil client" },
			wantKind: protocol.KindPanic,
			wantMsg:  "nil client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			builder := mocks.NewMockBuilder(ctrl)
			builder.EXPECT().Build(gomock.Any(), gomock.Any()).Return(&auth.Session{}, nil)

			f := newCountingFactory("alpha", nil)
			tt.setup(f)
			d := New(newRegistry(t, f), builder)

			env := d.Dispatch(context.Background(), &protocol.WorkRequest{StepID: "alpha"}, testMetadata)
			assert.Equal(t, protocol.OutcomeError, env.Outcome)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantKind, env.Error.Kind)
			assert.Equal(t, tt.wantMsg, env.Error.Message)
		})
	}
}

// badErr is an error whose Error method itself panics.
type badErr struct{}

func (badErr) Error() string { panic("Error called") }

type customPanic struct {
	Code int
}

func TestDispatcher_ExecutionFailuresAreContained(t *testing.T) {
	var nilMap map[string]int
	tests := []struct {
		name     string
		execute  executeFunc
		wantKind protocol.FailureKind
		wantMsg  string
	}{
		{
			name: "returned error",
			execute: func(context.Context, map[string]any) (*protocol.ResultEnvelope, error) {
				return nil, errors.New("downstream exploded")
			},
			wantKind: protocol.KindError,
			wantMsg:  "downstream exploded",
		},
		{
			name: "step error",
			execute: func(context.Context, map[string]any) (*protocol.ResultEnvelope, error) {
				return nil, protocol.NewStepError("quota", "quota exceeded", nil)
			},
			wantKind: protocol.KindStep,
			wantMsg:  "quota exceeded",
		},
		{
			name: "network error",
			execute: func(context.Context, map[string]any) (*protocol.ResultEnvelope, error) {
				return nil, &url.Error{Op: "Get", URL: "https://api/records", Err: errors.New("connection refused")}
			},
			wantKind: protocol.KindNetwork,
			wantMsg:  `Get "https://api/records": connection refused`,
		},
		{
			name: "string panic",
			execute: func(context.Context, map[string]any) (*protocol.ResultEnvelope, error) {
				panic("unexpected")
			},
			wantKind: protocol.KindPanic,
			wantMsg:  "unexpected",
		},
		{
			name: "struct panic",
			execute: func(context.Context, map[string]any) (*protocol.ResultEnvelope, error) {
				panic(customPanic{Code: 7})
			},
			wantKind: protocol.KindPanic,
			wantMsg:  "{7}",
		},
		{
			name: "nil panic value",
			execute: func(context.Context, map[string]any) (*protocol.ResultEnvelope, error) {
				panic(nil)
			},
			wantKind: protocol.KindError,
			wantMsg:  "panic called with nil argument",
		},
		{
			name: "runtime error",
			execute: func(context.Context, map[string]any) (*protocol.ResultEnvelope, error) {
				nilMap["x"] = 1
				return nil, nil
			},
			wantKind: protocol.KindError,
			wantMsg:  "assignment to entry in nil map",
		},
		{
			name: "nil envelope",
			execute: func(context.Context, map[string]any) (*protocol.ResultEnvelope, error) {
				return nil, nil
			},
			wantKind: protocol.KindError,
			wantMsg:  "step returned no envelope",
		},
		{
			name: "invalid outcome",
			execute: func(context.Context, map[string]any) (*protocol.ResultEnvelope, error) {
				return &protocol.ResultEnvelope{Outcome: "DONE"}, nil
			},
			wantKind: protocol.KindError,
			wantMsg:  `step returned invalid outcome "DONE"`,
		},
		{
			name: "typed nil step error panic",
			execute: func(context.Context, map[string]any) (*protocol.ResultEnvelope, error) {
				panic((*protocol.StepError)(nil))
			},
			wantKind: protocol.KindError,
			wantMsg:  "<nil>",
		},
		{
			name: "panic with error whose Error panics",
			execute: func(context.Context, map[string]any) (*protocol.ResultEnvelope, error) {
				panic(badErr{})
			},
			wantKind: protocol.KindError,
			wantMsg:  "dispatch.badErr",
		},
		{
			name: "returned error whose Error panics",
			execute: func(context.Context, map[string]any) (*protocol.ResultEnvelope, error) {
				return nil, badErr{}
			},
			wantKind: protocol.KindError,
			wantMsg:  "dispatch.badErr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			builder := mocks.NewMockBuilder(ctrl)
			builder.EXPECT().Build(gomock.Any(), gomock.Any()).Return(&auth.Session{}, nil)

			d := New(newRegistry(t, newCountingFactory("alpha", tt.execute)), builder)

			var env *protocol.ResultEnvelope
			require.NotPanics(t, func() {
				env = d.Dispatch(context.Background(), &protocol.WorkRequest{StepID: "alpha", RequestID: "r-9"}, testMetadata)
			})
			require.NotNil(t, env)
			assert.Equal(t, protocol.OutcomeError, env.Outcome)
			assert.Equal(t, MessageStepFailed, env.Message)
			assert.Equal(t, "r-9", env.RequestID)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantKind, env.Error.Kind)
			assert.Contains(t, env.Error.Message, tt.wantMsg)
			assert.Equal(t, env.Error, env.Data)
		})
	}
}

func TestDispatcher_SharedEnvelopeNotMutated(t *testing.T) {
	shared := protocol.Success(nil, "static")

	ctrl := gomock.NewController(t)
	builder := mocks.NewMockBuilder(ctrl)
	builder.EXPECT().Build(gomock.Any(), gomock.Any()).Return(&auth.Session{}, nil)

	d := New(newRegistry(t, newCountingFactory("alpha", func(context.Context, map[string]any) (*protocol.ResultEnvelope, error) {
		return shared, nil
	})), builder)

	env := d.Dispatch(context.Background(), &protocol.WorkRequest{StepID: "alpha", RequestID: "r"}, testMetadata)
	assert.Equal(t, "r", env.RequestID)
	assert.Empty(t, shared.RequestID)
	assert.Empty(t, shared.StepID)
}

func TestDispatcher_MetricsAndEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	builder := mocks.NewMockBuilder(ctrl)
	builder.EXPECT().Build(gomock.Any(), gomock.Any()).Return(&auth.Session{}, nil)

	hub := events.NewHub(10)
	reg := prometheus.NewRegistry()
	d := New(
		newRegistry(t, newCountingFactory("alpha", func(context.Context, map[string]any) (*protocol.ResultEnvelope, error) {
			return protocol.Success(nil, "ok"), nil
		})),
		builder,
		WithMetrics(metrics.New(reg)),
		WithEvents(hub),
	)

	d.Dispatch(context.Background(), &protocol.WorkRequest{StepID: "alpha", RequestID: "r1"}, testMetadata)
	d.Dispatch(context.Background(), &protocol.WorkRequest{StepID: "ghost"}, testMetadata)

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 2)
	assert.Equal(t, events.TypeStepCompleted, snap[0].Type)
	assert.Contains(t, string(snap[0].Data), `"request_id":"r1"`)
	assert.Contains(t, string(snap[1].Data), `"outcome":"ERROR"`)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "stepgate_steps_dispatched_total" {
			continue
		}
		found = true
		assert.Len(t, mf.GetMetric(), 2)
	}
	assert.True(t, found)
}

func TestDispatcher_PassesContextToHandler(t *testing.T) {
	ctrl := gomock.NewController(t)
	builder := mocks.NewMockBuilder(ctrl)
	builder.EXPECT().Build(gomock.Any(), gomock.Any()).Return(&auth.Session{}, nil)

	type key struct{}
	d := New(newRegistry(t, newCountingFactory("alpha", func(ctx context.Context, _ map[string]any) (*protocol.ResultEnvelope, error) {
		return protocol.Success(ctx.Value(key{}), "ok"), nil
	})), builder)

	ctx, cancel := context.WithTimeout(context.WithValue(context.Background(), key{}, "v"), time.Second)
	defer cancel()
	env := d.Dispatch(ctx, &protocol.WorkRequest{StepID: "alpha"}, testMetadata)
	assert.Equal(t, "v", env.Data)
}
