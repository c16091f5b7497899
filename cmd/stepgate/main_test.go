package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stepgate/internal/apiclient"
	"github.com/mattjoyce/stepgate/internal/auth"
	"github.com/mattjoyce/stepgate/internal/dispatch"
	"github.com/mattjoyce/stepgate/internal/log"
	"github.com/mattjoyce/stepgate/internal/manifest"
	"github.com/mattjoyce/stepgate/internal/protocol"
	"github.com/mattjoyce/stepgate/internal/rpc"
	"github.com/mattjoyce/stepgate/internal/steps"
	"github.com/mattjoyce/stepgate/internal/stream"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version", "--json")
	require.NoError(t, err)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)
}

func TestVersion_Ldflags(t *testing.T) {
	old := version
	version = "1.4.0"
	t.Cleanup(func() { version = old })

	assert.Equal(t, "1.4.0", currentVersion())
}

func TestSteps(t *testing.T) {
	out, err := execute(t, "steps")
	require.NoError(t, err)
	for _, id := range []string{"echo", "wait", "record.get", "record.create", "record.list", "record.delete"} {
		assert.Contains(t, out, id)
	}
	assert.Contains(t, out, "duration_ms*")
}

func TestManifest_Local(t *testing.T) {
	out, err := execute(t, "manifest", "--name", "gw")
	require.NoError(t, err)

	var m protocol.Manifest
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, "gw", m.Name)
	assert.Len(t, m.Steps, 6)
	assert.Len(t, m.Auth, 2)
}

func TestDoctor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("grpc:\n  listen: \":9000\"\napi:\n  listen: \":9000\"\n"), 0o600))

	out, err := execute(t, "doctor", "--config", path)
	require.ErrorIs(t, err, errReported)
	assert.Contains(t, out, "ERROR")

	out, err = execute(t, "doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "OK")
}

func TestDoctor_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  log_level: loud\n"), 0o600))

	_, err := execute(t, "doctor", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

// startServer runs a real gRPC server on a loopback port.
func startServer(t *testing.T) string {
	t.Helper()

	reg, err := steps.Registry()
	require.NoError(t, err)
	d := dispatch.New(reg, auth.NewClientBuilder(apiclient.Options{}))
	srv := rpc.NewServer(rpc.Config{}, d, stream.New(d), manifest.New("remote", "9.9.9", reg), log.Get())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, lis)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return lis.Addr().String()
}

func TestRun_Remote(t *testing.T) {
	addr := startServer(t)
	creds := []string{"--addr", addr, "--base-url", "http://records.invalid", "--token", "tok"}

	out, err := execute(t, append([]string{"run", "echo", "--payload", `{"k":"v"}`, "--request-id", "x1"}, creds...)...)
	require.NoError(t, err)
	var env protocol.ResultEnvelope
	require.NoError(t, json.Unmarshal([]byte(out), &env))
	assert.Equal(t, protocol.OutcomeSuccess, env.Outcome)
	assert.Equal(t, "x1", env.RequestID)

	out, err = execute(t, append([]string{"run", "echo", "echo", "echo"}, creds...)...)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, `"outcome": "SUCCESS"`))

	out, err = execute(t, append([]string{"run", "nope"}, creds...)...)
	require.ErrorIs(t, err, errReported)
	assert.Contains(t, out, `"outcome": "ERROR"`)

	out, err = execute(t, "manifest", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "9.9.9"`)
}

func TestRun_BadPayload(t *testing.T) {
	_, err := execute(t, "run", "echo", "--payload", "[1]")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--payload")
}
