package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/mattjoyce/stepgate/internal/auth"
	"github.com/mattjoyce/stepgate/internal/protocol"
	"github.com/mattjoyce/stepgate/internal/stream"
)

// ManifestBuilder assembles the service manifest.
type ManifestBuilder interface {
	Build() *protocol.Manifest
}

// Config holds gRPC server configuration.
type Config struct {
	Listen               string
	MaxConcurrentStreams uint32
}

// Server implements StepServiceServer on top of a dispatcher and a stream
// coordinator, and owns the grpc.Server lifecycle.
type Server struct {
	config      Config
	dispatcher  stream.Dispatcher
	coordinator *stream.Coordinator
	manifest    ManifestBuilder
	logger      *slog.Logger
	grpc        *grpc.Server
}

// NewServer creates the service and its grpc.Server.
func NewServer(config Config, d stream.Dispatcher, c *stream.Coordinator, m ManifestBuilder, logger *slog.Logger) *Server {
	s := &Server{
		config:      config,
		dispatcher:  d,
		coordinator: c,
		manifest:    m,
		logger:      logger,
	}

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(s.unaryLogging, s.unaryRecovery),
		grpc.ChainStreamInterceptor(s.streamLogging, s.streamRecovery),
	}
	if config.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(config.MaxConcurrentStreams))
	}
	s.grpc = grpc.NewServer(opts...)
	Register(s.grpc, s)
	return s
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then stops gracefully. Open
// conversations are given a few seconds to drain.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("gRPC server starting", "listen", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("gRPC server shutting down")
		stopped := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			s.grpc.Stop()
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("grpc server error: %w", err)
	}
}

func (s *Server) GetManifest(context.Context, *protocol.Empty) (*protocol.Manifest, error) {
	return s.manifest.Build(), nil
}

// RunStep dispatches one request. Step failures travel in the envelope, so
// the call itself only fails at the transport level.
func (s *Server) RunStep(ctx context.Context, req *protocol.WorkRequest) (env *protocol.ResultEnvelope, err error) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("dispatcher panicked", "panic", fmt.Sprint(v), "stack", string(debug.Stack()))
			f := protocol.FailureFromPanic(v)
			env, err = protocol.ErrorFrom(f, protocol.MessageDispatchFailed, f.Message), nil
		}
		if env != nil && req != nil {
			if env.StepID == "" {
				env.StepID = req.StepID
			}
			if env.RequestID == "" {
				env.RequestID = req.RequestID
			}
		}
	}()

	env = s.dispatcher.Dispatch(ctx, req, incomingMetadata(ctx))
	if env == nil {
		env = protocol.Errorf(protocol.MessageDispatchFailed, "no envelope")
	}
	return env, nil
}

func (s *Server) RunSteps(st RunStepsServer) error {
	ctx := st.Context()
	err := s.coordinator.Serve(ctx, st, incomingMetadata(ctx))
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Unavailable, err.Error())
}

func incomingMetadata(ctx context.Context) auth.Metadata {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return auth.Metadata{}
	}
	return auth.MetadataFromPairs(md)
}

func (s *Server) unaryLogging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Info("grpc request",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, err
}

// unaryRecovery turns a panic in any unary handler into codes.Internal.
func (s *Server) unaryRecovery(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("grpc handler panicked", "method", info.FullMethod, "panic", fmt.Sprint(v), "stack", string(debug.Stack()))
			resp, err = nil, status.Errorf(codes.Internal, "%s: handler panicked", info.FullMethod)
		}
	}()
	return handler(ctx, req)
}

func (s *Server) streamRecovery(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("grpc stream panicked", "method", info.FullMethod, "panic", fmt.Sprint(v), "stack", string(debug.Stack()))
			err = status.Errorf(codes.Internal, "%s: handler panicked", info.FullMethod)
		}
	}()
	return handler(srv, ss)
}

func (s *Server) streamLogging(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.logger.Info("grpc stream",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return err
}
