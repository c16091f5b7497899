// Package stream runs duplex RunSteps conversations: requests are dispatched
// concurrently as they arrive and envelopes are sent back as they complete.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/stepgate/internal/auth"
	"github.com/mattjoyce/stepgate/internal/events"
	"github.com/mattjoyce/stepgate/internal/log"
	"github.com/mattjoyce/stepgate/internal/metrics"
	"github.com/mattjoyce/stepgate/internal/protocol"
)

// MessageMalformedRequest is the template of the envelope answering a
// request message that could not be decoded.
const MessageMalformedRequest = "Malformed request: %s"

// errDiscarded is returned by send once the conversation has been aborted.
var errDiscarded = errors.New("conversation aborted, envelope discarded")

// Stream is the server side of a duplex conversation. Recv returns io.EOF on
// half-close. Send is never called concurrently by the coordinator.
type Stream interface {
	Recv() (*protocol.WorkRequest, error)
	Send(*protocol.ResultEnvelope) error
}

// Dispatcher executes a single request. Implementations must always return
// an envelope.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *protocol.WorkRequest, md auth.Metadata) *protocol.ResultEnvelope
}

// Coordinator serves conversations against a Dispatcher.
type Coordinator struct {
	dispatcher Dispatcher
	metrics    *metrics.Collectors
	events     *events.Hub
	logger     *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics records conversation and in-flight gauges on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithEvents publishes conversation lifecycle events on h.
func WithEvents(h *events.Hub) Option {
	return func(c *Coordinator) { c.events = h }
}

// WithLogger overrides the default conversation-scoped logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a Coordinator.
func New(d Dispatcher, opts ...Option) *Coordinator {
	c := &Coordinator{dispatcher: d}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) conversationLogger(id string) *slog.Logger {
	if c.logger != nil {
		return c.logger.With("conversation_id", id)
	}
	return log.WithConversation(id).With("component", "stream")
}

// Serve runs one conversation and returns when it is closed: the inbound
// side has half-closed and every accepted request has had its envelope
// written. Returning is the close of the outbound side.
//
// A message that fails to decode (protocol.ErrMalformedRequest) is answered
// with its own ERROR envelope and the conversation continues. Any other
// receive error, or ctx ending, aborts the conversation: Serve returns the
// error and envelopes still in flight are discarded.
func (c *Coordinator) Serve(ctx context.Context, s Stream, md auth.Metadata) error {
	conv := &conversation{
		id:     uuid.NewString(),
		stream: s,
		done:   make(chan struct{}),
	}
	logger := c.conversationLogger(conv.id)

	c.metrics.ConversationOpened()
	c.events.Publish(events.TypeConversationOpened, events.Conversation{ID: conv.id})
	logger.Debug("conversation opened")
	defer func() {
		c.metrics.ConversationClosed()
		c.events.Publish(events.TypeConversationClosed, events.Conversation{ID: conv.id, Requests: conv.accepted()})
		logger.Debug("conversation closed", "requests", conv.accepted())
	}()

	for {
		req, err := s.Recv()
		if errors.Is(err, io.EOF) {
			conv.halfClose()
			break
		}
		if errors.Is(err, protocol.ErrMalformedRequest) {
			conv.accept()
			go c.reject(conv, err, logger)
			continue
		}
		if err != nil {
			conv.abort()
			logger.Warn("conversation aborted", "error", err)
			return fmt.Errorf("receive: %w", err)
		}

		conv.accept()
		go c.run(ctx, conv, req, md, logger)
	}

	select {
	case <-conv.done:
		return nil
	case <-ctx.Done():
		conv.abort()
		logger.Warn("conversation aborted while draining", "error", ctx.Err())
		return ctx.Err()
	}
}

// run dispatches one request and writes its envelope.
func (c *Coordinator) run(ctx context.Context, conv *conversation, req *protocol.WorkRequest, md auth.Metadata, logger *slog.Logger) {
	defer conv.complete()
	c.metrics.StepStarted()
	defer c.metrics.StepFinished()

	env := c.dispatch(ctx, req, md, logger)
	if err := conv.send(env); err != nil {
		logger.Warn("envelope not delivered", "step", env.StepID, "request_id", env.RequestID, "error", err)
	}
}

// reject answers a message that never became a request.
func (c *Coordinator) reject(conv *conversation, cause error, logger *slog.Logger) {
	defer conv.complete()
	logger.Warn("malformed request", "error", cause)

	f := protocol.FailureFromError(cause)
	if err := conv.send(protocol.ErrorFrom(f, MessageMalformedRequest, f.Message)); err != nil {
		logger.Warn("envelope not delivered", "error", err)
	}
}

func (c *Coordinator) dispatch(ctx context.Context, req *protocol.WorkRequest, md auth.Metadata, logger *slog.Logger) (env *protocol.ResultEnvelope) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error("dispatcher panicked", "panic", fmt.Sprint(v))
			f := protocol.FailureFromPanic(v)
			env = protocol.ErrorFrom(f, protocol.MessageDispatchFailed, f.Message)
		}
	}()

	env = c.dispatcher.Dispatch(ctx, req, md)
	if env == nil {
		env = protocol.Errorf(protocol.MessageDispatchFailed, "no envelope")
	}
	if req != nil {
		if env.StepID == "" {
			env.StepID = req.StepID
		}
		if env.RequestID == "" {
			env.RequestID = req.RequestID
		}
	}
	return env
}

type state int

const (
	stateReceiving state = iota // inbound open
	stateDraining               // half-closed, requests still in flight
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateReceiving:
		return "receiving"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// conversation is the per-stream state machine. mu guards state, inFlight
// and the single close of done.
type conversation struct {
	id     string
	stream Stream

	mu       sync.Mutex
	state    state
	inFlight int
	total    int64
	done     chan struct{}

	sendMu  sync.Mutex
	aborted bool
}

func (cv *conversation) accept() {
	cv.mu.Lock()
	cv.inFlight++
	cv.total++
	cv.mu.Unlock()
}

func (cv *conversation) accepted() int64 {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.total
}

// complete is called after a request's envelope has been written or dropped.
func (cv *conversation) complete() {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	cv.inFlight--
	if cv.state == stateDraining && cv.inFlight == 0 {
		cv.closeLocked()
	}
}

func (cv *conversation) halfClose() {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.state != stateReceiving {
		return
	}
	if cv.inFlight == 0 {
		cv.closeLocked()
		return
	}
	cv.state = stateDraining
}

// abort stops delivery and closes the conversation regardless of in-flight
// work. Sends in progress finish first.
func (cv *conversation) abort() {
	cv.sendMu.Lock()
	cv.aborted = true
	cv.sendMu.Unlock()

	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.state != stateClosed {
		cv.closeLocked()
	}
}

func (cv *conversation) closeLocked() {
	cv.state = stateClosed
	close(cv.done)
}

func (cv *conversation) send(env *protocol.ResultEnvelope) error {
	cv.sendMu.Lock()
	defer cv.sendMu.Unlock()
	if cv.aborted {
		return errDiscarded
	}
	return cv.stream.Send(env)
}
