package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/mattjoyce/stepgate/internal/auth"
	"github.com/mattjoyce/stepgate/internal/protocol"
)

// Client calls a remote step service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for target. Connections are plaintext unless opts
// supply transport credentials.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// GetManifest fetches the server manifest.
func (c *Client) GetManifest(ctx context.Context) (*protocol.Manifest, error) {
	out := new(protocol.Manifest)
	if err := c.conn.Invoke(ctx, methodGetManifest, &protocol.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunStep runs a single request with md as the caller's auth metadata.
func (c *Client) RunStep(ctx context.Context, md auth.Metadata, req *protocol.WorkRequest) (*protocol.ResultEnvelope, error) {
	out := new(protocol.ResultEnvelope)
	if err := c.conn.Invoke(outgoing(ctx, md), methodRunStep, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunSteps opens a duplex conversation.
func (c *Client) RunSteps(ctx context.Context, md auth.Metadata) (*Conversation, error) {
	cs, err := c.conn.NewStream(outgoing(ctx, md), &ServiceDesc.Streams[0], methodRunSteps)
	if err != nil {
		return nil, err
	}
	return &Conversation{cs: cs}, nil
}

// RunBatch sends every request on one conversation, half-closes, and
// collects envelopes in completion order.
func (c *Client) RunBatch(ctx context.Context, md auth.Metadata, reqs []*protocol.WorkRequest) ([]*protocol.ResultEnvelope, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conv, err := c.RunSteps(ctx, md)
	if err != nil {
		return nil, err
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		for _, req := range reqs {
			if err := conv.Send(req); err != nil {
				return fmt.Errorf("send %s: %w", req.StepID, err)
			}
		}
		return conv.CloseSend()
	})

	out := make([]*protocol.ResultEnvelope, 0, len(reqs))
	var recvErr error
	for {
		env, err := conv.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			recvErr = err
			cancel()
			break
		}
		out = append(out, env)
	}

	sendErr := g.Wait()
	if recvErr != nil {
		return out, recvErr
	}
	// A failed send surfaces as EOF on the receive side once the server
	// closes the stream.
	if sendErr != nil {
		return out, sendErr
	}
	return out, nil
}

// Conversation is the client side of RunSteps.
type Conversation struct {
	cs grpc.ClientStream
}

func (c *Conversation) Send(req *protocol.WorkRequest) error {
	return c.cs.SendMsg(req)
}

// CloseSend half-closes the conversation.
func (c *Conversation) CloseSend() error {
	return c.cs.CloseSend()
}

// Recv returns the next envelope, or io.EOF once the server has closed.
func (c *Conversation) Recv() (*protocol.ResultEnvelope, error) {
	env := new(protocol.ResultEnvelope)
	if err := c.cs.RecvMsg(env); err != nil {
		return nil, err
	}
	return env, nil
}

func outgoing(ctx context.Context, md auth.Metadata) context.Context {
	for k, v := range md {
		if v == "" {
			continue
		}
		ctx = metadata.AppendToOutgoingContext(ctx, k, v)
	}
	return ctx
}
