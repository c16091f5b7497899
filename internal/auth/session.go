package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/mattjoyce/stepgate/internal/apiclient"
	"github.com/mattjoyce/stepgate/internal/protocol"
)

//go:generate mockgen -destination=../dispatch/mocks/mock_builder.go -package=mocks github.com/mattjoyce/stepgate/internal/auth Builder

var (
	ErrMissingBaseURL     = errors.New("missing base-url metadata")
	ErrMissingAccessToken = errors.New("missing access-token metadata")
	ErrInvalidBaseURL     = errors.New("invalid base-url metadata")
)

// Session is the per-call context handed to step constructors.
type Session struct {
	BaseURL string
	Client  *apiclient.Client
}

// Builder turns caller metadata into a Session.
type Builder interface {
	Build(ctx context.Context, md Metadata) (*Session, error)
}

// ClientBuilder builds sessions backed by an apiclient.Client.
type ClientBuilder struct {
	Options apiclient.Options
}

// NewClientBuilder returns a Builder whose clients use opts. All clients it
// builds share one transport; only the base URL and token are per call.
func NewClientBuilder(opts apiclient.Options) *ClientBuilder {
	if opts.Transport == nil {
		opts.Transport = apiclient.NewTransport()
	}
	return &ClientBuilder{Options: opts}
}

// Build validates the two required metadata fields and constructs the client.
func (b *ClientBuilder) Build(_ context.Context, md Metadata) (*Session, error) {
	base := md.Get(KeyBaseURL)
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	token := md.Get(KeyAccessToken)
	if token == "" {
		return nil, ErrMissingAccessToken
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q must be an absolute http(s) URL", ErrInvalidBaseURL, base)
	}

	return &Session{
		BaseURL: base,
		Client:  apiclient.New(base, token, b.Options),
	}, nil
}

// Fields returns the authentication fields every caller must supply.
func Fields() []protocol.FieldSchema {
	return []protocol.FieldSchema{
		{
			Name:        KeyBaseURL,
			Type:        protocol.FieldURL,
			Required:    true,
			Description: "Base URL of the records API",
		},
		{
			Name:        KeyAccessToken,
			Type:        protocol.FieldSecret,
			Required:    true,
			Description: "Access token presented to the records API",
		},
	}
}
