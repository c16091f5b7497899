package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Metadata keys carried with every call.
const (
	KeyBaseURL     = "base-url"
	KeyAccessToken = "access-token"

	// HeaderBaseURL carries KeyBaseURL on the HTTP API. The access token
	// travels as an Authorization bearer token.
	HeaderBaseURL = "X-Base-Url"
)

// Metadata is the out-of-band key/value data supplied by the caller.
// Keys are lower case.
type Metadata map[string]string

// Get returns the trimmed value for key.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[strings.ToLower(key)])
}

// MetadataFromPairs builds Metadata from a transport's multi-valued headers,
// keeping the first value of each key.
func MetadataFromPairs(pairs map[string][]string) Metadata {
	md := make(Metadata, len(pairs))
	for k, vs := range pairs {
		if len(vs) == 0 {
			continue
		}
		key := strings.ToLower(k)
		if _, ok := md[key]; ok {
			continue
		}
		md[key] = vs[0]
	}
	return md
}

// MetadataFromRequest extracts the base URL header and bearer token from an
// HTTP request. Missing values are left out; the session builder reports them.
func MetadataFromRequest(r *http.Request) Metadata {
	md := Metadata{}
	if v := strings.TrimSpace(r.Header.Get(HeaderBaseURL)); v != "" {
		md[KeyBaseURL] = v
	}
	if token, err := ExtractBearerToken(r); err == nil {
		md[KeyAccessToken] = token
	}
	return md
}

type metadataKey struct{}

// WithMetadata attaches md to ctx.
func WithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// MetadataFromContext returns the metadata attached by WithMetadata.
func MetadataFromContext(ctx context.Context) (Metadata, bool) {
	md, ok := ctx.Value(metadataKey{}).(Metadata)
	return md, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing access token")
	}
	return token, nil
}
