// Package apiclient is the downstream HTTP client steps use to reach the
// records API on behalf of the caller.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gopkg.in/resty.v1"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "stepgate"
)

// Record is a downstream record as returned by the API.
type Record map[string]any

// StatusError is returned when the downstream API answers with an
// unexpected status code.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Options tune the underlying HTTP client.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// Transport is shared by every client built with these options so that
	// downstream connections are pooled across calls. Nil uses
	// http.DefaultTransport.
	Transport http.RoundTripper
}

// NewTransport returns a pooled transport for Options.Transport.
func NewTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 16
	return t
}

// Client is bound to a single base URL and access token.
type Client struct {
	baseURL string
	rest    *resty.Client
}

// New returns a client for baseURL authenticating with token.
func New(baseURL, token string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	baseURL = strings.TrimRight(baseURL, "/")
	rest := resty.New().
		SetHostURL(baseURL).
		SetAuthToken(token).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", opts.UserAgent).
		SetTransport(opts.Transport)

	return &Client{baseURL: baseURL, rest: rest}
}

// BaseURL returns the base URL the client is bound to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Transport returns the round tripper requests go through.
func (c *Client) Transport() http.RoundTripper {
	return c.rest.GetClient().Transport
}

// GetRecord fetches one record by id.
func (c *Client) GetRecord(ctx context.Context, id string) (Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodGet, recordPath(id), nil, nil, http.StatusOK, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// CreateRecord creates a record and returns the stored representation.
func (c *Client) CreateRecord(ctx context.Context, fields map[string]any) (Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodPost, "/records", nil, fields, http.StatusCreated, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRecords lists records. A limit of zero leaves the page size to the API.
func (c *Client) ListRecords(ctx context.Context, limit int) ([]Record, error) {
	var query map[string]string
	if limit > 0 {
		query = map[string]string{"limit": strconv.Itoa(limit)}
	}

	var out struct {
		Records []Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/records", query, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// DeleteRecord deletes a record by id.
func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, recordPath(id), nil, nil, http.StatusNoContent, nil)
}

func recordPath(id string) string {
	return "/records/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body any, want int, result any) error {
	req := c.rest.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode() != want {
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode(),
			Body:       strings.TrimSpace(string(resp.Body())),
		}
	}

	if result == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), result); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
