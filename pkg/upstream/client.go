// Package upstream issues forwarded completion requests against the single
// configured upstream endpoint.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxBufferedBody = 16 << 20

// ErrUnreachable wraps every connection-level failure. A non-2xx status is not
// an error at this layer.
var ErrUnreachable = errors.New("upstream unreachable")

type Options struct {
	URL       string
	APIKey    string
	UserAgent string
	// Timeout bounds the whole exchange including the streamed body. Zero
	// keeps the transport defaults.
	Timeout time.Duration
	// Transport overrides the shared connection pool, mainly for tests.
	Transport http.RoundTripper
}

// Client is safe for concurrent use; all requests share one connection pool.
type Client struct {
	url    string
	header http.Header
	http   *http.Client
}

// Response is a live upstream response. The caller owns Body and must Close
// it.
type Response struct {
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
}

func New(opts Options) (*Client, error) {
	target := strings.TrimSpace(opts.URL)
	if target == "" {
		return nil, errors.New("upstream url is required")
	}
	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.MaxIdleConnsPerHost = 32
		transport = t
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		header.Set("User-Agent", ua)
	}
	if key := strings.TrimSpace(opts.APIKey); key != "" {
		header.Set("Authorization", "Bearer "+key)
	}
	return &Client{
		url:    target,
		header: header,
		http:   &http.Client{Timeout: opts.Timeout, Transport: transport},
	}, nil
}

// URL is the configured endpoint. It never contains credentials.
func (c *Client) URL() string {
	return c.url
}

// Forward POSTs body once. Cancelling ctx aborts the request and any body
// read still in progress, releasing the connection.
func (c *Client) Forward(ctx context.Context, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vals := range c.header {
		req.Header[k] = append([]string(nil), vals...)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = "application/json"
	}
	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        resp.Body,
	}, nil
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// ReadAll buffers the body up to a fixed limit and closes it.
func (r *Response) ReadAll() ([]byte, error) {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}
	if len(b) > maxBufferedBody {
		return nil, fmt.Errorf("upstream body exceeds %d bytes", maxBufferedBody)
	}
	return b, nil
}

// Discard drains a bounded amount of the body so the connection can be reused,
// then closes it.
func (r *Response) Discard() {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 64<<10))
	_ = r.Body.Close()
}
