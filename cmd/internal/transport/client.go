// Package transport is the JSON-over-HTTP client shared by the auth and
// booking API clients. Non-2xx responses surface as *StatusError, transport
// failures as *NetworkError.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxErrorBody = 64 << 10

// Observer receives one call per completed request. Status is 0 when no
// response was received.
type Observer interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

type Options struct {
	BaseURL string
	Timeout time.Duration

	// HTTPClient overrides the default traced client.
	HTTPClient *http.Client

	Logger   *slog.Logger
	Observer Observer
}

type Client struct {
	base *url.URL
	hc   *http.Client
	log  *slog.Logger
	obs  Observer
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("transport: base url must be http(s): %q", opts.BaseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Client{base: base, hc: hc, log: log, obs: opts.Observer}, nil
}

// BaseURL returns the API base the client was built with.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

type Request struct {
	Method string
	Path   string

	// Route is the low-cardinality path used for metrics, e.g. "/tasks/{id}".
	Route string

	Token string
	Query url.Values

	// Body is JSON-encoded unless RawBody is set.
	Body        any
	RawBody     io.Reader
	ContentType string
}

// Do sends req and decodes a JSON response into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	route := req.Route
	if route == "" {
		route = req.Path
	}

	httpReq, err := c.build(ctx, req)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		c.observe(req.Method, route, 0, start)
		c.log.Debug("http.request.fail", "method", req.Method, "route", route, "err", err)
		return &NetworkError{Method: req.Method, Path: req.Path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	c.observe(req.Method, route, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(req, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%s %s: decode response: %w", req.Method, req.Path, err)
	}
	return nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	u := c.base.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	contentType := req.ContentType
	switch {
	case req.RawBody != nil:
		body = req.RawBody
	case req.Body != nil:
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encode body: %w", req.Method, req.Path, err)
		}
		body = bytes.NewReader(b)
		if contentType == "" {
			contentType = "application/json"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: build request: %w", req.Method, req.Path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	return httpReq, nil
}

func (c *Client) observe(method, route string, status int, start time.Time) {
	if c.obs != nil {
		c.obs.ObserveRequest(method, route, status, time.Since(start))
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// decodeError accepts {"message":...}, {"error":"..."} and
// {"error":{"code":...,"message":...}}.
func decodeError(req Request, resp *http.Response) error {
	se := &StatusError{Method: req.Method, Path: req.Path, Status: resp.StatusCode}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &body) != nil {
		return se
	}
	se.Message = body.Message

	if len(body.Error) > 0 {
		var nested apiError
		var flat string
		switch {
		case json.Unmarshal(body.Error, &nested) == nil:
			se.Code = nested.Code
			if nested.Message != "" {
				se.Message = nested.Message
			}
		case json.Unmarshal(body.Error, &flat) == nil && se.Message == "":
			se.Message = flat
		}
	}
	return se
}
