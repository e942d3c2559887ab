// Package transport performs single logical requests against the ticket
// service: bearer auth, envelope stripping, error classification, a
// timeout per attempt and exponential backoff when no response arrives.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/deskflow/helpdesk/internal/clock"
	"github.com/deskflow/helpdesk/internal/session"
	apperrors "github.com/deskflow/helpdesk/pkg/util"
)

const (
	DefaultTimeout            = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultMaxAttachmentBytes = 150 * 1024 * 1024
	DefaultMaxFiles           = 5

	maxErrorBody         = 64 * 1024
	retryInitialInterval = 2 * time.Second
)

// RouteFunc reports the caller's current location, remembered on 401.
type RouteFunc func() string

// Config configures a Client.
type Config struct {
	BaseURL            string
	Timeout            time.Duration
	MaxRetries         int
	MaxAttachmentBytes int64
	MaxFiles           int
	HTTPClient         *http.Client
	Clock              clock.Clock
	Logger             *zap.Logger
	Session            *session.SessionContext
	Route              RouteFunc
}

// Request is one logical call.
type Request struct {
	Method    string
	Path      string
	Query     url.Values
	Body      any
	Multipart *Multipart
	// Progress receives upload completion percentages (0-100).
	Progress func(percent int)
	// NoTimeout disables the per-attempt deadline.
	NoTimeout bool
}

// Client talks to the ticket service.
type Client struct {
	base       *url.URL
	timeout    time.Duration
	maxRetries int
	maxBytes   int64
	maxFiles   int
	httpClient *http.Client
	clock      clock.Clock
	logger     *zap.Logger
	session    *session.SessionContext
	route      RouteFunc
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("transport: base URL required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("transport: base URL %q must be absolute", cfg.BaseURL)
	}
	c := &Client{
		base:       base,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		maxBytes:   cfg.MaxAttachmentBytes,
		maxFiles:   cfg.MaxFiles,
		httpClient: cfg.HTTPClient,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		session:    cfg.Session,
		route:      cfg.Route,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	} else if cfg.MaxRetries == 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.maxBytes <= 0 {
		c.maxBytes = DefaultMaxAttachmentBytes
	}
	if c.maxFiles <= 0 {
		c.maxFiles = DefaultMaxFiles
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.session == nil {
		c.session = session.New()
	}
	return c, nil
}

// Session returns the session the client authenticates with.
func (c *Client) Session() *session.SessionContext {
	return c.session
}

// URL resolves path and query against the base URL.
func (c *Client) URL(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Do performs req and returns the response payload with the
// {"data": ...} envelope removed.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	target := c.URL(req.Path, req.Query)

	var (
		build   func(ctx context.Context) (*http.Request, error)
		timeout = !req.NoTimeout
	)
	switch {
	case req.Multipart != nil:
		if err := c.checkUpload(req.Multipart); err != nil {
			return nil, err
		}
		timeout = false
		build = func(ctx context.Context) (*http.Request, error) {
			body, contentType := req.Multipart.stream(req.Progress)
			httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
			if err != nil {
				return nil, err
			}
			httpReq.Header.Set("Content-Type", contentType)
			return httpReq, nil
		}
	case req.Body != nil:
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: encode body: %w", err)
		}
		build = func(ctx context.Context) (*http.Request, error) {
			httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			httpReq.Header.Set("Content-Type", "application/json")
			return httpReq, nil
		}
	default:
		build = func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, method, target, nil)
		}
	}

	resp, release, err := c.send(ctx, method, target, build, timeout)
	if err != nil {
		return nil, err
	}
	defer release()
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, c.failure(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.NewNetworkUnavailable(err)
	}
	return unwrapEnvelope(raw), nil
}

// Download streams the resource at path into w without a deadline.
func (c *Client) Download(ctx context.Context, path string, w io.Writer) (int64, error) {
	target := c.URL(path, nil)
	build := func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}
	resp, release, err := c.send(ctx, http.MethodGet, target, build, false)
	if err != nil {
		return 0, err
	}
	defer release()
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return 0, c.failure(resp)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
		return n, fmt.Errorf("transport: download %s: %w", path, err)
	}
	return n, nil
}

// send runs the attempt loop. The returned release func must be called
// once the response body has been consumed.
func (c *Client) send(ctx context.Context, method, target string, build func(context.Context) (*http.Request, error), timeout bool) (*http.Response, context.CancelFunc, error) {
	var lastErr error
	retry := retryBackOff()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		var (
			attemptCtx context.Context
			cancel     context.CancelFunc
		)
		if timeout {
			attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
		} else {
			attemptCtx, cancel = context.WithCancel(ctx)
		}

		httpReq, err := build(attemptCtx)
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("transport: build request: %w", err)
		}
		httpReq.Header.Set("Accept", "application/json")
		if token := c.session.Token(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}

		c.logger.Debug("sending request",
			zap.String("method", method),
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
		)
		resp, err := c.httpClient.Do(httpReq)
		if err == nil {
			return resp, cancel, nil
		}
		cancel()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		lastErr = err
		if attempt >= c.maxRetries {
			break
		}

		wait := retry.NextBackOff()
		c.logger.Warn("request got no response, retrying",
			zap.String("method", method),
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-c.clock.After(wait):
		}
	}

	c.logger.Error("request failed without response",
		zap.String("method", method),
		zap.String("url", target),
		zap.Error(lastErr),
	)
	return nil, nil, apperrors.NewNetworkUnavailable(lastErr)
}

// retryBackOff yields 2s, 4s, 8s, ... with no jitter.
func retryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute
	b.Reset()
	return b
}

func (c *Client) failure(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message, details := errorMessage(raw)
	domainErr := apperrors.FromStatus(resp.StatusCode, message)
	domainErr.Details = details

	if resp.StatusCode == http.StatusUnauthorized {
		route := ""
		if c.route != nil {
			route = c.route()
		}
		c.logger.Info("session rejected by service", zap.String("route", route))
		c.session.Invalidate(route)
	}
	return domainErr
}

// errorMessage extracts the server-provided message from an error body.
// Both {"error":{"message":...}} and {"message":...} / {"error":"..."}
// shapes are understood.
func errorMessage(raw []byte) (string, map[string]any) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}
	var body struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw)), nil
	}
	if len(body.Error) > 0 {
		var nested struct {
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		}
		if err := json.Unmarshal(body.Error, &nested); err == nil && nested.Message != "" {
			if body.Message != "" {
				return body.Message, nested.Details
			}
			return nested.Message, nested.Details
		}
	}
	if body.Message != "" {
		return body.Message, nil
	}
	var text string
	if err := json.Unmarshal(body.Error, &text); err == nil {
		return text, nil
	}
	return "", nil
}

func unwrapEnvelope(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] != '{' {
		return json.RawMessage(trimmed)
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return json.RawMessage(trimmed)
	}
	if data, ok := envelope["data"]; ok {
		return data
	}
	return json.RawMessage(trimmed)
}
