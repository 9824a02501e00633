// Package httprpc calls Moonraker procedures over plain HTTP, one POST to
// /server/jsonrpc per call. It needs no persistent connection and has no
// lifecycle of its own.
package httprpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/sony/gobreaker/v2"

	"moonrpc/internal/domain"
)

// Path is the HTTP JSON-RPC route.
const Path = "/server/jsonrpc"

// Default settings.
const (
	defaultConnTimeout   time.Duration = 10 * time.Second
	defaultRespTimeout   time.Duration = 30 * time.Second
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// Config configures the HTTP client.
type Config struct {
	// BaseURL is scheme://host:port, e.g. http://printer.local:7125.
	BaseURL     string
	APIKey      string
	BearerToken string

	ConnTimeout time.Duration
	RespTimeout time.Duration
	Pool        PoolConfig

	// Breaker settings. Remote errors never count as failures.
	MaxFailures uint32
	OpenTimeout time.Duration
	Interval    time.Duration

	// HTTPClient overrides the pooled client, mainly for tests.
	HTTPClient *http.Client
}

// Client sends JSON-RPC requests over HTTP.
type Client struct {
	url     string
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
	logger  *slog.Logger
}

// New creates a client. A nil logger uses slog.Default.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("httprpc: base url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "httprpc", "url", base)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		connTimeout := cfg.ConnTimeout
		if connTimeout == 0 {
			connTimeout = defaultConnTimeout
		}
		respTimeout := cfg.RespTimeout
		if respTimeout == 0 {
			respTimeout = defaultRespTimeout
		}
		httpClient = &http.Client{
			Transport: NewPooledTransport(connTimeout, respTimeout, cfg.Pool),
			Timeout:   connTimeout + respTimeout,
		}
	}

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}
	breaker := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "httprpc:" + base,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// The server answered; the transport is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrRemote)
		},
	})

	return &Client{url: base + Path, cfg: cfg, http: httpClient, breaker: breaker, logger: logger}, nil
}

// Call invokes method and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if method == "" {
		return nil, domain.NewDomainError("httprpc.Call", domain.ErrEmptyMethod, "")
	}
	result, err := c.breaker.Execute(func() (json.RawMessage, error) {
		return c.do(ctx, method, params)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &domain.DomainError{Op: "httprpc.Call", Err: fmt.Errorf("%w: %w", domain.ErrCircuitOpen, err), Detail: method}
	}
	return result, err
}

// CallInto is Call followed by decoding the result into out.
func (c *Client) CallInto(ctx context.Context, method string, params any, out any) error {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// State reports the breaker state for monitoring.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

func (c *Client) do(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
	}
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &domain.DomainError{Op: "httprpc.Call", Err: fmt.Errorf("%w: %w", domain.ErrTimeout, err), Detail: method}
		}
		return nil, &domain.DomainError{Op: "httprpc.Call", Err: fmt.Errorf("%w: %w", domain.ErrConnection, err), Detail: method}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	c.logger.Debug("http rpc", "method", method, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &domain.DomainError{
			Op:     "httprpc.Call",
			Err:    fmt.Errorf("%w: http status %d", domain.ErrConnection, resp.StatusCode),
			Detail: strings.TrimSpace(string(msg)),
		}
	}

	var result json.RawMessage
	if err := json2.DecodeClientResponse(resp.Body, &result); err != nil {
		return nil, remoteError(err)
	}
	return result, nil
}

// remoteError converts codec errors carrying a server error payload.
func remoteError(err error) error {
	var jsonErr *json2.Error
	if !errors.As(err, &jsonErr) {
		if errors.Is(err, json2.ErrNullResult) {
			return nil
		}
		return fmt.Errorf("decode reply: %w", err)
	}
	re := &domain.RemoteError{Code: int(jsonErr.Code), Message: jsonErr.Message}
	if jsonErr.Data != nil {
		re.Data, _ = json.Marshal(jsonErr.Data)
	}
	return re
}
