// Package moonraker is a JSON-RPC client for the Moonraker API over a
// persistent WebSocket connection.
//
// Many calls can be in flight at once on one connection. Each reply is matched
// to its caller by id, and server-pushed notifications go to subscribed handlers.
//
// Example:
//
//	c, err := moonraker.New("printer.local", moonraker.WithAPIKey(key))
//	if err != nil { ... }
//	c.Subscribe("notify_status_update", func(ctx context.Context, n moonraker.Notification) error {
//	    fmt.Println(string(n.Params))
//	    return nil
//	})
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Stop()
//	info, err := c.PrinterInfo(ctx)
package moonraker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"moonrpc/internal/adapter/stream"
	"moonrpc/internal/domain"
	"moonrpc/internal/infra/tracer"
	"moonrpc/internal/usecase/correlation"
	"moonrpc/internal/usecase/dispatch"
	"moonrpc/internal/usecase/subscription"
)

// Client is one connection to one Moonraker instance, plus the in-flight
// calls and subscriptions that use it. Subscriptions outlive reconnects.
type Client struct {
	endpoint Endpoint
	opts     options
	logger   *slog.Logger

	table      *correlation.Table
	registry   *subscription.Registry
	dispatcher *dispatch.Dispatcher
	manager    *stream.Manager

	seq atomic.Uint64

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
}

// New creates a client for endpoint. It does not connect; call Start.
func New(endpoint string, opts ...Option) (*Client, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = &stream.NhooyrTransport{}
	}

	c := &Client{
		endpoint: ep,
		opts:     o,
		logger:   o.logger.With("component", "moonraker", "endpoint", ep.Host),
	}
	c.table = correlation.NewTable(c.logger)
	c.registry = subscription.New(c.logger)
	c.dispatcher = dispatch.New(c.table, c.registry, c.logger)
	c.manager = stream.NewManager(o.transport, o.stream, stream.Hooks{
		OnFrame:      c.dispatcher.HandleFrame,
		OnDisconnect: c.onDisconnect,
	}, c.logger)
	return c, nil
}

// Endpoint returns the parsed endpoint.
func (c *Client) Endpoint() Endpoint { return c.endpoint }

// Start connects. It is a no-op when already connected and waits for an
// in-progress teardown to finish before dialing again.
func (c *Client) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	for c.manager.State() == domain.StateClosing {
		select {
		case <-c.manager.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.manager.State() == domain.StateConnected {
		return nil
	}
	return c.manager.Connect(ctx, c.dialURL(), c.handshakeHeader())
}

// Stop disconnects. Every outstanding call fails with ErrDisconnected.
// Calling Stop on a stopped client does nothing.
func (c *Client) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.manager.Close()
}

// State returns the connection state.
func (c *Client) State() State { return c.manager.State() }

// Done is closed when the current connection ends, whether by Stop or by the
// server. Use it to drive reconnection.
func (c *Client) Done() <-chan struct{} { return c.manager.Done() }

func (c *Client) onDisconnect(cause error) {
	err := error(domain.ErrDisconnected)
	if cause != nil {
		err = fmt.Errorf("%w: %v", domain.ErrDisconnected, cause)
	}
	if n := c.table.CancelAll(err); n > 0 {
		c.logger.Info("cancelled outstanding calls", "count", n)
	}
}

func (c *Client) dialURL() string {
	raw := c.endpoint.WebsocketURL()
	if c.opts.token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("token", c.opts.token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) handshakeHeader() http.Header {
	h := c.opts.header.Clone()
	if c.opts.apiKey != "" {
		h.Set("X-Api-Key", c.opts.apiKey)
	}
	return h
}

func (c *Client) nextID() domain.RequestID {
	if c.opts.idFormat == IDUUID {
		return domain.StringID(uuid.NewString())
	}
	return domain.NumericID(c.seq.Add(1))
}

// Go sends a request and returns without waiting for the reply.
func (c *Client) Go(ctx context.Context, method string, params any) (*Call, error) {
	if method == "" {
		return nil, domain.NewDomainError("moonraker.Call", domain.ErrEmptyMethod, "")
	}
	params, err := c.withCredentials(method, params)
	if err != nil {
		return nil, err
	}
	id := c.nextID()
	frame, err := domain.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	pending, err := c.table.Register(id, method, time.Time{})
	if err != nil {
		return nil, err
	}
	if err := c.manager.Send(ctx, data); err != nil {
		err = contextError("moonraker.Call", method, err)
		c.table.Cancel(id, err)
		return nil, err
	}
	return &Call{ID: id, Method: method, client: c, pending: pending}, nil
}

// withCredentials merges the configured username and password into object
// params. Nil params become an object holding only the credentials.
func (c *Client) withCredentials(method string, params any) (any, error) {
	if c.opts.username == "" && c.opts.password == "" {
		return params, nil
	}
	var raw json.RawMessage
	switch p := params.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode params for %s: %w", method, err)
		}
		raw = b
	}

	obj := map[string]json.RawMessage{}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && string(trimmed) != "null" {
		if trimmed[0] != '{' {
			return params, nil
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("encode params for %s: %w", method, err)
		}
	}
	if c.opts.username != "" {
		obj["username"], _ = json.Marshal(c.opts.username)
	}
	if c.opts.password != "" {
		obj["password"], _ = json.Marshal(c.opts.password)
	}
	return obj, nil
}

// Call sends a request and waits for its reply. A zero timeout uses the
// client default; a negative timeout waits until ctx ends. A malformed reply
// is dropped without resolving the call, so with a negative timeout ctx is
// the only bound.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !c.opts.tracing {
		return c.call(ctx, method, params, timeout)
	}
	ctx, span := tracer.StartSpan(ctx, "rpc.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			tracer.StringAttr("rpc.system", "jsonrpc"),
			tracer.StringAttr("rpc.method", method),
		),
	)
	defer span.End()

	result, err := c.call(ctx, method, params, timeout)
	if err != nil {
		var re *domain.RemoteError
		if errors.As(err, &re) {
			span.SetAttributes(tracer.IntAttr("rpc.jsonrpc.error_code", re.Code))
		}
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return result, nil
}

func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	call, err := c.Go(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(tracer.StringAttr("rpc.jsonrpc.request_id", call.ID.String()))
	}
	return call.Wait(ctx, timeout)
}

// CallInto is Call followed by decoding the result into out.
func (c *Client) CallInto(ctx context.Context, method string, params any, timeout time.Duration, out any) error {
	result, err := c.Call(ctx, method, params, timeout)
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

// Notify sends a request without an id. No reply is expected or tracked.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if method == "" {
		return domain.NewDomainError("moonraker.Notify", domain.ErrEmptyMethod, "")
	}
	params, err := c.withCredentials(method, params)
	if err != nil {
		return err
	}
	frame, err := domain.NewRequest("", method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	if err := c.manager.Send(ctx, data); err != nil {
		return contextError("moonraker.Notify", method, err)
	}
	return nil
}

// Subscribe registers handler for notifications whose method equals topic.
// Use Wildcard to receive every notification. Handlers run on the read loop
// and must not block for long.
func (c *Client) Subscribe(topic string, handler NotificationHandler) Handle {
	return c.registry.Subscribe(topic, handler)
}

// Unsubscribe removes a subscription. It reports whether it was registered.
func (c *Client) Unsubscribe(h Handle) bool {
	return c.registry.Unsubscribe(h)
}

// Stats is a point-in-time snapshot of client counters.
type Stats struct {
	State         State
	Session       string
	Pending       int
	Subscriptions int
	Replies       uint64
	Notifications uint64
	Anomalies     uint64
}

// Stats returns current counters.
func (c *Client) Stats() Stats {
	d := c.dispatcher.Stats()
	return Stats{
		State:         c.manager.State(),
		Session:       c.manager.SessionID(),
		Pending:       c.table.Len(),
		Subscriptions: c.registry.Len(),
		Replies:       d.Replies,
		Notifications: d.Notifications,
		Anomalies:     d.Anomalies,
	}
}

// contextError maps a context deadline to ErrTimeout and leaves other errors
// unchanged.
func contextError(op, method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.DomainError{Op: op, Err: fmt.Errorf("%w: %w", domain.ErrTimeout, err), Detail: method}
	}
	return err
}
