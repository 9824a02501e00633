package moonraker

import (
	"log/slog"
	"net/http"
	"time"

	"moonrpc/internal/adapter/stream"
)

// IDFormat selects how request ids are generated.
type IDFormat int

const (
	// IDSequential numbers requests 1, 2, 3, ... per client.
	IDSequential IDFormat = iota
	// IDUUID uses random UUID strings.
	IDUUID
)

// DefaultCallTimeout applies when Call is given a zero timeout.
const DefaultCallTimeout = 30 * time.Second

type options struct {
	logger      *slog.Logger
	transport   stream.Transport
	apiKey      string
	token       string
	username    string
	password    string
	header      http.Header
	idFormat    IDFormat
	callTimeout time.Duration
	stream      stream.Config
	tracing     bool
}

func defaultOptions() options {
	return options{
		logger:      slog.Default(),
		header:      http.Header{},
		callTimeout: DefaultCallTimeout,
		stream:      stream.DefaultConfig(),
		tracing:     true,
	}
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTransport replaces the WebSocket dialer.
func WithTransport(t stream.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithAPIKey sends key in the X-Api-Key header of the handshake.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithToken appends a oneshot or JWT token as the "token" query parameter.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithCredentials adds username and password to the params of every
// request and notification sent over the stream. Object params gain the two
// members; positional params are sent unchanged.
func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

// WithHeader adds a header to the handshake request.
func WithHeader(key, value string) Option {
	return func(o *options) { o.header.Add(key, value) }
}

// WithIDFormat selects sequential (default) or UUID request ids.
func WithIDFormat(f IDFormat) Option {
	return func(o *options) { o.idFormat = f }
}

// WithCallTimeout sets the timeout used when Call is given zero.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithStreamConfig replaces all connection settings at once.
func WithStreamConfig(cfg stream.Config) Option {
	return func(o *options) { o.stream = cfg }
}

// WithSendQueueSize bounds the outgoing frame queue.
func WithSendQueueSize(n int) Option {
	return func(o *options) { o.stream.SendQueueSize = n }
}

// WithSendTimeout bounds how long a caller waits for room in the queue.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.stream.SendTimeout = d }
}

// WithDialTimeout bounds Start.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.stream.DialTimeout = d }
}

// WithWriteTimeout bounds each socket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.stream.WriteTimeout = d }
}

// WithPingInterval enables WebSocket keepalive pings.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) { o.stream.PingInterval = d }
}

// WithRateLimit paces outbound frames to perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		o.stream.RateLimit = perSecond
		o.stream.RateBurst = burst
	}
}

// WithTracing toggles the per-call span. Spans are recorded only when an
// OpenTelemetry provider is installed.
func WithTracing(enabled bool) Option {
	return func(o *options) { o.tracing = enabled }
}
