// Package stream owns the persistent WebSocket connection: dialing, the
// single read loop, the bounded write queue, and teardown.
package stream

import (
	"context"
	"fmt"
	"net/http"
)

// Transport dials a duplex message channel.
type Transport interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Conn is one established duplex channel. Read is only ever called from a
// single goroutine; Write likewise. Close may be called concurrently with both.
type Conn interface {
	// Read blocks for the next complete message. It returns an error once the
	// channel is closed or ctx is done.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// ForceCloser is implemented by connections that can drop the socket without
// a close handshake.
type ForceCloser interface {
	CloseNow() error
}

// Pinger is implemented by connections that support keepalive probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

func (f TransportFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}

// NewTransport returns the transport registered under name.
// Known names: "nhooyr" (default) and "gorilla".
func NewTransport(name string, readLimit int64) (Transport, error) {
	switch name {
	case "", "nhooyr":
		return &NhooyrTransport{ReadLimit: readLimit}, nil
	case "gorilla":
		return &GorillaTransport{ReadLimit: readLimit}, nil
	default:
		return nil, fmt.Errorf("unknown stream transport %q", name)
	}
}

func handshakeError(resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("handshake rejected (%s): %w", resp.Status, err)
	}
	return err
}
