package moonraker

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPort is Moonraker's standard listen port.
const DefaultPort = 7125

// DefaultPath is the WebSocket path Moonraker serves JSON-RPC on.
const DefaultPath = "/websocket"

// Endpoint locates one Moonraker instance.
type Endpoint struct {
	Host string
	Port int
	TLS  bool
	Path string
}

// ParseEndpoint accepts anything from a bare host ("printer.local") to a full
// URL ("wss://host:7130/websocket"). A missing scheme means ws, a missing port
// means 7125, and the path always ends in /websocket.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("endpoint is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", raw, err)
	}

	var ep Endpoint
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
	case "wss", "https":
		ep.TLS = true
	default:
		return Endpoint{}, fmt.Errorf("endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}

	ep.Host = u.Hostname()
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: missing host", raw)
	}
	ep.Port = DefaultPort
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Endpoint{}, fmt.Errorf("endpoint %q: invalid port %q", raw, p)
		}
		ep.Port = n
	}

	ep.Path = strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(ep.Path, DefaultPath) {
		ep.Path += DefaultPath
	}
	return ep, nil
}

func (e Endpoint) hostPort() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// WebsocketURL is the URL the stream connection dials.
func (e Endpoint) WebsocketURL() string {
	scheme := "ws"
	if e.TLS {
		scheme = "wss"
	}
	path := e.Path
	if path == "" {
		path = DefaultPath
	}
	return (&url.URL{Scheme: scheme, Host: e.hostPort(), Path: path}).String()
}

// HTTPURL is the base URL for plain HTTP requests, without a trailing slash.
func (e Endpoint) HTTPURL() string {
	scheme := "http"
	if e.TLS {
		scheme = "https"
	}
	return (&url.URL{Scheme: scheme, Host: e.hostPort()}).String()
}

func (e Endpoint) String() string { return e.WebsocketURL() }

// MethodFromPath maps an HTTP API path to its JSON-RPC method name,
// e.g. "/printer/objects/query" to "printer.objects.query".
func MethodFromPath(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}
