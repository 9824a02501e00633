//go:build !mdns

package discovery

import (
	"context"
	"log/slog"
	"time"
)

// NoopDiscoverer stands in when mDNS support is not compiled in.
type NoopDiscoverer struct{}

// New returns a NoopDiscoverer.
func New(_ *slog.Logger, _ time.Duration) Discoverer { return NoopDiscoverer{} }

// Scan always fails with ErrUnavailable.
func (NoopDiscoverer) Scan(context.Context) ([]Service, error) { return nil, ErrUnavailable }

// Advertise always fails with ErrUnavailable.
func (NoopDiscoverer) Advertise(context.Context, string, int, map[string]string) error {
	return ErrUnavailable
}
