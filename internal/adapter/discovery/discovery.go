// Package discovery finds Moonraker instances on the local network over
// mDNS/DNS-SD. The zeroconf implementation is built with the mdns tag;
// without it every call returns ErrUnavailable.
package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
)

const (
	serviceType = "_moonraker._tcp"
	domainName  = "local."
)

// ErrUnavailable is returned when the binary was built without mDNS support.
var ErrUnavailable = errors.New("discovery: mdns support not compiled in (build with -tags mdns)")

// Service is one advertised instance.
type Service struct {
	Instance string
	Host     string
	Addr     string
	Port     int
	TXT      map[string]string
}

// Endpoint returns host:port suitable for moonraker.ParseEndpoint.
func (s Service) Endpoint() string {
	host := s.Addr
	if host == "" {
		host = strings.TrimSuffix(s.Host, ".")
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// Discoverer browses for and advertises Moonraker services.
type Discoverer interface {
	Scan(ctx context.Context) ([]Service, error)
	Advertise(ctx context.Context, instance string, port int, txt map[string]string) error
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}

func formatTXTRecords(m map[string]string) []string {
	txt := make([]string, 0, len(m))
	for k, v := range m {
		txt = append(txt, k+"="+v)
	}
	return txt
}
