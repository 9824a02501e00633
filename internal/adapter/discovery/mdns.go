//go:build mdns

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const defaultScanTimeout = 3 * time.Second

// MDNSDiscoverer browses the local network with zeroconf.
type MDNSDiscoverer struct {
	logger      *slog.Logger
	scanTimeout time.Duration
}

// New returns the zeroconf discoverer. A zero scanTimeout uses 3s.
func New(logger *slog.Logger, scanTimeout time.Duration) Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	if scanTimeout <= 0 {
		scanTimeout = defaultScanTimeout
	}
	return &MDNSDiscoverer{logger: logger, scanTimeout: scanTimeout}
}

// Scan browses for Moonraker services until the scan timeout or ctx ends.
func (d *MDNSDiscoverer) Scan(ctx context.Context) ([]Service, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var services []Service
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, d.scanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			svc := entryToService(entry)
			mu.Lock()
			services = append(services, svc)
			mu.Unlock()
			d.logger.Debug("mdns discovered service", "instance", svc.Instance, "endpoint", svc.Endpoint())
		}
	}()

	if err := resolver.Browse(scanCtx, serviceType, domainName, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// The resolver closes entries once scanCtx is done.
	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return append([]Service(nil), services...), nil
}

// Advertise registers instance on the local network and blocks until ctx
// is cancelled.
func (d *MDNSDiscoverer) Advertise(ctx context.Context, instance string, port int, txt map[string]string) error {
	server, err := zeroconf.Register(instance, serviceType, domainName, port, formatTXTRecords(txt), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	d.logger.Info("mdns advertising", "instance", instance, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func entryToService(entry *zeroconf.ServiceEntry) Service {
	svc := Service{
		Instance: entry.ServiceRecord.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
		TXT:      parseTXTRecords(entry.Text),
	}
	if len(entry.AddrIPv4) > 0 {
		svc.Addr = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		svc.Addr = entry.AddrIPv6[0].String()
	}
	return svc
}
