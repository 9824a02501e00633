// Package dispatch classifies inbound frames as replies or notifications.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"moonrpc/internal/domain"
	"moonrpc/internal/usecase/correlation"
	"moonrpc/internal/usecase/subscription"
)

// Dispatcher routes each inbound frame to the correlation table or the
// subscription registry. It is called from the read loop, one frame at a time.
type Dispatcher struct {
	table     *correlation.Table
	registry  *subscription.Registry
	logger    *slog.Logger
	anomalies atomic.Uint64
	replies   atomic.Uint64
	notifies  atomic.Uint64
}

// New creates a dispatcher.
func New(table *correlation.Table, registry *subscription.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{table: table, registry: registry, logger: logger}
}

// HandleFrame decodes one raw message and routes it. It never panics on bad
// input; malformed frames are counted and logged.
func (d *Dispatcher) HandleFrame(ctx context.Context, data []byte) {
	var f domain.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		d.anomaly("undecodable frame", "", "error", err, "size", len(data))
		return
	}
	d.Route(ctx, &f)
}

// Route handles an already decoded frame.
func (d *Dispatcher) Route(ctx context.Context, f *domain.Frame) {
	switch {
	case f.HasResult() && f.HasError():
		d.anomaly("reply carries both result and error", f.ID)

	case f.HasResult() || f.HasError():
		if f.ID.IsZero() {
			d.anomaly("reply without id", "")
			return
		}
		d.resolve(f)

	case f.Method != "":
		d.notifies.Add(1)
		d.registry.Dispatch(ctx, domain.Notification{Method: f.Method, Params: f.Params})

	default:
		d.anomaly("frame has neither method nor reply payload", f.ID)
	}
}

func (d *Dispatcher) resolve(f *domain.Frame) {
	outcome := correlation.Outcome{Result: f.Result}
	if f.HasError() {
		outcome = correlation.Outcome{Err: domain.NewRemoteError(f.Error)}
	}
	if !d.table.Resolve(f.ID, outcome) {
		// The table already logged the unknown id.
		d.anomalies.Add(1)
		return
	}
	d.replies.Add(1)
}

func (d *Dispatcher) anomaly(reason string, id domain.RequestID, attrs ...any) {
	d.anomalies.Add(1)
	args := append([]any{"reason", reason}, attrs...)
	if !id.IsZero() {
		args = append(args, "id", id.String())
	}
	d.logger.Warn("protocol anomaly", args...)
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Replies       uint64
	Notifications uint64
	Anomalies     uint64
}

// Stats returns the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Replies:       d.replies.Load(),
		Notifications: d.notifies.Load(),
		Anomalies:     d.anomalies.Load(),
	}
}

// Anomalies returns how many inbound frames were dropped.
func (d *Dispatcher) Anomalies() uint64 { return d.anomalies.Load() }
