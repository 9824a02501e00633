// Package correlation tracks in-flight requests and matches replies to them.
package correlation

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"moonrpc/internal/domain"
)

// Outcome is the final value of a PendingCall.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// PendingCall is one request awaiting its reply. Its completion slot is
// assigned exactly once.
type PendingCall struct {
	ID       domain.RequestID
	Method   string
	Deadline time.Time // zero = none
	Created  time.Time

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newPendingCall(id domain.RequestID, method string, deadline time.Time) *PendingCall {
	return &PendingCall{
		ID:       id,
		Method:   method,
		Deadline: deadline,
		Created:  time.Now(),
		done:     make(chan struct{}),
	}
}

// complete assigns the outcome. Later calls are ignored.
func (p *PendingCall) complete(o Outcome) bool {
	completed := false
	p.once.Do(func() {
		p.outcome = o
		close(p.done)
		completed = true
	})
	return completed
}

// Done is closed once the call has an outcome.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Outcome returns the outcome. Only meaningful after Done is closed.
func (p *PendingCall) Outcome() Outcome {
	<-p.done
	return p.outcome
}

// Table maps outstanding request ids to their waiting callers.
type Table struct {
	mu      sync.Mutex
	pending map[domain.RequestID]*PendingCall
	logger  *slog.Logger
}

// NewTable creates an empty correlation table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		pending: make(map[domain.RequestID]*PendingCall),
		logger:  logger,
	}
}

// Register stores a new pending entry for id. A duplicate id means the id
// generator is broken; it is logged at error level and rejected.
func (t *Table) Register(id domain.RequestID, method string, deadline time.Time) (*PendingCall, error) {
	if id.IsZero() {
		return nil, domain.NewDomainError("correlation.Register", domain.ErrDuplicateID, "empty id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[id]; exists {
		t.logger.Error("correlation: duplicate request id", "id", id.String(), "method", method)
		return nil, domain.NewDomainError("correlation.Register", domain.ErrDuplicateID, id.String())
	}
	p := newPendingCall(id, method, deadline)
	t.pending[id] = p
	return p, nil
}

// Resolve completes and removes the entry for id. Unknown ids are a
// protocol anomaly (stale or duplicate reply) and return false.
func (t *Table) Resolve(id domain.RequestID, o Outcome) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("protocol anomaly", "reason", "reply for unknown id", "id", id.String())
		return false
	}
	return p.complete(o)
}

// Cancel removes a single entry and completes it with err.
// Returns false if id was not outstanding.
func (t *Table) Cancel(id domain.RequestID, err error) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	return p.complete(Outcome{Err: err})
}

// CancelAll completes every outstanding entry with err and clears the table.
// Returns the number of entries cancelled.
func (t *Table) CancelAll(err error) int {
	t.mu.Lock()
	calls := t.pending
	t.pending = make(map[domain.RequestID]*PendingCall)
	t.mu.Unlock()

	for _, p := range calls {
		p.complete(Outcome{Err: err})
	}
	if len(calls) > 0 {
		t.logger.Debug("correlation: cancelled pending calls", "count", len(calls), "error", err)
	}
	return len(calls)
}

// Len returns the number of outstanding entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Outstanding reports whether id is still pending.
func (t *Table) Outstanding(id domain.RequestID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}
