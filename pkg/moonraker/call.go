package moonraker

import (
	"context"
	"encoding/json"
	"time"

	"moonrpc/internal/domain"
	"moonrpc/internal/usecase/correlation"
)

// Call is a request that has been sent and may still be awaiting its reply.
type Call struct {
	ID     domain.RequestID
	Method string

	client  *Client
	pending *correlation.PendingCall
}

// Done is closed once the call has a result, an error, or was cancelled.
func (c *Call) Done() <-chan struct{} { return c.pending.Done() }

// Result returns the outcome. It blocks until Done is closed.
func (c *Call) Result() (json.RawMessage, error) {
	o := c.pending.Outcome()
	return o.Result, o.Err
}

// Wait blocks for the reply. A zero timeout uses the client default; a
// negative timeout waits until ctx ends. On timeout the call is withdrawn and
// a late reply is dropped.
func (c *Call) Wait(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	if timeout == 0 {
		timeout = c.client.opts.callTimeout
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-c.pending.Done():
	case <-expired:
		c.withdraw(domain.NewDomainError("moonraker.Call", domain.ErrTimeout,
			c.Method+" after "+timeout.String()))
	case <-ctx.Done():
		c.withdraw(contextError("moonraker.Call", c.Method, ctx.Err()))
	}
	return c.Result()
}

// Cancel withdraws the call. Waiters receive context.Canceled.
func (c *Call) Cancel() {
	c.withdraw(domain.NewDomainError("moonraker.Call", context.Canceled, c.Method))
}

// withdraw removes the call from the table. If a reply won the race the
// reply stands.
func (c *Call) withdraw(err error) {
	c.client.table.Cancel(c.ID, err)
}
