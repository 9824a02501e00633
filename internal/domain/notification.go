package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// Notification is a server-pushed frame that has no id and expects no reply.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Decode unmarshals the params into v.
func (n Notification) Decode(v any) error {
	if len(n.Params) == 0 {
		return fmt.Errorf("%s: no params", n.Method)
	}
	if err := json.Unmarshal(n.Params, v); err != nil {
		return fmt.Errorf("%s: decode params: %w", n.Method, err)
	}
	return nil
}

// Arg decodes the i-th element of array-shaped params into v.
// Moonraker sends most notifications as positional arrays.
func (n Notification) Arg(i int, v any) error {
	var args []json.RawMessage
	if err := n.Decode(&args); err != nil {
		return err
	}
	if i < 0 || i >= len(args) {
		return fmt.Errorf("%s: param %d out of range (have %d)", n.Method, i, len(args))
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return fmt.Errorf("%s: decode param %d: %w", n.Method, i, err)
	}
	return nil
}

// NotificationHandler observes pushed notifications. Returned errors are
// logged by the registry and never reach the read loop.
type NotificationHandler func(ctx context.Context, n Notification) error
