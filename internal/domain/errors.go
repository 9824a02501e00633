package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Every error a public operation returns wraps one of these.
var (
	ErrConnection      = fmt.Errorf("connection failed")
	ErrNotConnected    = fmt.Errorf("not connected")
	ErrDisconnected    = fmt.Errorf("disconnected")
	ErrTimeout         = fmt.Errorf("operation timed out")
	ErrRemote          = fmt.Errorf("remote error")
	ErrProtocolAnomaly = fmt.Errorf("protocol anomaly")
)

// Sentinel errors raised by specific components.
var (
	ErrAlreadyConnected = fmt.Errorf("stream: already connected")
	ErrSendTimeout      = fmt.Errorf("stream: outgoing queue full: %w", ErrTimeout)
	ErrDuplicateID      = fmt.Errorf("correlation: duplicate request id")
	ErrEmptyMethod      = fmt.Errorf("rpc: method is required")

	// Emulator / auth errors.
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	ErrNoReply     = fmt.Errorf("rpc: handler produced no reply")

	// HTTP transport errors.
	ErrCircuitOpen = fmt.Errorf("circuit open: %w", ErrConnection)
)

// RemoteError is an error payload reported by the server in a reply frame.
type RemoteError struct {
	Code    int
	Symbol  string // non-numeric code, when the server sends one
	Message string
	Data    []byte
}

func (e *RemoteError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("remote error %s: %s", e.Symbol, e.Message)
	}
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is(err, ErrRemote) match any remote error.
func (e *RemoteError) Unwrap() error { return ErrRemote }

// NewRemoteError converts a wire error payload.
func NewRemoteError(e *RPCError) *RemoteError {
	if e == nil {
		return nil
	}
	return &RemoteError{Code: e.Code, Symbol: e.Symbol, Message: e.Message, Data: e.Data}
}

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "stream.Connect")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transport failure that a fresh
// connection might cure.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrDisconnected) || errors.Is(err, ErrNotConnected)
}
