package moonraker

import (
	"moonrpc/internal/domain"
	"moonrpc/internal/usecase/subscription"
)

// Errors returned by Client. Use errors.Is to test for them.
var (
	ErrConnection       = domain.ErrConnection
	ErrNotConnected     = domain.ErrNotConnected
	ErrDisconnected     = domain.ErrDisconnected
	ErrTimeout          = domain.ErrTimeout
	ErrSendTimeout      = domain.ErrSendTimeout
	ErrRemote           = domain.ErrRemote
	ErrAlreadyConnected = domain.ErrAlreadyConnected
	ErrEmptyMethod      = domain.ErrEmptyMethod
	ErrCircuitOpen      = domain.ErrCircuitOpen
)

// RemoteError is an error reported by the server. Extract it with errors.As.
type RemoteError = domain.RemoteError

// Notification is a server-pushed message.
type Notification = domain.Notification

// NotificationHandler observes notifications. A returned error is logged.
type NotificationHandler = domain.NotificationHandler

// Handle identifies one subscription.
type Handle = subscription.Handle

// Wildcard subscribes to every notification.
const Wildcard = subscription.Wildcard

// State is the connection state of a Client.
type State = domain.ConnectionState

const (
	StateDisconnected = domain.StateDisconnected
	StateConnecting   = domain.StateConnecting
	StateConnected    = domain.StateConnected
	StateClosing      = domain.StateClosing
)
