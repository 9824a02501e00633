package moonraker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"moonrpc/internal/adapter/emulator"
)

func TestSupervisorReconnects(t *testing.T) {
	srv := startEmulator(t, nil)
	emulator.NewPrinter().Register(srv)
	c := newClient(t, srv.BoundAddr())

	var hooks atomic.Int32
	sup := NewSupervisor(c, SupervisorConfig{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		OnConnect: func(ctx context.Context, c *Client) error {
			hooks.Add(1)
			_, err := c.ServerInfo(ctx)
			return err
		},
	})
	received := make(chan struct{}, 8)
	c.Subscribe("notify_klippy_ready", func(context.Context, Notification) error {
		received <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.Connects() == 1 && srv.ClientCount() == 1 }, 3*time.Second, 5*time.Millisecond)
	srv.DisconnectAll(websocket.StatusGoingAway, "restart")
	require.Eventually(t, func() bool { return sup.Connects() == 2 && srv.ClientCount() == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), hooks.Load())

	// Subscriptions made before the drop still work.
	require.NoError(t, srv.Broadcast("notify_klippy_ready", nil))
	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("notification lost after reconnect")
	}

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, "closed", sup.BreakerState())
}

func TestSupervisorOpensCircuit(t *testing.T) {
	c := newClient(t, "127.0.0.1:1", WithDialTimeout(200*time.Millisecond))
	sup := NewSupervisor(c, SupervisorConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		MaxFailures:    2,
		OpenTimeout:    time.Hour,
	})

	ctx := context.Background()
	require.Error(t, sup.attempt(ctx))
	require.Error(t, sup.attempt(ctx))
	assert.Equal(t, "open", sup.BreakerState())

	err := sup.attempt(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, sup.Connects())
}

func TestSupervisorOnConnectFailureStops(t *testing.T) {
	srv := startEmulator(t, nil)
	c := newClient(t, srv.BoundAddr())
	sup := NewSupervisor(c, SupervisorConfig{
		OnConnect: func(context.Context, *Client) error { return errors.New("resubscribe failed") },
	})

	err := sup.attempt(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Zero(t, sup.Connects())
}

func TestSupervisorBackoff(t *testing.T) {
	c := newClient(t, "127.0.0.1:1")
	sup := NewSupervisor(c, SupervisorConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})

	d0 := sup.backoff(0)
	assert.GreaterOrEqual(t, d0, 100*time.Millisecond)
	assert.LessOrEqual(t, d0, 125*time.Millisecond)

	d2 := sup.backoff(2)
	assert.GreaterOrEqual(t, d2, 400*time.Millisecond)
	assert.LessOrEqual(t, d2, 500*time.Millisecond)

	capped := sup.backoff(40)
	assert.GreaterOrEqual(t, capped, time.Second)
	assert.LessOrEqual(t, capped, 1250*time.Millisecond)
}
