package moonraker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Default reconnect settings.
const (
	defaultInitialBackoff  time.Duration = 500 * time.Millisecond
	defaultMaxBackoff      time.Duration = 30 * time.Second
	defaultBreakerFailures uint32        = 5
	defaultBreakerTimeout  time.Duration = time.Minute
)

// SupervisorConfig tunes reconnection.
type SupervisorConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxFailures consecutive failed attempts open the circuit.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before one probe.
	OpenTimeout time.Duration
	// OnConnect runs after every successful connect, before the supervisor
	// starts watching the connection. Server-side state such as object
	// subscriptions is per connection and is typically restored here.
	OnConnect func(ctx context.Context, c *Client) error
}

// Supervisor keeps a Client connected. The Client itself never reconnects.
type Supervisor struct {
	client   *Client
	cfg      SupervisorConfig
	breaker  *gobreaker.CircuitBreaker[struct{}]
	logger   *slog.Logger
	connects atomic.Uint64
}

// NewSupervisor creates a supervisor for c. Zero config fields take defaults.
func NewSupervisor(c *Client, cfg SupervisorConfig) *Supervisor {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultBreakerTimeout
	}

	logger := c.logger.With("component", "supervisor")
	maxFailures := cfg.MaxFailures
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "moonraker:" + c.endpoint.Host,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Supervisor{client: c, cfg: cfg, breaker: breaker, logger: logger}
}

// Run connects, waits for the connection to end, and reconnects with
// exponential backoff until ctx is done. It does not stop the client on return.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	for {
		if s.client.State() != StateConnected {
			if err := s.attempt(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				delay := s.backoff(attempt)
				attempt++
				s.logger.Warn("connect failed", "attempt", attempt, "retry_in", delay, "error", err)
				if err := sleep(ctx, delay); err != nil {
					return err
				}
				continue
			}
			attempt = 0
		}

		select {
		case <-s.client.Done():
			s.logger.Info("connection ended, reconnecting")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connects returns how many times Run established a connection.
func (s *Supervisor) Connects() uint64 { return s.connects.Load() }

// BreakerState reports the circuit state: closed, half-open or open.
func (s *Supervisor) BreakerState() string { return s.breaker.State().String() }

func (s *Supervisor) attempt(ctx context.Context) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		if err := s.client.Start(ctx); err != nil {
			return struct{}{}, err
		}
		if s.cfg.OnConnect != nil {
			if err := s.cfg.OnConnect(ctx, s.client); err != nil {
				_ = s.client.Stop()
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	if err == nil {
		s.connects.Add(1)
	}
	return err
}

// backoff computes exponential backoff with 0-25% jitter.
func (s *Supervisor) backoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := s.cfg.InitialBackoff * time.Duration(1<<uint(attempt))
	if delay > s.cfg.MaxBackoff || delay <= 0 {
		delay = s.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
