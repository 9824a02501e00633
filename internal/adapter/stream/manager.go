package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"moonrpc/internal/domain"
)

// Config tunes one Manager.
type Config struct {
	DialTimeout   time.Duration
	SendQueueSize int
	// SendTimeout bounds how long Send waits for room in the queue.
	SendTimeout  time.Duration
	WriteTimeout time.Duration
	// PingInterval enables keepalive probes when the connection supports them.
	PingInterval time.Duration
	// RateLimit caps outbound frames per second. Zero disables pacing.
	RateLimit float64
	RateBurst int

	// CloseTimeout bounds the close handshake before the socket is dropped.
	CloseTimeout time.Duration
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		DialTimeout:   10 * time.Second,
		SendQueueSize: 64,
		SendTimeout:   5 * time.Second,
		WriteTimeout:  10 * time.Second,
		CloseTimeout:  500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// Hooks receive connection events. OnFrame runs on the read loop, so frames
// are delivered strictly in arrival order. OnDisconnect runs once per session,
// while the state is Closing and before the socket is closed.
type Hooks struct {
	OnFrame      func(ctx context.Context, data []byte)
	OnDisconnect func(cause error)
}

// Manager owns at most one live connection.
type Manager struct {
	transport Transport
	cfg       Config
	hooks     Hooks
	logger    *slog.Logger
	limiter   *rate.Limiter

	mu    sync.Mutex
	state domain.ConnectionState
	sess  *session
}

type session struct {
	id     string
	conn   Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	ended  chan struct{}
	once   sync.Once

	// closing is set as soon as teardown starts; the read loop stops
	// delivering frames after that.
	closing atomic.Bool
}

// NewManager creates a disconnected manager.
func NewManager(transport Transport, cfg Config, hooks Hooks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		transport: transport,
		cfg:       cfg,
		hooks:     hooks,
		logger:    logger,
		state:     domain.StateDisconnected,
	}
	if cfg.RateLimit > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return m
}

// Connect dials url and starts the read and write loops. It fails with
// ErrAlreadyConnected unless the manager is Disconnected.
func (m *Manager) Connect(ctx context.Context, url string, header http.Header) error {
	m.mu.Lock()
	if m.state != domain.StateDisconnected {
		state := m.state
		m.mu.Unlock()
		return domain.NewDomainError("stream.Connect", domain.ErrAlreadyConnected, state.String())
	}
	m.setStateLocked(domain.StateConnecting)
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.transport.Dial(dialCtx, url, header)
	cancel()
	if err != nil {
		m.mu.Lock()
		m.setStateLocked(domain.StateDisconnected)
		m.mu.Unlock()
		m.logger.Warn("stream: dial failed", "url", url, "error", err)
		return &domain.DomainError{Op: "stream.Connect", Err: fmt.Errorf("%w: %w", domain.ErrConnection, err)}
	}

	sctx, scancel := context.WithCancel(context.Background())
	s := &session{
		id:     ulid.Make().String(),
		conn:   conn,
		sendCh: make(chan []byte, m.cfg.SendQueueSize),
		ctx:    sctx,
		cancel: scancel,
		ended:  make(chan struct{}),
	}

	m.mu.Lock()
	m.sess = s
	m.setStateLocked(domain.StateConnected)
	m.mu.Unlock()

	m.logger.Info("stream: connected", "url", url, "session", s.id)

	go m.writeLoop(s)
	go m.readLoop(s)
	if m.cfg.PingInterval > 0 {
		if p, ok := conn.(Pinger); ok {
			go m.pingLoop(s, p)
		}
	}
	return nil
}

// Send enqueues one serialized frame. It returns after the frame is queued,
// not after it is written. A full queue makes Send wait up to SendTimeout.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	s, state := m.sess, m.state
	m.mu.Unlock()
	if s == nil || state != domain.StateConnected {
		return domain.NewDomainError("stream.Send", domain.ErrNotConnected, state.String())
	}

	timer := time.NewTimer(m.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case s.sendCh <- data:
	case <-s.ctx.Done():
		return domain.NewDomainError("stream.Send", domain.ErrNotConnected, "connection closed")
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return domain.NewDomainError("stream.Send", domain.ErrSendTimeout, "")
	}

	// A frame queued while teardown began will never be written.
	select {
	case <-s.ctx.Done():
		return domain.NewDomainError("stream.Send", domain.ErrNotConnected, "connection closed")
	default:
		return nil
	}
}

// Close tears down the current connection, if any, and returns once the
// disconnect hook has run. It does not wait for the read loop to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	m.teardown(s, nil)
	return nil
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID identifies the live connection, or returns "" when there is none.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.id
}

// Done is closed when the current connection has fully ended. With no
// connection it returns an already closed channel.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.sess.ended
}

func (m *Manager) readLoop(s *session) {
	for {
		data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				err = nil
			}
			m.teardown(s, err)
			return
		}
		if s.closing.Load() || s.ctx.Err() != nil {
			return
		}
		if m.hooks.OnFrame != nil {
			m.hooks.OnFrame(s.ctx, data)
		}
	}
}

func (m *Manager) writeLoop(s *session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.sendCh:
			if m.limiter != nil {
				if err := m.limiter.Wait(s.ctx); err != nil {
					return
				}
			}
			ctx, cancel := context.WithTimeout(s.ctx, m.cfg.WriteTimeout)
			err := s.conn.Write(ctx, data)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					m.logger.Warn("stream: write failed", "session", s.id, "error", err)
				}
				// The read loop observes the closed socket and tears down.
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (m *Manager) pingLoop(s *session, p Pinger) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, m.cfg.WriteTimeout)
			err := p.Ping(ctx)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					m.logger.Warn("stream: keepalive failed", "session", s.id, "error", err)
				}
				_ = s.conn.Close()
				return
			}
		}
	}
}

// teardown runs exactly once per session. Pending calls are swept before the
// socket is closed, so a stalled peer cannot delay their cancellation. Frames
// arriving during the sweep are dropped and Send already refuses new ones.
func (m *Manager) teardown(s *session, cause error) {
	s.once.Do(func() {
		s.closing.Store(true)
		m.mu.Lock()
		if m.sess == s {
			m.setStateLocked(domain.StateClosing)
		}
		m.mu.Unlock()

		if cause != nil {
			m.logger.Warn("stream: connection lost", "session", s.id, "error", cause)
		} else {
			m.logger.Info("stream: connection closed", "session", s.id)
		}
		if m.hooks.OnDisconnect != nil {
			m.hooks.OnDisconnect(cause)
		}

		m.closeConn(s)
		s.cancel()

		m.mu.Lock()
		if m.sess == s {
			m.sess = nil
			m.setStateLocked(domain.StateDisconnected)
		}
		m.mu.Unlock()
		close(s.ended)
	})
}

// closeConn waits at most CloseTimeout for a graceful close. After that the
// close keeps running in the background and the socket is dropped without
// waiting, since some transports block CloseNow behind the pending handshake.
func (m *Manager) closeConn(s *session) {
	done := make(chan struct{})
	go func() {
		_ = s.conn.Close()
		close(done)
	}()
	timer := time.NewTimer(m.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.logger.Debug("stream: close handshake timed out", "session", s.id)
		if f, ok := s.conn.(ForceCloser); ok {
			go func() { _ = f.CloseNow() }()
		}
	}
}

func (m *Manager) setStateLocked(next domain.ConnectionState) {
	if m.state == next {
		return
	}
	m.logger.Debug("stream: state change", "from", m.state.String(), "to", next.String())
	m.state = next
}
