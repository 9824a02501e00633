// Package emulator is a small Moonraker-compatible JSON-RPC server. It backs
// `moonctl emulate` and the client's end-to-end tests.
package emulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"moonrpc/internal/domain"
)

// RPCHandler handles one method. The returned value is encoded as the result.
// Return a *domain.RPCError to control the error member, or domain.ErrNoReply
// to send nothing at all.
type RPCHandler func(ctx context.Context, client *ClientInfo, params json.RawMessage) (any, error)

// Standard JSON-RPC error codes.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
)

type clientConn struct {
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	subMu      sync.Mutex
	subscribed map[string][]string
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server accepts WebSocket connections on /websocket and serves registered
// handlers. Requests are handled concurrently, so replies may leave out of order.
type Server struct {
	auth       Authenticator
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	clients    sync.Map // connID (uint64) -> *clientConn
	logger     *slog.Logger
	addr       string
	nextID     atomic.Uint64
	httpRoutes []httpRoute
	wrap       []func(http.Handler) http.Handler

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	ready     chan struct{}
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a server listening on addr. A nil auth accepts everyone.
func NewServer(auth Authenticator, addr string, logger *slog.Logger) *Server {
	if auth == nil {
		auth = OpenAuth{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth:     auth,
		handlers: make(map[string]RPCHandler),
		logger:   logger,
		addr:     addr,
		ready:    make(chan struct{}),
	}
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds an HTTP handler to the server's mux.
// Must be called before Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Use wraps the whole mux, the first middleware outermost. Must be called
// before Start.
func (s *Server) Use(mws ...func(http.Handler) http.Handler) {
	s.wrap = append(s.wrap, mws...)
}

// Start accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleUpgrade)
	mux.HandleFunc("/server/jsonrpc", s.handleHTTPRPC)
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("emulator listen: %w", err)
	}
	var handler http.Handler = mux
	for i := len(s.wrap) - 1; i >= 0; i-- {
		handler = s.wrap[i](handler)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.httpSrv = srv
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("emulator started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("emulator serve: %w", err)
	}
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the actual listen address. Only valid after Ready.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Stop closes every client connection and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.DisconnectAll(websocket.StatusGoingAway, "server shutting down")

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// DisconnectAll drops every client connection with the given close status.
func (s *Server) DisconnectAll(code websocket.StatusCode, reason string) int {
	n := 0
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		_ = cc.ws.Close(code, reason)
		s.clients.Delete(key)
		n++
		return true
	})
	return n
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Broadcast sends a notification to every connected client.
func (s *Server) Broadcast(method string, params any) error {
	frame, err := domain.NewRequest("", method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.BroadcastRaw(data)
	return nil
}

// BroadcastRaw sends data verbatim to every connected client. Tests use it to
// inject malformed frames.
func (s *Server) BroadcastRaw(data []byte) {
	s.clients.Range(func(_, value any) bool {
		s.enqueue(value.(*clientConn), data)
		return true
	})
}

func (s *Server) enqueue(cc *clientConn, data []byte) {
	select {
	case cc.sendCh <- data:
	case <-cc.done:
	default:
		s.logger.Warn("emulator: dropped frame for slow client", "conn_id", cc.info.ConnID)
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(4 << 20)

	connID := s.nextID.Add(1)
	info = &ClientInfo{Name: info.Name, ConnID: connID}
	cc := &clientConn{
		info:   info,
		ws:     ws,
		sendCh: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("emulator client connected", "conn_id", connID, "client", info.Name)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(connID)
	_ = ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("emulator client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		_, data, err := cc.ws.Read(ctx)
		if err != nil {
			return
		}
		var req domain.Frame
		if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
			s.logger.Debug("emulator: ignoring frame", "size", len(data))
			continue
		}
		go s.dispatch(ctx, cc, req)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case data := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := cc.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cc *clientConn, req domain.Frame) {
	reply, ok := s.invoke(ctx, cc.info, req)
	if !ok {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("emulator: encode reply", "method", req.Method, "error", err)
		return
	}
	s.enqueue(cc, data)
}

// invoke runs the handler and builds the reply frame. ok is false when no
// reply should be sent.
func (s *Server) invoke(ctx context.Context, client *ClientInfo, req domain.Frame) (domain.Frame, bool) {
	s.handlersMu.RLock()
	handler, found := s.handlers[req.Method]
	s.handlersMu.RUnlock()

	reply := domain.Frame{JSONRPC: domain.JSONRPCVersion, ID: req.ID}
	if !found {
		if req.ID.IsZero() {
			return reply, false
		}
		reply.Error = &domain.RPCError{Code: CodeMethodNotFound, Message: "Method not found: " + req.Method}
		return reply, true
	}

	result, err := handler(ctx, client, req.Params)
	if req.ID.IsZero() || errors.Is(err, domain.ErrNoReply) {
		return reply, false
	}
	if err != nil {
		var rpcErr *domain.RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &domain.RPCError{Code: CodeServerError, Message: err.Error()}
		}
		reply.Error = rpcErr
		return reply, true
	}

	raw, err := json.Marshal(result)
	if err != nil {
		reply.Error = &domain.RPCError{Code: CodeServerError, Message: "encode result: " + err.Error()}
		return reply, true
	}
	reply.Result = raw
	return reply, true
}

// handleHTTPRPC serves the same handlers over POST /server/jsonrpc.
func (s *Server) handleHTTPRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	info, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req domain.Frame
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil || req.Method == "" {
		writeJSON(w, domain.Frame{
			JSONRPC: domain.JSONRPCVersion,
			Error:   &domain.RPCError{Code: -32700, Message: "Parse error"},
		})
		return
	}
	if req.ID.IsZero() {
		req.ID = domain.NumericID(0)
	}
	reply, ok := s.invoke(r.Context(), info, req)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, reply)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// setSubscription records the objects a connection subscribed to.
func (s *Server) setSubscription(connID uint64, objects map[string][]string) {
	v, ok := s.clients.Load(connID)
	if !ok {
		return
	}
	cc := v.(*clientConn)
	cc.subMu.Lock()
	if cc.subscribed == nil {
		cc.subscribed = make(map[string][]string)
	}
	for name, fields := range objects {
		cc.subscribed[name] = fields
	}
	cc.subMu.Unlock()
}

// eachSubscriber calls fn for every connection with at least one subscribed object.
func (s *Server) eachSubscriber(fn func(cc *clientConn, objects map[string][]string)) {
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		cc.subMu.Lock()
		objects := make(map[string][]string, len(cc.subscribed))
		for k, v := range cc.subscribed {
			objects[k] = v
		}
		cc.subMu.Unlock()
		if len(objects) > 0 {
			fn(cc, objects)
		}
		return true
	})
}
