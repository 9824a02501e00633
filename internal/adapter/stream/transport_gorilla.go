package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// GorillaTransport dials with github.com/gorilla/websocket.
type GorillaTransport struct {
	ReadLimit int64
	Dialer    *websocket.Dialer
}

func (t *GorillaTransport) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, handshakeError(resp, err)
	}
	limit := t.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	ws.SetReadLimit(limit)
	return &gorillaConn{ws: ws}, nil
}

type gorillaConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *gorillaConn) Read(ctx context.Context) ([]byte, error) {
	// gorilla reads are not context aware; closing the socket unblocks them.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if typ != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected message type %d", typ)
	}
	return data, nil
}

func (c *gorillaConn) Write(ctx context.Context, data []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) Ping(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *gorillaConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// CloseNow drops the socket; a Close still waiting on its write deadline
// then fails fast.
func (c *gorillaConn) CloseNow() error {
	return c.ws.NetConn().Close()
}
