package stream

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// DefaultReadLimit bounds a single inbound message. Moonraker object dumps
// are far larger than the library default of 32KiB.
const DefaultReadLimit int64 = 4 << 20

// NhooyrTransport dials with nhooyr.io/websocket.
type NhooyrTransport struct {
	ReadLimit  int64
	HTTPClient *http.Client
}

func (t *NhooyrTransport) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: t.HTTPClient,
	})
	if err != nil {
		return nil, handshakeError(resp, err)
	}
	limit := t.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	ws.SetReadLimit(limit)
	return &nhooyrConn{ws: ws}, nil
}

type nhooyrConn struct {
	ws *websocket.Conn
}

func (c *nhooyrConn) Read(ctx context.Context) ([]byte, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected %v message", typ)
	}
	return data, nil
}

func (c *nhooyrConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *nhooyrConn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

func (c *nhooyrConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *nhooyrConn) CloseNow() error {
	return c.ws.CloseNow()
}
