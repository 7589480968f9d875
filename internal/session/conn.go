package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// conn abstracts the upstream WebSocket connection, grounded on the
// teacher's marketdata/stream/conn.go + conn_nhoory.go split: a narrow
// interface the engine depends on, backed by nhooyr.io/websocket, with a
// fake implementation available to tests.
type conn interface {
	close() error
	ping(ctx context.Context) error
	readMessage(ctx context.Context) ([]byte, error)
	writeMessage(ctx context.Context, data []byte) error
}

var (
	writeWait = 5 * time.Second
	pongWait  = 5 * time.Second
)

type nhooyrConn struct {
	c *websocket.Conn
}

func dial(ctx context.Context, url string, headers map[string]string) (conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}

	c, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		HTTPHeader:      h,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c.SetReadLimit(-1)
	return &nhooyrConn{c: c}, nil
}

func (n *nhooyrConn) close() error {
	return n.c.Close(websocket.StatusNormalClosure, "")
}

func (n *nhooyrConn) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pongWait)
	defer cancel()
	return n.c.Ping(pingCtx)
}

func (n *nhooyrConn) readMessage(ctx context.Context) ([]byte, error) {
	_, data, err := n.c.Read(ctx)
	return data, err
}

func (n *nhooyrConn) writeMessage(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return n.c.Write(writeCtx, websocket.MessageText, data)
}

// socketAdapter lets the engine hand its conn to a decoder.Socket without
// exposing close/ping/read.
type socketAdapter struct {
	c conn
}

func (s socketAdapter) Write(ctx context.Context, data []byte) error {
	return s.c.writeMessage(ctx, data)
}

// isCleanClose reports whether err represents a normal/expected
// WebSocket closure (e.g. the venue closed the session deliberately)
// rather than a transport failure that should count against the
// breaker.
func isCleanClose(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}
