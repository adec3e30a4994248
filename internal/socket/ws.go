package socket

import (
	"context"

	"nhooyr.io/websocket"
)

// Close codes used by the relay, mirroring the RFC 6455 values.
const (
	CloseNormal          = int(websocket.StatusNormalClosure)
	ClosePolicyViolation = int(websocket.StatusPolicyViolation)
)

// WSConn adapts a websocket connection to the Conn write interface.
type WSConn struct {
	conn *websocket.Conn
}

// NewWSConn wraps a websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Write sends one text frame.
func (c *WSConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close terminates the connection with the given close code and reason.
func (c *WSConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

// WSFrameReader yields reassembled frames from a websocket connection for
// the receive loop.
type WSFrameReader struct {
	conn *websocket.Conn
}

// NewWSFrameReader wraps a websocket connection.
func NewWSFrameReader(conn *websocket.Conn) *WSFrameReader {
	return &WSFrameReader{conn: conn}
}

// ReadFrame returns the next whole message and whether it was text.
func (r *WSFrameReader) ReadFrame(ctx context.Context) ([]byte, bool, error) {
	typ, data, err := r.conn.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	return data, typ == websocket.MessageText, nil
}
