package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/gorilla/websocket"
)

// Conn is a message-oriented duplex connection. ReadMessage is only called
// from the transport's read goroutine and WriteMessage only from its write
// goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// normalCloser is implemented by connections that can tell a clean shutdown
// initiated by the peer from a failure.
type normalCloser interface {
	IsNormalClosure(err error) bool
}

// WebSocketConn carries one JSON message per WebSocket text frame.
type WebSocketConn struct {
	ws *websocket.Conn
}

// DialWebSocket connects to the recording service.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 30 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to recording server at %s: %w", url, err)
	}
	return NewWebSocketConn(ws), nil
}

// NewWebSocketConn wraps an established WebSocket.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

// ReadMessage returns the next text or binary frame.
func (c *WebSocketConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage sends data as one text frame.
func (c *WebSocketConn) WriteMessage(data []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket.
func (c *WebSocketConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

// IsNormalClosure reports a close frame with a normal or going-away code.
func (c *WebSocketConn) IsNormalClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// StreamConn frames messages on a byte stream with Content-Length headers,
// the base protocol shared with DAP. It is used for TCP bridges and in tests.
type StreamConn struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	writer *bufio.Writer
	mu     sync.Mutex
}

// NewStreamConn wraps a byte stream.
func NewStreamConn(rwc io.ReadWriteCloser) *StreamConn {
	return &StreamConn{
		conn:   rwc,
		reader: bufio.NewReader(rwc),
		writer: bufio.NewWriter(rwc),
	}
}

// DialTCP connects to a Content-Length framed bridge.
func DialTCP(ctx context.Context, address string) (*StreamConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bridge at %s: %w", address, err)
	}
	return NewStreamConn(conn), nil
}

// ReadMessage reads one framed message body.
func (c *StreamConn) ReadMessage() ([]byte, error) {
	data, err := dap.ReadBaseMessage(c.reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return data, nil
}

// WriteMessage writes one framed message body.
func (c *StreamConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := dap.WriteBaseMessage(c.writer, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

// Close closes the underlying stream.
func (c *StreamConn) Close() error {
	return c.conn.Close()
}

// IsNormalClosure treats a clean EOF after a complete message as normal.
func (c *StreamConn) IsNormalClosure(err error) bool {
	return errors.Is(err, io.EOF)
}
