package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// Clients send at least a ping inside this window.
	readWait = 5 * time.Minute
	// closeGrace bounds the wait for the peer to answer our close frame.
	closeGrace = time.Second
)

// Conn serialises writes to a gorilla connection. Tracker callbacks fire
// from the snapshot ticker while the read loop may be replying, and gorilla
// supports only one concurrent writer.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex

	// deadlineMu orders read deadlines between the read loop and CloseWith.
	deadlineMu sync.Mutex
	closing    bool
}

// Wrap returns a write-safe Conn.
func Wrap(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *Conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (c *Conn) WriteError(errMsg string) error {
	return c.WriteTyped(ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}

// WriteErrorCode sends an ErrorResponse carrying a machine-readable code.
func (c *Conn) WriteErrorCode(code, errMsg string) error {
	return c.WriteTyped(ErrorResponse{
		Event: EventError,
		Code:  code,
		Error: errMsg,
	})
}

// ReadJSON reads and decodes a message into the provided structure with a
// read deadline. Only the read loop may call it.
func (c *Conn) ReadJSON(v interface{}) error {
	c.deadlineMu.Lock()
	wait := readWait
	if c.closing {
		wait = closeGrace
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.deadlineMu.Unlock()
	return c.ws.ReadJSON(v)
}

// CloseWith starts the closing handshake from any goroutine. The read loop's
// pending read returns once the peer answers or closeGrace passes.
func (c *Conn) CloseWith(code int, text string) error {
	c.mu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	c.mu.Unlock()

	c.deadlineMu.Lock()
	c.closing = true
	_ = c.ws.SetReadDeadline(time.Now().Add(closeGrace))
	c.deadlineMu.Unlock()
	return err
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
