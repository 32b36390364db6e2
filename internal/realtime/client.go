package realtime

import (
	"sync"

	"github.com/gorilla/websocket"
)

// client is one accepted socket and its outbound queue.
type client struct {
	handle string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}

	once   sync.Once
	code   int
	reason string
}

func newClient(handle string, conn *websocket.Conn, buffer int) *client {
	return &client{
		handle: handle,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// stop asks the writer to send a close frame and exit. Only the first
// call's code is used.
func (c *client) stop(code int, reason string) {
	c.once.Do(func() {
		c.code = code
		c.reason = reason
		close(c.done)
	})
}

func (c *client) closeReason() (int, string) {
	return c.code, c.reason
}
