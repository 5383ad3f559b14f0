// README: One websocket client: buffered send channel and the write pump.
package ws

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

// Client wraps one connection. All writes go through the send channel
// so broadcasts keep FIFO order per connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger
}

func newClient(id string, conn *websocket.Conn, log zerolog.Logger) *Client {
	return &Client{
		ID:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  log,
	}
}

// writePump drains the send channel onto the wire and keeps the
// connection alive with pings. Runs in its own goroutine; returns when
// the send channel closes or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Str("client_id", c.ID).Msg("socket write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues a message without blocking; reports false when the
// buffer is full and the message was dropped.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}
