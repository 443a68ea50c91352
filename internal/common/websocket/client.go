package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

// Client wraps one websocket connection. Outbound frames go through Send and
// are written by WritePump only; gorilla connections allow one concurrent
// writer.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	lastPong  atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(id string, conn *websocket.Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	c := &Client{
		ID:   id,
		Conn: conn,
		Send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// Deliver queues msg without blocking. It reports false when the client is
// closed or its buffer is full.
func (c *Client) Deliver(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) LastPong() time.Time { return time.Unix(0, c.lastPong.Load()) }

// Close is idempotent. The write pump sends a close frame on its way out.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// WritePump drains Send and keeps the connection alive with pings until the
// client is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case msg := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			_ = c.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is still buffered, so a closing frame like
// trip_closed reaches the peer before the socket goes away.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ReadPump calls handle for every inbound text frame until the peer goes
// away or the client is closed. It never writes to the connection.
func (c *Client) ReadPump(handle func(msg []byte)) error {
	defer c.Close()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return err
			}
			return nil
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(msg)
	}
}
