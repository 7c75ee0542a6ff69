package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Attachments ride inbound frames as base64, so the read limit
	// is generous.
	maxMessageSize = 32 << 20

	sendQueueSize = 64
)

// Client is one websocket connection. Outbound frames flow through
// the send queue so the write pump is the only writer; a full
// queue drops the client rather than stalling the broadcaster.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// enqueue queues a frame for delivery. Nil frames (marshal
// failures) are ignored.
func (c *Client) enqueue(data []byte) {
	if data == nil {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("hub: client %s send queue full, dropping client", c.id)
		c.close()
	}
}

func (c *Client) sendError(msg string) {
	c.enqueue(marshalFrame("error", errorPayload{Message: msg}))
}

// close tears the connection down; both pumps exit on the
// resulting read/write errors.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump consumes inbound frames until the connection drops.
// Runs on the HTTP handler goroutine.
func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.Printf("hub: client %s read: %v", c.id, err)
			}
			c.close()
			return
		}
		c.hub.handleCommand(ctx, c, data)
	}
}

// writePump serializes all writes to the connection and keeps the
// protocol-level ping heartbeat going.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(
				websocket.TextMessage, data,
			); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(
				websocket.PingMessage, nil,
			); err != nil {
				return
			}
		}
	}
}
