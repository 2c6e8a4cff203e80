package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"crmchat/internal/domain"
	"crmchat/internal/event"
	"crmchat/internal/security"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// Smallest inbound frame size limit, also used when no message length is configured.
	minReadLimit = 16 * 1024

	sendQueue = 64
)

var errQueueFull = errors.New("send queue full")

// readLimitFor sizes the inbound frame limit so a body of maxRunes runes
// still fits when every rune is sent as a JSON escaped surrogate pair.
func readLimitFor(maxRunes int) int64 {
	limit := int64(maxRunes)*12 + 4*1024
	if limit < minReadLimit {
		return minReadLimit
	}
	return limit
}

// Client is one live WebSocket connection.
type Client struct {
	ID       string
	Identity security.Identity

	conn       *websocket.Conn
	send       chan []byte
	readLimit  int64
	identified atomic.Bool

	mu     sync.Mutex
	closed bool
}

func newClient(id string, identity security.Identity, conn *websocket.Conn) *Client {
	return &Client{
		ID:        id,
		Identity:  identity,
		conn:      conn,
		send:      make(chan []byte, sendQueue),
		readLimit: minReadLimit,
	}
}

func (c *Client) Identified() bool { return c.identified.Load() }

func (c *Client) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errQueueFull
	}
}

func (c *Client) sendEvent(typ event.Type, data any) {
	raw, err := event.Outbound{Type: typ, Data: data}.Encode()
	if err != nil {
		return
	}
	_ = c.enqueue(raw)
}

func (c *Client) sendError(msg string) {
	c.sendEvent(event.Error, event.ErrorPayload{Message: msg})
}

// close stops the write loop, which then closes the socket.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writeLoop drains the send queue and keeps the connection alive with
// pings. It owns all writes to the socket.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop hands every inbound envelope to dispatch until the peer goes
// away or misses a pong.
func (c *Client) readLoop(dispatch func(*Client, event.Envelope)) error {
	c.conn.SetReadLimit(c.readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var env event.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			c.sendError("malformed frame")
			continue
		}
		dispatch(c, env)
	}
}
